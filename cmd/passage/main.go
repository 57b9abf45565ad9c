package main

import "github.com/passage-dev/passage/cli"

func main() {
	cli.Execute()
}
