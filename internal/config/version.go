package config

import "runtime"

// Build metadata, stamped by release builds via
//
//	-ldflags "-X github.com/passage-dev/passage/internal/config.Version=..."
//
// and left at these placeholders for plain go build. The agent reports
// Version in its heartbeat so the server can flag outdated workers.
var (
	Version   = "dev"
	Revision  = "unknown"
	BuildTime = "unknown"
)

// ShortRevision trims the revision hash to 8 characters for display.
func ShortRevision() string {
	if len(Revision) > 8 {
		return Revision[:8]
	}
	return Revision
}

// GoVersion reports the Go runtime the binary was built with.
func GoVersion() string {
	return runtime.Version()
}
