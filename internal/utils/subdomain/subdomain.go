// Package subdomain maps public hostnames onto tunnel subdomains and
// allocates slugs for projects that do not have one yet.
package subdomain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// HostKind classifies a request Host against the tunnel base domain.
type HostKind int

const (
	// HostApex is the bare base domain, served by the management API.
	HostApex HostKind = iota
	// HostTunnel is <subdomain>.<base domain>.
	HostTunnel
	// HostInvalid is any host outside the base domain.
	HostInvalid
)

var (
	validPattern = regexp.MustCompile(`^[a-z0-9-]+$`)
	slugStrip    = regexp.MustCompile(`[^a-z0-9-]+`)
	dashRuns     = regexp.MustCompile(`-+`)
)

// Extract classifies host against baseDomain and returns the subdomain for
// tunnel hosts. Ports are stripped before comparison and matching is
// case-insensitive.
func Extract(host, baseDomain string) (string, HostKind) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	baseDomain = strings.ToLower(baseDomain)

	if host == baseDomain {
		return "", HostApex
	}
	if sub, ok := strings.CutSuffix(host, "."+baseDomain); ok && sub != "" {
		return sub, HostTunnel
	}
	return "", HostInvalid
}

// Validate reports whether s is an acceptable subdomain label: lowercase
// alphanumerics and hyphens, no leading or trailing hyphen, no doubled
// hyphens.
func Validate(s string) bool {
	if s == "" || !validPattern.MatchString(s) {
		return false
	}
	if strings.HasPrefix(s, "-") || strings.HasSuffix(s, "-") {
		return false
	}
	return !strings.Contains(s, "--")
}

// Normalize turns an arbitrary name into a subdomain slug: accents are
// folded away, everything is lowercased, spaces become hyphens, and whatever
// falls outside [a-z0-9-] is dropped with hyphen runs collapsed.
func Normalize(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err == nil {
		s = folded
	}
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "-")
	s = slugStrip.ReplaceAllString(s, "")
	s = dashRuns.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Generate builds a unique subdomain from a project name and owner name.
// taken reports whether a candidate is already in use. After 1000 suffix
// attempts it falls back to a random hex label.
func Generate(name, owner string, taken func(string) bool) string {
	base := Normalize(name + "-" + owner)
	if base == "" {
		base = Normalize("project-" + owner)
	}
	if base == "" {
		base = "project"
	}

	candidate := base
	for i := 1; taken(candidate); i++ {
		if i > 1000 {
			return randomLabel()
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
	return candidate
}

func randomLabel() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
