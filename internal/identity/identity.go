// Package identity resolves a stable identifier for the current host.
// The identifier is used as lock-ownership proof, so it must not change
// for the lifetime of the machine.
package identity

import (
	"errors"
	"os"

	"github.com/denisbrodbeck/machineid"
)

var ErrNoIdentity = errors.New("could not resolve a host identity")

// Resolve returns a stable per-host identity string. It prefers the
// platform machine id and falls back to the hostname on platforms
// where no machine id is available (e.g. stripped-down containers).
func Resolve() (string, error) {
	if id, err := machineid.ID(); err == nil && id != "" {
		return id, nil
	}

	if host, err := os.Hostname(); err == nil && host != "" {
		return host, nil
	}

	return "", ErrNoIdentity
}
