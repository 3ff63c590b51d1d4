// Package namespace resolves the partition key jobs are stored under.
package namespace

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"

	"supertask/internal/errors"
)

// Global is the resource identifier used when no seed file is involved.
const Global = "global"

var valid = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// Provenance describes the invocation context a derived namespace is bound to.
type Provenance struct {
	Host     string
	User     string
	Resource string
}

// Current returns the provenance of this process for resource. Lookup
// failures leave the field empty rather than failing.
func Current(resource string) Provenance {
	p := Provenance{Resource: resource}
	p.Host, _ = os.Hostname()
	if u, err := user.Current(); err == nil {
		p.User = u.Username
	} else {
		p.User = os.Getenv("USER")
	}
	return p
}

// Validate reports whether ns is usable as an explicit namespace.
func Validate(ns string) error {
	if !valid.MatchString(ns) {
		return errors.WithHint(
			errors.Wrapf(errors.ErrInvalidNamespace, "%q", ns),
			"namespaces are 1-128 characters of letters, digits, '.', '_', ':' or '-', starting with a letter or digit")
	}
	return nil
}

// Derive hashes the provenance into a stable 128-bit hex identifier.
// The same host, user and resource always map to the same namespace.
func Derive(p Provenance) string {
	resource := canonicalResource(p.Resource)
	sum := sha256.Sum256([]byte(strings.Join([]string{p.Host, p.User, resource}, "\x00")))
	return hex.EncodeToString(sum[:16])
}

// Resolve picks the namespace for explicit (command line), then declared (seed
// document), then a derived one.
func Resolve(explicit, declared string, p Provenance) (string, error) {
	for _, ns := range []string{explicit, declared} {
		ns = strings.TrimSpace(ns)
		if ns == "" {
			continue
		}
		if err := Validate(ns); err != nil {
			return "", err
		}
		return ns, nil
	}
	return Derive(p), nil
}

func canonicalResource(resource string) string {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return Global
	}
	if _, err := os.Stat(resource); err == nil {
		if abs, err := filepath.Abs(resource); err == nil {
			return filepath.Clean(abs)
		}
	}
	return resource
}
