package image

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotAllowed is returned for images outside the trusted namespace
var ErrNotAllowed = errors.New("image not allowed")

// Policy restricts which images may be run. TrustedNamespace is compared
// against the reference as written, e.g. "rslethz/" or
// "registry.example.com/team/".
type Policy struct {
	TrustedNamespace string
}

// NewPolicy builds a policy. An empty namespace denies everything.
func NewPolicy(trustedNamespace string) Policy {
	return Policy{TrustedNamespace: strings.TrimSpace(trustedNamespace)}
}

// Check parses image and verifies it lies below the trusted namespace.
func (p Policy) Check(image string) (Reference, error) {
	ref, err := ParseReference(image)
	if err != nil {
		return Reference{}, fmt.Errorf("%w: %v", ErrNotAllowed, err)
	}
	if p.TrustedNamespace == "" {
		return Reference{}, fmt.Errorf("%w: no trusted namespace configured", ErrNotAllowed)
	}

	ns := p.TrustedNamespace
	if !strings.HasSuffix(ns, "/") {
		ns += "/"
	}
	if !strings.HasPrefix(image, ns) {
		return Reference{}, fmt.Errorf("%w: only images in %s may be used", ErrNotAllowed, ns)
	}
	return ref, nil
}

// Allowed is Check without the parsed reference
func (p Policy) Allowed(image string) bool {
	_, err := p.Check(image)
	return err == nil
}
