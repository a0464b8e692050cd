// Package image parses container image references and enforces the trusted
// namespace allow-list applied before any image is pulled.
package image

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	dockerHubRegistry = "docker.io"
	defaultTag        = "latest"
)

var (
	simpleImageRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/:@-]*$`)
	componentRegex   = regexp.MustCompile(`^[a-z0-9]+(?:(?:[._]|__|[-]+)[a-z0-9]+)*$`)
	tagRegex         = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)
	digestRegex      = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*:[a-fA-F0-9]{32,}$`)
	registryRegex    = regexp.MustCompile(`^(?:localhost|\d+\.\d+\.\d+\.\d+|[a-zA-Z0-9](?:[a-zA-Z0-9-]*[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]*[a-zA-Z0-9])?)*)(?::\d+)?$`)
)

// Reference is a parsed image reference
type Reference struct {
	Raw        string
	Registry   string // empty for Docker Hub
	Repository string // path below the registry, e.g. rslethz/action
	Tag        string
	Digest     string
}

// Namespace returns the first path component of the repository
func (r Reference) Namespace() string {
	if i := strings.Index(r.Repository, "/"); i != -1 {
		return r.Repository[:i]
	}
	return ""
}

// IsDockerHub reports whether the image resolves against Docker Hub
func (r Reference) IsDockerHub() bool {
	return r.Registry == ""
}

func (r Reference) String() string {
	s := r.Repository
	if r.Registry != "" {
		s = r.Registry + "/" + s
	}
	if r.Tag != "" {
		s += ":" + r.Tag
	}
	if r.Digest != "" {
		s += "@" + r.Digest
	}
	return s
}

// ParseReference validates and splits an image reference of the form
// [registry/]repository[:tag][@digest]. A missing tag defaults to latest
// unless a digest pins the image.
func ParseReference(image string) (Reference, error) {
	if image == "" {
		return Reference{}, fmt.Errorf("image name cannot be empty")
	}
	if strings.TrimSpace(image) != image {
		return Reference{}, fmt.Errorf("image name cannot contain leading or trailing whitespace")
	}
	if !simpleImageRegex.MatchString(image) {
		return Reference{}, fmt.Errorf("image name contains invalid characters: %q", image)
	}

	ref := Reference{Raw: image}
	rest := image

	if idx := strings.LastIndex(rest, "@"); idx != -1 {
		ref.Digest = rest[idx+1:]
		rest = rest[:idx]
		if !digestRegex.MatchString(ref.Digest) {
			return Reference{}, fmt.Errorf("invalid image digest %q", ref.Digest)
		}
	}

	// a colon followed by a slash belongs to a registry port
	if idx := strings.LastIndex(rest, ":"); idx != -1 && !strings.Contains(rest[idx+1:], "/") {
		ref.Tag = rest[idx+1:]
		rest = rest[:idx]
		if !tagRegex.MatchString(ref.Tag) {
			return Reference{}, fmt.Errorf("invalid image tag %q", ref.Tag)
		}
	}
	if ref.Tag == "" && ref.Digest == "" {
		ref.Tag = defaultTag
	}

	if len(rest) > 255 {
		return Reference{}, fmt.Errorf("image name is too long, maximum length is 255 characters")
	}

	parts := strings.Split(rest, "/")
	if len(parts) > 1 && isRegistry(parts[0]) {
		if !registryRegex.MatchString(parts[0]) {
			return Reference{}, fmt.Errorf("invalid registry address %q", parts[0])
		}
		ref.Registry = parts[0]
		parts = parts[1:]
	}
	for _, part := range parts {
		if !componentRegex.MatchString(part) {
			return Reference{}, fmt.Errorf("invalid image repository component %q", part)
		}
	}
	ref.Repository = strings.Join(parts, "/")

	if ref.Registry == dockerHubRegistry || ref.Registry == "index.docker.io" {
		ref.Registry = ""
	}
	if ref.Registry == "" && !strings.Contains(ref.Repository, "/") {
		ref.Repository = "library/" + ref.Repository
	}
	return ref, nil
}

// ValidateFormat reports whether image is a well-formed reference
func ValidateFormat(image string) error {
	_, err := ParseReference(image)
	return err
}

func isRegistry(s string) bool {
	return strings.Contains(s, ".") || strings.Contains(s, ":") || s == "localhost"
}
