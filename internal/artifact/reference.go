// Package artifact resolves build outputs into registry-addressable image
// references.
//
// A Reference with a Digest is content-addressed and never points at
// different bytes. A tag-only Reference is a mutable pointer: every rollout
// re-resolves it on the target host by pulling again.
package artifact

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

const DefaultTag = "latest"

// Reference addresses one image in a registry. An empty Registry means the
// container runtime's default registry and is never rendered.
type Reference struct {
	Registry   string `json:"registry,omitempty"`
	Repository string `json:"repository"`
	Tag        string `json:"tag,omitempty"`
	Digest     string `json:"digest,omitempty"`
}

// ParseReference parses "[registry/]repository[:tag][@digest]".
func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, fmt.Errorf("parse image reference: empty reference")
	}

	var ref Reference
	rest := raw
	if i := strings.Index(rest, "@"); i >= 0 {
		ref.Digest = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.LastIndex(rest, ":"); i > strings.LastIndex(rest, "/") {
		ref.Tag = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.Index(rest, "/"); i > 0 && isRegistryHost(rest[:i]) {
		ref.Registry = rest[:i]
		rest = rest[i+1:]
	}
	ref.Repository = rest

	if err := ref.Validate(); err != nil {
		return Reference{}, fmt.Errorf("parse image reference %q: %w", raw, err)
	}
	return ref, nil
}

// isRegistryHost applies the docker rule: the first path component is a
// registry when it looks like a host name or carries a port.
func isRegistryHost(component string) bool {
	return component == "localhost" || strings.ContainsAny(component, ".:")
}

// Validate checks the reference with go-containerregistry's parser.
func (r Reference) Validate() error {
	if strings.TrimSpace(r.Repository) == "" {
		return fmt.Errorf("repository is required")
	}
	if r.Tag == "" && r.Digest == "" {
		if _, err := name.NewRepository(r.Name()); err != nil {
			return err
		}
		return nil
	}
	if _, err := name.ParseReference(r.String()); err != nil {
		return err
	}
	return nil
}

// Name returns "[registry/]repository".
func (r Reference) Name() string {
	if r.Registry == "" {
		return r.Repository
	}
	return r.Registry + "/" + r.Repository
}

// TagString returns "[registry/]repository:tag", defaulting the tag.
func (r Reference) TagString() string {
	tag := r.Tag
	if tag == "" {
		tag = DefaultTag
	}
	return r.Name() + ":" + tag
}

func (r Reference) String() string {
	var sb strings.Builder
	sb.WriteString(r.Name())
	if r.Tag != "" {
		sb.WriteString(":" + r.Tag)
	}
	if r.Digest != "" {
		sb.WriteString("@" + r.Digest)
	}
	return sb.String()
}

// Pinned reports whether the reference is content-addressed.
func (r Reference) Pinned() bool {
	return r.Digest != ""
}

// WithDigest returns a copy pinned to digest.
func (r Reference) WithDigest(digest string) Reference {
	r.Digest = digest
	return r
}

// IsZero reports whether no repository is set.
func (r Reference) IsZero() bool {
	return r.Repository == ""
}

