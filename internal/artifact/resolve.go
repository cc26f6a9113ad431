package artifact

import (
	"errors"
	"fmt"
	"os"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// ErrBuildIncomplete reports a build output that is missing, empty, or not a
// loadable image.
var ErrBuildIncomplete = errors.New("build incomplete")

// BuildOutput is what the image build stage hands over: an image tarball
// plus the name it should be published under.
type BuildOutput struct {
	ImagePath  string
	Registry   string
	Repository string
	Tag        string
}

// Artifact is a resolved build output. Ref always carries the digest of Image.
type Artifact struct {
	Ref   Reference
	Image v1.Image
}

// Resolve turns a completed build output into a digest-pinned Artifact. It
// only reads ImagePath.
func Resolve(out BuildOutput) (Artifact, error) {
	path := strings.TrimSpace(out.ImagePath)
	if path == "" {
		return Artifact{}, fmt.Errorf("resolve artifact: image path is empty: %w", ErrBuildIncomplete)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("resolve artifact %s: %v: %w", path, err, ErrBuildIncomplete)
	}
	if info.IsDir() {
		return Artifact{}, fmt.Errorf("resolve artifact %s: is a directory: %w", path, ErrBuildIncomplete)
	}
	if info.Size() == 0 {
		return Artifact{}, fmt.Errorf("resolve artifact %s: zero-sized image: %w", path, ErrBuildIncomplete)
	}

	ref := Reference{
		Registry:   strings.TrimSpace(out.Registry),
		Repository: strings.TrimSpace(out.Repository),
		Tag:        strings.TrimSpace(out.Tag),
	}
	if ref.Tag == "" {
		ref.Tag = DefaultTag
	}
	if err := ref.Validate(); err != nil {
		return Artifact{}, fmt.Errorf("resolve artifact: invalid reference %q: %w", ref.String(), err)
	}

	img, err := tarball.ImageFromPath(path, nil)
	if err != nil {
		return Artifact{}, fmt.Errorf("resolve artifact %s: load image: %v: %w", path, err, ErrBuildIncomplete)
	}
	digest, err := img.Digest()
	if err != nil {
		return Artifact{}, fmt.Errorf("resolve artifact %s: compute digest: %v: %w", path, err, ErrBuildIncomplete)
	}

	return Artifact{Ref: ref.WithDigest(digest.String()), Image: img}, nil
}
