package artifact_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"hoist/internal/artifact"
)

func writeImageTarball(t *testing.T) string {
	t.Helper()
	img, err := random.Image(512, 2)
	if err != nil {
		t.Fatalf("random.Image() error = %v", err)
	}
	tag, err := name.NewTag("user/vpn-api:build")
	if err != nil {
		t.Fatalf("NewTag() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "image.tar")
	if err := tarball.WriteToFile(path, tag, img); err != nil {
		t.Fatalf("WriteToFile() error = %v", err)
	}
	return path
}

func TestResolve(t *testing.T) {
	path := writeImageTarball(t)

	art, err := artifact.Resolve(artifact.BuildOutput{ImagePath: path, Repository: "user/vpn-api"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if art.Ref.Tag != artifact.DefaultTag {
		t.Fatalf("Ref.Tag = %q, want %q", art.Ref.Tag, artifact.DefaultTag)
	}
	if !strings.HasPrefix(art.Ref.Digest, "sha256:") {
		t.Fatalf("Ref.Digest = %q, want sha256 digest", art.Ref.Digest)
	}

	loaded, err := tarball.ImageFromPath(path, nil)
	if err != nil {
		t.Fatalf("ImageFromPath() error = %v", err)
	}
	want, err := loaded.Digest()
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	if art.Ref.Digest != want.String() {
		t.Fatalf("Ref.Digest = %q, want %q", art.Ref.Digest, want)
	}

	again, err := artifact.Resolve(artifact.BuildOutput{ImagePath: path, Repository: "user/vpn-api", Tag: "latest"})
	if err != nil {
		t.Fatalf("Resolve() second call error = %v", err)
	}
	if again.Ref != art.Ref {
		t.Fatalf("Resolve() not deterministic: %+v vs %+v", again.Ref, art.Ref)
	}
}

func TestResolveBuildIncomplete(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.tar")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	garbage := filepath.Join(dir, "garbage.tar")
	if err := os.WriteFile(garbage, []byte("not a tarball"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := map[string]string{
		"empty path":   "",
		"missing":      filepath.Join(dir, "missing.tar"),
		"directory":    dir,
		"zero sized":   empty,
		"not an image": garbage,
	}
	for name, path := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := artifact.Resolve(artifact.BuildOutput{ImagePath: path, Repository: "user/vpn-api"})
			if !errors.Is(err, artifact.ErrBuildIncomplete) {
				t.Fatalf("Resolve() error = %v, want ErrBuildIncomplete", err)
			}
		})
	}
}

func TestResolveInvalidRepository(t *testing.T) {
	path := writeImageTarball(t)
	_, err := artifact.Resolve(artifact.BuildOutput{ImagePath: path, Repository: "Not/Valid"})
	if err == nil {
		t.Fatal("Resolve() error = nil, want invalid reference error")
	}
	if errors.Is(err, artifact.ErrBuildIncomplete) {
		t.Fatalf("Resolve() error = %v, want reference error rather than ErrBuildIncomplete", err)
	}
}
