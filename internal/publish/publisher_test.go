package publish_test

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"hoist/internal/artifact"
	"hoist/internal/publish"
)

var fastRetry = publish.RetryPolicy{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxElapsed:      2 * time.Second,
}

func newRegistry(t *testing.T, wrap func(http.Handler) http.Handler) string {
	t.Helper()
	var h http.Handler = registry.New(registry.Logger(log.New(io.Discard, "", 0)))
	if wrap != nil {
		h = wrap(h)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func testArtifact(t *testing.T, host string) artifact.Artifact {
	t.Helper()
	img, err := random.Image(256, 1)
	if err != nil {
		t.Fatalf("random.Image() error = %v", err)
	}
	d, err := img.Digest()
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	return artifact.Artifact{
		Ref:   artifact.Reference{Registry: host, Repository: "user/vpn-api", Tag: "latest", Digest: d.String()},
		Image: img,
	}
}

func remoteDigest(t *testing.T, ref artifact.Reference) string {
	t.Helper()
	tag, err := name.NewTag(ref.TagString())
	if err != nil {
		t.Fatalf("NewTag() error = %v", err)
	}
	desc, err := remote.Head(tag)
	if err != nil {
		t.Fatalf("remote.Head() error = %v", err)
	}
	return desc.Digest.String()
}

// failManifests answers manifest requests with status while fail returns true.
func failManifests(status int, body string, fail func() bool, count *atomic.Int32) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.Contains(r.URL.Path, "/manifests/") {
				count.Add(1)
				if fail() {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(status)
					_, _ = io.WriteString(w, body)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func TestPublishIsIdempotent(t *testing.T) {
	host := newRegistry(t, nil)
	art := testArtifact(t, host)
	p := &publish.Publisher{Retry: fastRetry}

	first, err := p.Publish(context.Background(), art, publish.Credentials{})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !first.Pushed {
		t.Fatal("first Publish() Pushed = false, want true")
	}

	second, err := p.Publish(context.Background(), art, publish.Credentials{})
	if err != nil {
		t.Fatalf("second Publish() error = %v", err)
	}
	if second.Pushed {
		t.Fatal("second Publish() Pushed = true, want no-op")
	}
	if first.Ref != second.Ref {
		t.Fatalf("refs differ: %v vs %v", first.Ref, second.Ref)
	}
	if got := remoteDigest(t, art.Ref); got != art.Ref.Digest {
		t.Fatalf("remote digest = %s, want %s", got, art.Ref.Digest)
	}
}

func TestPublishOverwritesTag(t *testing.T) {
	host := newRegistry(t, nil)
	p := &publish.Publisher{Retry: fastRetry}

	older := testArtifact(t, host)
	newer := testArtifact(t, host)
	if _, err := p.Publish(context.Background(), older, publish.Credentials{}); err != nil {
		t.Fatalf("Publish(older) error = %v", err)
	}
	got, err := p.Publish(context.Background(), newer, publish.Credentials{})
	if err != nil {
		t.Fatalf("Publish(newer) error = %v", err)
	}
	if !got.Pushed {
		t.Fatal("Publish(newer) Pushed = false, want true")
	}
	if d := remoteDigest(t, newer.Ref); d != newer.Ref.Digest {
		t.Fatalf("tag digest = %s, want newer %s", d, newer.Ref.Digest)
	}
}

func TestPublishAuthenticationFailedIsFatal(t *testing.T) {
	var count atomic.Int32
	host := newRegistry(t, failManifests(http.StatusUnauthorized,
		`{"errors":[{"code":"UNAUTHORIZED","message":"authentication required"}]}`,
		func() bool { return true }, &count))
	p := &publish.Publisher{Retry: fastRetry}

	_, err := p.Publish(context.Background(), testArtifact(t, host), publish.ParseCredentials("user:wrong"))
	if !errors.Is(err, publish.ErrAuthenticationFailed) {
		t.Fatalf("Publish() error = %v, want ErrAuthenticationFailed", err)
	}
	if publish.Retryable(err) {
		t.Fatal("authentication failure reported as retryable")
	}
	if n := count.Load(); n != 1 {
		t.Fatalf("manifest requests = %d, want 1 (no retry)", n)
	}
}

func TestPublishQuotaExceededIsFatal(t *testing.T) {
	var count atomic.Int32
	host := newRegistry(t, failManifests(http.StatusTooManyRequests,
		`{"errors":[{"code":"TOOMANYREQUESTS","message":"quota exceeded"}]}`,
		func() bool { return true }, &count))
	p := &publish.Publisher{Retry: fastRetry}

	_, err := p.Publish(context.Background(), testArtifact(t, host), publish.Credentials{})
	if !errors.Is(err, publish.ErrQuotaExceeded) {
		t.Fatalf("Publish() error = %v, want ErrQuotaExceeded", err)
	}
	if n := count.Load(); n != 1 {
		t.Fatalf("manifest requests = %d, want 1 (no retry)", n)
	}
}

func TestPublishRetriesNetworkErrors(t *testing.T) {
	var count atomic.Int32
	var failures atomic.Int32
	failures.Store(2)
	host := newRegistry(t, failManifests(http.StatusServiceUnavailable, "", func() bool {
		return failures.Add(-1) >= 0
	}, &count))
	p := &publish.Publisher{Retry: fastRetry}
	art := testArtifact(t, host)

	got, err := p.Publish(context.Background(), art, publish.Credentials{})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !got.Pushed {
		t.Fatal("Publish() Pushed = false, want true")
	}
	if n := count.Load(); n < 3 {
		t.Fatalf("manifest requests = %d, want at least 3", n)
	}
	if d := remoteDigest(t, art.Ref); d != art.Ref.Digest {
		t.Fatalf("remote digest = %s, want %s", d, art.Ref.Digest)
	}
}

func TestPublishGivesUpOnPersistentNetworkErrors(t *testing.T) {
	var count atomic.Int32
	host := newRegistry(t, failManifests(http.StatusBadGateway, "", func() bool { return true }, &count))
	p := &publish.Publisher{Retry: publish.RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsed:      50 * time.Millisecond,
	}}

	_, err := p.Publish(context.Background(), testArtifact(t, host), publish.Credentials{})
	if !errors.Is(err, publish.ErrNetwork) {
		t.Fatalf("Publish() error = %v, want ErrNetwork", err)
	}
	if n := count.Load(); n < 2 {
		t.Fatalf("manifest requests = %d, want retries", n)
	}
}

func TestPublishRequiresImage(t *testing.T) {
	p := &publish.Publisher{}
	_, err := p.Publish(context.Background(), artifact.Artifact{Ref: artifact.Reference{Repository: "user/vpn-api"}}, publish.Credentials{})
	if err == nil {
		t.Fatal("Publish() error = nil, want missing image error")
	}
}

func TestParseCredentials(t *testing.T) {
	tests := []struct {
		in   string
		want publish.Credentials
	}{
		{"", publish.Credentials{}},
		{"user:pass", publish.Credentials{Username: "user", Password: "pass"}},
		{"user:pa:ss", publish.Credentials{Username: "user", Password: "pa:ss"}},
		{"tok3n", publish.Credentials{Token: "tok3n"}},
	}
	for _, tt := range tests {
		if got := publish.ParseCredentials(tt.in); got != tt.want {
			t.Fatalf("ParseCredentials(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}
