package release_test

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"hoist/internal/adapter/dockercli"
	"hoist/internal/adapter/fake"
	"hoist/internal/artifact"
	"hoist/internal/publish"
	"hoist/internal/release"
	"hoist/internal/remote"
	"hoist/internal/rollout"
)

var target = rollout.Target{
	Remote:    remote.Target{Host: "10.0.0.5", User: "deploy"},
	Container: "vpn-api-container",
}

func writeImage(t *testing.T) string {
	t.Helper()
	img, err := random.Image(256, 1)
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

func newRegistry(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(registry.New(registry.Logger(log.New(io.Discard, "", 0))))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func newOrchestrator(t *testing.T, host *fake.Host) *rollout.Orchestrator {
	t.Helper()
	orch, err := rollout.New(rollout.Config{
		Channel:  host.Channel(),
		Runtimes: dockercli.Factory(),
		Retry:    rollout.Retry{Attempts: 1},
	})
	if err != nil {
		t.Fatalf("rollout.New() error = %v", err)
	}
	return orch
}

func TestReleaseDeploysPublishedTag(t *testing.T) {
	reg := newRegistry(t)
	host := fake.NewHost()
	p := &release.Pipeline{
		Publisher: &publish.Publisher{Retry: publish.RetryPolicy{MaxElapsed: time.Second}},
		Deployer:  newOrchestrator(t, host),
	}

	res, err := p.Release(t.Context(), release.Request{
		Build:  artifact.BuildOutput{ImagePath: writeImage(t), Registry: reg, Repository: "user/vpn-api", Tag: "latest"},
		Target: target,
	})
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if !res.Published.Pushed || !res.Published.Ref.Pinned() {
		t.Fatalf("Published = %+v", res.Published)
	}
	if res.Deployed.Pinned() || res.Deployed.Tag != "latest" {
		t.Fatalf("Deployed = %s, want the bare tag", res.Deployed)
	}
	c, ok := host.Container(target.Container)
	if !ok || c.Image != reg+"/user/vpn-api:latest" {
		t.Fatalf("container = %+v, %v", c, ok)
	}
	if !res.Outcome.Succeeded() {
		t.Fatalf("outcome phase = %s", res.Outcome.Phase)
	}
}

func TestReleasePinDigest(t *testing.T) {
	reg := newRegistry(t)
	host := fake.NewHost()
	p := &release.Pipeline{Publisher: &publish.Publisher{}, Deployer: newOrchestrator(t, host)}

	res, err := p.Release(t.Context(), release.Request{
		Build:     artifact.BuildOutput{ImagePath: writeImage(t), Registry: reg, Repository: "user/vpn-api"},
		Target:    target,
		PinDigest: true,
	})
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if res.Deployed != res.Published.Ref {
		t.Fatalf("Deployed = %s, want %s", res.Deployed, res.Published.Ref)
	}
	c, _ := host.Container(target.Container)
	if !strings.Contains(c.Image, "@sha256:") {
		t.Fatalf("container image = %s, want digest-pinned", c.Image)
	}
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, artifact.Artifact, publish.Credentials) (publish.Published, error) {
	return publish.Published{}, f.err
}

func TestReleaseStopsBeforeDeployWhenPublishFails(t *testing.T) {
	host := fake.NewHost()
	p := &release.Pipeline{
		Publisher: failingPublisher{err: &publish.PublishError{Kind: publish.ErrAuthenticationFailed, Ref: "user/vpn-api:latest", Err: errors.New("401 Unauthorized")}},
		Deployer:  newOrchestrator(t, host),
	}
	_, err := p.Release(t.Context(), release.Request{
		Build:  artifact.BuildOutput{ImagePath: writeImage(t), Repository: "user/vpn-api"},
		Target: target,
	})
	if !errors.Is(err, publish.ErrAuthenticationFailed) {
		t.Fatalf("Release() error = %v, want auth failure", err)
	}
	if len(host.Execs()) != 0 || host.Count("Connect") != 0 {
		t.Fatal("host contacted after failed publish")
	}
}

func TestReleaseRejectsIncompleteBuild(t *testing.T) {
	p := &release.Pipeline{Publisher: failingPublisher{}, Deployer: newOrchestrator(t, fake.NewHost())}
	_, err := p.Release(t.Context(), release.Request{
		Build:  artifact.BuildOutput{Repository: "user/vpn-api"},
		Target: target,
	})
	if !errors.Is(err, artifact.ErrBuildIncomplete) {
		t.Fatalf("Release() error = %v, want ErrBuildIncomplete", err)
	}
}

func TestReleaseReportsRolloutFailure(t *testing.T) {
	reg := newRegistry(t)
	host := fake.NewHost()
	host.Faults.FailAlways(fake.FaultRun, errors.New("exec format error"))
	p := &release.Pipeline{Publisher: &publish.Publisher{}, Deployer: newOrchestrator(t, host)}

	res, err := p.Release(t.Context(), release.Request{
		Build:  artifact.BuildOutput{ImagePath: writeImage(t), Registry: reg, Repository: "user/vpn-api"},
		Target: target,
	})
	if !errors.Is(err, rollout.ErrStart) {
		t.Fatalf("Release() error = %v, want ErrStart", err)
	}
	if !res.Published.Pushed || res.Outcome.Phase != rollout.PhaseFailed {
		t.Fatalf("result = %+v", res)
	}
}
