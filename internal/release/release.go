// Package release runs the whole pipeline for one build: resolve the build
// output, publish it, then roll the host over to it.
package release

import (
	"context"
	"fmt"
	"log/slog"

	"hoist/internal/artifact"
	"hoist/internal/publish"
	"hoist/internal/rollout"
)

// Publisher is the subset of publish.Publisher a release needs.
type Publisher interface {
	Publish(ctx context.Context, art artifact.Artifact, creds publish.Credentials) (publish.Published, error)
}

// Deployer is the subset of rollout.Orchestrator a release needs.
type Deployer interface {
	Deploy(ctx context.Context, ref artifact.Reference, target rollout.Target, cfg rollout.ContainerConfig) (rollout.Outcome, error)
}

type Request struct {
	Build       artifact.BuildOutput
	Credentials publish.Credentials
	Target      rollout.Target
	Container   rollout.ContainerConfig
	// PinDigest deploys tag@digest instead of the bare tag. The bare tag is
	// re-resolved by the host on pull, as a manual rollout would.
	PinDigest bool
}

type Result struct {
	Published publish.Published
	// Deployed is the reference handed to the host.
	Deployed artifact.Reference
	Outcome  rollout.Outcome
}

type Pipeline struct {
	Publisher Publisher
	Deployer  Deployer
}

// Release resolves, publishes and deploys req.Build. A failure in any stage
// stops the pipeline; nothing is deployed unless publishing succeeded.
func (p *Pipeline) Release(ctx context.Context, req Request) (Result, error) {
	if p.Publisher == nil || p.Deployer == nil {
		return Result{}, fmt.Errorf("release: publisher and deployer are required")
	}

	art, err := artifact.Resolve(req.Build)
	if err != nil {
		return Result{}, fmt.Errorf("release: %w", err)
	}
	log := slog.With("component", "release", "artifact", art.Ref.String())

	published, err := p.Publisher.Publish(ctx, art, req.Credentials)
	if err != nil {
		return Result{}, fmt.Errorf("release: %w", err)
	}
	res := Result{Published: published, Deployed: DeployRef(published.Ref, req.PinDigest)}
	log.Info("published", "pushed", published.Pushed, "deploying", res.Deployed.String())

	res.Outcome, err = p.Deployer.Deploy(ctx, res.Deployed, req.Target, req.Container)
	if err != nil {
		return res, fmt.Errorf("release: %w", err)
	}
	return res, nil
}

// DeployRef returns the reference a host should pull for a published image.
func DeployRef(published artifact.Reference, pin bool) artifact.Reference {
	if pin {
		return published
	}
	return published.WithDigest("")
}
