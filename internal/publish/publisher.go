// Package publish pushes resolved artifacts to an OCI registry.
//
// Publishing is idempotent: when the tag already points at the artifact's
// digest nothing is written. Otherwise the tag is overwritten
// (last writer wins); the digest is what stays immutable.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"hoist/internal/artifact"
	"hoist/internal/buildinfo"
)

const (
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 10 * time.Second
	defaultMaxElapsed      = time.Minute
)

// RetryPolicy bounds retries of transient registry failures.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	initial, maxInterval, maxElapsed := p.InitialInterval, p.MaxInterval, p.MaxElapsed
	if initial <= 0 {
		initial = defaultInitialInterval
	}
	if maxInterval <= 0 {
		maxInterval = defaultMaxInterval
	}
	if maxElapsed <= 0 {
		maxElapsed = defaultMaxElapsed
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(maxInterval),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
	return backoff.WithContext(b, ctx)
}

// Publisher pushes images to a registry.
type Publisher struct {
	Retry     RetryPolicy
	Transport http.RoundTripper
	UserAgent string
}

// Published is the outcome of a successful publish. Ref always carries the
// digest; Pushed is false when the registry already held it under the tag.
type Published struct {
	Ref    artifact.Reference
	Pushed bool
}

// Publish pushes art under its tag. Authentication and quota failures fail
// immediately; network failures are retried with exponential backoff.
func (p *Publisher) Publish(ctx context.Context, art artifact.Artifact, creds Credentials) (Published, error) {
	if art.Image == nil {
		return Published{}, fmt.Errorf("publish %s: artifact has no image", art.Ref)
	}
	tag, err := name.NewTag(art.Ref.TagString())
	if err != nil {
		return Published{}, fmt.Errorf("publish %s: parse tag: %w", art.Ref, err)
	}
	digest, err := art.Image.Digest()
	if err != nil {
		return Published{}, fmt.Errorf("publish %s: compute digest: %w", art.Ref, err)
	}

	opts := p.options(ctx, creds)
	log := slog.With("component", "publish", "ref", tag.String())

	result := Published{Ref: art.Ref.WithDigest(digest.String())}
	attempt := 0
	op := func() error {
		attempt++
		desc, err := remote.Head(tag, opts...)
		switch {
		case err == nil && desc.Digest == digest:
			log.Debug("tag already at digest", "digest", digest.String())
			result.Pushed = false
			return nil
		case err != nil && !isNotFound(err):
			return permanentUnlessRetryable(classify(tag.String(), err))
		}

		if err := remote.Write(tag, art.Image, opts...); err != nil {
			return permanentUnlessRetryable(classify(tag.String(), err))
		}
		result.Pushed = true
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.Warn("publish attempt failed, retrying", "attempt", attempt, "retry_in", next, "err", err)
	}

	if err := backoff.RetryNotify(op, p.Retry.backOff(ctx), notify); err != nil {
		return Published{}, err
	}
	log.Info("published", "digest", digest.String(), "pushed", result.Pushed)
	return result, nil
}

func (p *Publisher) options(ctx context.Context, creds Credentials) []remote.Option {
	ua := p.UserAgent
	if ua == "" {
		ua = "hoist/" + buildinfo.Version
	}
	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(creds.authenticator()),
		remote.WithUserAgent(ua),
		// Retries are owned by Publish so every failure gets classified once.
		remote.WithRetryBackoff(remote.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 1}),
	}
	if p.Transport != nil {
		opts = append(opts, remote.WithTransport(p.Transport))
	}
	return opts
}

func permanentUnlessRetryable(err error) error {
	if Retryable(err) {
		return err
	}
	return backoff.Permanent(err)
}
