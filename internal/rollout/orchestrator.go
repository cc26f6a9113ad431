// Package rollout converges a host to one running instance of an artifact.
//
// A Deploy call acquires the lease on (host, container), then runs
// Pulling → Stopping → Removing → Starting → (Health) → Running. Failures
// before Stopping leave the host untouched and restart the attempt from
// Pulling. Once Stopping begins the attempt is detached from caller
// cancellation and runs to a terminal phase, bounded only by per-step
// timeouts. A failed start is rolled back to the previous image when one is
// known; otherwise the outcome reports ServiceDown.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"hoist/internal/artifact"
	"hoist/internal/check"
	"hoist/internal/clock"
	"hoist/internal/lease"
	"hoist/internal/remote"
	"hoist/internal/telemetry"
)

// Timeouts bound each remote step. Zero fields take the default.
type Timeouts struct {
	Connect time.Duration
	Pull    time.Duration
	Inspect time.Duration
	Stop    time.Duration
	Remove  time.Duration
	Start   time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect: 15 * time.Second,
		Pull:    5 * time.Minute,
		Inspect: 15 * time.Second,
		Stop:    30 * time.Second,
		Remove:  30 * time.Second,
		Start:   2 * time.Minute,
	}
}

// Retry controls restarting an attempt that failed before touching the host.
type Retry struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetry() Retry {
	return Retry{Attempts: 3, InitialInterval: 2 * time.Second, MaxInterval: 30 * time.Second}
}

// Health configures the optional post-start probe. With no Probe a started
// container counts as running.
type Health struct {
	Probe    HealthProbe
	Timeout  time.Duration
	Interval time.Duration
}

type Config struct {
	Channel  remote.Channel
	Runtimes RuntimeFactory
	// Leaser guards (host, container). Nil means in-process only.
	Leaser  lease.Leaser
	Records RecordStore
	Clock   clock.Clock
	Tracer  trace.Tracer

	Timeouts Timeouts
	Retry    Retry
	Health   Health
	// Rollback restarts the previous image when the new one fails to start
	// or become healthy.
	Rollback bool
}

// Orchestrator runs rollouts. It is safe for concurrent use.
type Orchestrator struct {
	cfg Config

	mu       sync.Mutex
	inflight map[lease.Key][]*run
}

// run tracks one Deploy call for supersede decisions.
type run struct {
	cancel    context.CancelCauseFunc
	committed bool
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Channel == nil {
		return nil, fmt.Errorf("rollout: channel is required")
	}
	if cfg.Runtimes == nil {
		return nil, fmt.Errorf("rollout: runtime factory is required")
	}
	if cfg.Leaser == nil {
		cfg.Leaser = lease.NewLocal()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}

	def := DefaultTimeouts()
	cfg.Timeouts.Connect = orDefault(cfg.Timeouts.Connect, def.Connect)
	cfg.Timeouts.Pull = orDefault(cfg.Timeouts.Pull, def.Pull)
	cfg.Timeouts.Inspect = orDefault(cfg.Timeouts.Inspect, def.Inspect)
	cfg.Timeouts.Stop = orDefault(cfg.Timeouts.Stop, def.Stop)
	cfg.Timeouts.Remove = orDefault(cfg.Timeouts.Remove, def.Remove)
	cfg.Timeouts.Start = orDefault(cfg.Timeouts.Start, def.Start)

	retry := DefaultRetry()
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = retry.Attempts
	}
	cfg.Retry.InitialInterval = orDefault(cfg.Retry.InitialInterval, retry.InitialInterval)
	cfg.Retry.MaxInterval = orDefault(cfg.Retry.MaxInterval, retry.MaxInterval)

	cfg.Health.Timeout = orDefault(cfg.Health.Timeout, time.Minute)
	cfg.Health.Interval = orDefault(cfg.Health.Interval, time.Second)

	return &Orchestrator{cfg: cfg, inflight: make(map[lease.Key][]*run)}, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

var rolloutPlan = telemetry.Plan{Steps: []telemetry.Step{
	{ID: "lease", Title: "acquiring lease"},
	{ID: "connect", Title: "connecting to host"},
	{ID: "pull", Title: "pulling image"},
	{ID: "inspect", Title: "recording previous instance"},
	{ID: "stop", Title: "stopping previous container"},
	{ID: "remove", Title: "removing previous container"},
	{ID: "start", Title: "starting new container"},
	{ID: "health", Title: "waiting for health"},
	{ID: "record", Title: "recording running image"},
	{ID: "rollback", Title: "restoring previous image"},
}}

// Deploy converges target to ref running with cfg. The returned error is a
// *RolloutError whenever the outcome phase is PhaseFailed.
func (o *Orchestrator) Deploy(ctx context.Context, ref artifact.Reference, target Target, cfg ContainerConfig) (Outcome, error) {
	check.Assert(o != nil, "Deploy: orchestrator must not be nil")

	if ref.IsZero() {
		return Outcome{}, fmt.Errorf("deploy: artifact reference is required")
	}
	if err := ref.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("deploy: %w", err)
	}
	if err := target.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("deploy: %w", err)
	}

	key := target.Key()
	image := ref.String()
	runCtx, r := o.register(ctx, key)
	defer o.unregister(key, r)

	d := &deployment{
		o:      o,
		run:    r,
		image:  image,
		target: target,
		cfg:    cfg,
		phase:  PhasePending,
		log:    slog.With("host", key.Host, "container", key.Container, "artifact", image),
		rec: Record{
			ID:        uuid.NewString(),
			Host:      key.Host,
			Container: key.Container,
			Artifact:  image,
			Phase:     PhasePending,
			StartedAt: o.cfg.Clock.Now(),
		},
	}

	op, err := telemetry.Start(ctx, o.cfg.Tracer, "rollout", rolloutPlan,
		telemetry.HostKey.String(key.Host),
		telemetry.ContainerKey.String(key.Container),
		telemetry.ArtifactKey.String(image),
	)
	if err != nil {
		return Outcome{}, fmt.Errorf("deploy: %w", err)
	}
	d.op = op

	var held lease.Lease
	err = op.RunStep(runCtx, "lease", func(ctx context.Context) error {
		var err error
		held, err = o.cfg.Leaser.Acquire(ctx, key)
		return err
	})
	if err != nil {
		reason := ReasonLease
		if runCtx.Err() != nil {
			reason = cancelReason(runCtx)
		}
		return d.finish(&RolloutError{Target: key.String(), Reason: reason, Step: PhasePending, Err: err})
	}
	defer func() {
		if err := held.Release(); err != nil {
			d.log.Warn("release lease", "err", err)
		}
	}()
	d.lease = held

	d.begin(runCtx)
	return d.finish(d.converge(runCtx))
}

// register records a new Deploy for key and supersedes earlier calls that
// have not yet touched the host.
func (o *Orchestrator) register(ctx context.Context, key lease.Key) (context.Context, *run) {
	runCtx, cancel := context.WithCancelCause(ctx)
	r := &run{cancel: cancel}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, prev := range o.inflight[key] {
		if !prev.committed {
			prev.cancel(ErrSuperseded)
		}
	}
	o.inflight[key] = append(o.inflight[key], r)
	return runCtx, r
}

func (o *Orchestrator) unregister(key lease.Key, r *run) {
	r.cancel(nil)

	o.mu.Lock()
	defer o.mu.Unlock()
	runs := o.inflight[key]
	for i, candidate := range runs {
		if candidate == r {
			runs = append(runs[:i], runs[i+1:]...)
			break
		}
	}
	if len(runs) == 0 {
		delete(o.inflight, key)
		return
	}
	o.inflight[key] = runs
}

// commit marks r past the point of no return. It fails if r was cancelled
// or superseded first.
func (o *Orchestrator) commit(ctx context.Context, r *run) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	r.committed = true
	return true
}

func cancelReason(ctx context.Context) Reason {
	if errors.Is(context.Cause(ctx), ErrSuperseded) {
		return ReasonSuperseded
	}
	return ReasonCanceled
}

// deployment is the state of one Deploy call.
type deployment struct {
	o      *Orchestrator
	run    *run
	image  string
	target Target
	cfg    ContainerConfig
	log    *slog.Logger
	op     *telemetry.Operation
	lease  lease.Lease

	phase       Phase
	attempts    int
	begun       bool
	captured    bool
	previous    Instance
	rolledBack  bool
	serviceDown bool
	warnings    []string
	rec         Record
}

func (d *deployment) setPhase(to Phase) {
	d.phase = d.phase.Transition(to)
	d.log.Debug("rollout phase", "phase", d.phase, "attempt", d.attempts)
}

func (d *deployment) begin(ctx context.Context) {
	d.rec.Phase = PhasePulling
	if d.o.cfg.Records == nil {
		return
	}
	if err := d.o.cfg.Records.Begin(context.WithoutCancel(ctx), d.rec); err != nil {
		d.warn("record", fmt.Errorf("begin rollout record: %w", err))
		return
	}
	d.begun = true
}

func (d *deployment) warn(step string, err error) {
	d.warnings = append(d.warnings, fmt.Sprintf("%s: %v", step, err))
	d.op.Warn(step, err)
	d.log.Warn("tolerated failure", "step", step, "err", err)
}

// converge runs attempts until one succeeds, fails terminally or the retry
// budget is spent.
func (d *deployment) converge(ctx context.Context) *RolloutError {
	retry := d.o.cfg.Retry
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retry.InitialInterval
	b.MaxInterval = retry.MaxInterval
	b.MaxElapsedTime = 0

	var last *RolloutError
	err := backoff.RetryNotify(func() error {
		d.attempts++
		last = d.attempt(ctx)
		if last == nil {
			return nil
		}
		if retryable(last.Step, last.Reason) && ctx.Err() == nil {
			return last
		}
		return backoff.Permanent(last)
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retry.Attempts-1)), ctx), func(err error, wait time.Duration) {
		d.log.Warn("rollout attempt failed, retrying", "attempt", d.attempts, "retry_in", wait, "err", err)
	})
	if err == nil {
		return nil
	}

	var rerr *RolloutError
	if errors.As(err, &rerr) {
		return rerr
	}
	// Cancelled between attempts or while pulling.
	cause := err
	if last != nil {
		cause = last.Err
	}
	return &RolloutError{Target: d.target.String(), Reason: cancelReason(ctx), Step: PhasePulling, Err: cause}
}

func (d *deployment) attempt(ctx context.Context) *RolloutError {
	d.setPhase(PhasePulling)
	name := d.target.Container
	timeouts := d.o.cfg.Timeouts

	var (
		sess remote.Session
		rt   Runtime
	)
	err := d.step(ctx, "connect", timeouts.Connect, func(ctx context.Context) error {
		var err error
		if sess, err = d.o.cfg.Channel.Connect(ctx, d.target.Remote); err != nil {
			return err
		}
		if rt, err = d.o.cfg.Runtimes(ctx, sess); err != nil {
			return fmt.Errorf("open container runtime: %w", err)
		}
		return nil
	})
	if sess != nil {
		defer func() {
			if c, ok := rt.(io.Closer); ok {
				_ = c.Close()
			}
			if err := sess.Close(); err != nil {
				d.log.Debug("close session", "err", err)
			}
		}()
	}
	if err != nil {
		return d.pullFailure(ctx, ReasonConnection, err)
	}
	if c, ok := rt.(ConfigChecker); ok {
		if err := c.CheckConfig(d.cfg); err != nil {
			return &RolloutError{Target: d.target.String(), Reason: ReasonConfig, Step: PhasePulling, Err: err}
		}
	}

	if err := d.step(ctx, "pull", timeouts.Pull, func(ctx context.Context) error {
		return rt.Pull(ctx, d.image)
	}); err != nil {
		return d.pullFailure(ctx, ReasonPull, err)
	}
	// Past this point the host is mutated; a lost lease means another
	// rollout may already be doing so.
	if lease.IsLost(d.lease) {
		return &RolloutError{Target: d.target.String(), Reason: ReasonLease, Step: PhasePulling, Err: lease.ErrLost}
	}

	if d.o.cfg.Rollback && !d.captured {
		d.capturePrevious(ctx, rt)
	}

	if !d.o.commit(ctx, d.run) {
		return d.pullFailure(ctx, ReasonCanceled, context.Cause(ctx))
	}
	host := context.WithoutCancel(ctx)

	d.setPhase(PhaseStopping)
	if err := d.step(host, "stop", timeouts.Stop, func(ctx context.Context) error {
		return rt.Stop(ctx, name)
	}); err != nil {
		d.warn("stop", err)
	}

	d.setPhase(PhaseRemoving)
	if err := d.step(host, "remove", timeouts.Remove, func(ctx context.Context) error {
		return rt.Remove(ctx, name, false)
	}); err != nil {
		d.warn("remove", err)
	}

	d.setPhase(PhaseStarting)
	if err := d.step(host, "start", timeouts.Start, func(ctx context.Context) error {
		return rt.Run(ctx, d.image, name, d.cfg)
	}); err != nil {
		reason := ReasonStart
		if errors.Is(err, ErrTimeout) {
			reason = ReasonTimeout
		}
		return d.recover(host, rt, reason, err)
	}

	if probe := d.o.cfg.Health.Probe; probe != nil {
		d.setPhase(PhaseHealth)
		pt := ProbeTarget{Session: sess, Runtime: rt, Container: name}
		if err := d.step(host, "health", d.o.cfg.Health.Timeout, func(ctx context.Context) error {
			return waitHealthy(ctx, probe, pt, d.o.cfg.Health.Interval)
		}); err != nil {
			return d.recover(host, rt, ReasonHealth, err)
		}
	}

	if d.o.cfg.Rollback && d.begun {
		d.recordImage(host, rt)
	}
	d.setPhase(PhaseRunning)
	return nil
}

// recordImage stores the image ID the new container runs, so a later
// rollback that cannot inspect the host still restores this exact image
// after its tag has moved.
func (d *deployment) recordImage(ctx context.Context, rt Runtime) {
	var inst Instance
	err := d.step(ctx, "record", d.o.cfg.Timeouts.Inspect, func(ctx context.Context) error {
		var err error
		inst, err = rt.Inspect(ctx, d.target.Container)
		return err
	})
	if err != nil {
		d.log.Warn("inspect new container", "err", err)
		return
	}
	d.rec.ImageID = inst.ImageID
}

// step runs fn under its own timeout. Expiry of that timeout is reported
// as ErrTimeout; expiry of ctx is reported as is.
func (d *deployment) step(ctx context.Context, id string, timeout time.Duration, fn func(context.Context) error) error {
	return d.op.RunStep(ctx, id, func(ctx context.Context) error {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := fn(stepCtx)
		if err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s after %s: %w", id, timeout, errors.Join(ErrTimeout, err))
		}
		return err
	}, telemetry.AttemptKey.Int(d.attempts))
}

func (d *deployment) pullFailure(ctx context.Context, reason Reason, err error) *RolloutError {
	switch {
	case ctx.Err() != nil:
		reason = cancelReason(ctx)
	case errors.Is(err, ErrTimeout):
		reason = ReasonTimeout
	}
	return &RolloutError{Target: d.target.String(), Reason: reason, Step: PhasePulling, Err: err}
}

// capturePrevious records the instance being replaced. A failed inspect
// falls back to the last successful rollout record.
func (d *deployment) capturePrevious(ctx context.Context, rt Runtime) {
	var inst Instance
	err := d.step(ctx, "inspect", d.o.cfg.Timeouts.Inspect, func(ctx context.Context) error {
		var err error
		inst, err = rt.Inspect(ctx, d.target.Container)
		return err
	})
	if err == nil {
		d.captured = true
		if inst.Exists {
			d.previous = inst
		}
		return
	}
	d.log.Warn("inspect previous container", "err", err)

	if d.o.cfg.Records == nil {
		return
	}
	rec, ok, recErr := d.o.cfg.Records.LastSuccessful(ctx, d.target.Key())
	if recErr != nil {
		d.log.Warn("load last successful rollout", "err", recErr)
		return
	}
	d.captured = true
	if !ok {
		return
	}
	if inst, ok := restorable(rec, d.image); ok {
		d.previous = inst
		return
	}
	d.log.Warn("last successful image no longer addressable", "artifact", rec.Artifact)
}

// restorable returns the instance rec ran. A tag-only artifact equal to the
// one being deployed was just re-pointed by the pull, so without an image ID
// it names the new image rather than the previous one.
func restorable(rec Record, deploying string) (Instance, bool) {
	inst := Instance{Exists: true, Image: rec.Artifact, ImageID: rec.ImageID}
	if rec.ImageID != "" {
		return inst, true
	}
	if ref, err := artifact.ParseReference(rec.Artifact); err == nil && ref.Pinned() {
		return inst, true
	}
	if rec.Artifact == deploying {
		return Instance{}, false
	}
	return inst, true
}

// recover handles a failed start or health check. The new container is
// replaced by the previous image when rollback is enabled and one is known.
func (d *deployment) recover(ctx context.Context, rt Runtime, reason Reason, cause error) *RolloutError {
	fail := &RolloutError{Target: d.target.String(), Reason: reason, Step: d.phase, Err: cause}
	name := d.target.Container

	if !d.o.cfg.Rollback || !d.previous.Exists {
		d.serviceDown = true
		d.log.Error("service down: no running instance", "step", fail.Step, "reason", reason, "err", cause)
		return fail
	}

	d.setPhase(PhaseRollingBack)
	restore := d.previous.restoreRef()
	err := d.step(ctx, "rollback", d.o.cfg.Timeouts.Start, func(ctx context.Context) error {
		if err := rt.Remove(ctx, name, true); err != nil {
			d.warn("rollback remove", err)
		}
		return rt.Run(ctx, restore, name, d.cfg)
	})
	if err != nil {
		d.serviceDown = true
		fail.Err = errors.Join(cause, fmt.Errorf("rollback to %s: %w", restore, err))
		d.log.Error("service down: rollback failed", "previous", restore, "reason", reason, "err", fail.Err)
		return fail
	}

	d.rolledBack = true
	d.log.Warn("rolled back to previous image", "previous", restore, "reason", reason)
	return fail
}

func (d *deployment) finish(fail *RolloutError) (Outcome, error) {
	if fail != nil {
		d.phase = d.phase.Transition(PhaseFailed)
	}

	d.rec.Phase = d.phase
	d.rec.Attempt = d.attempts
	d.rec.Previous = d.previous.Image
	d.rec.RolledBack = d.rolledBack
	d.rec.ServiceDown = d.serviceDown
	d.rec.Warnings = d.warnings
	d.rec.FinishedAt = d.o.cfg.Clock.Now()
	if fail != nil {
		d.rec.Reason = fail.Reason
		d.rec.Message = fail.Err.Error()
	}

	if d.begun {
		ctx, cancel := context.WithTimeout(context.Background(), d.o.cfg.Timeouts.Inspect)
		if err := d.o.cfg.Records.Finish(ctx, d.rec); err != nil {
			d.log.Warn("finish rollout record", "err", err)
		}
		cancel()
	}

	out := Outcome{
		Phase:       d.phase,
		Reason:      d.rec.Reason,
		Artifact:    d.image,
		Previous:    d.previous.Image,
		Attempts:    d.attempts,
		RolledBack:  d.rolledBack,
		ServiceDown: d.serviceDown,
		Warnings:    d.warnings,
		Record:      d.rec,
	}

	d.op.Annotate(
		telemetry.PhaseKey.String(d.phase.String()),
		telemetry.ReasonKey.String(d.rec.Reason.String()),
		attribute.Bool("hoist.rolled_back", d.rolledBack),
		attribute.Bool("hoist.service_down", d.serviceDown),
	)
	if fail == nil {
		d.op.End(nil)
		d.log.Info("rollout succeeded", "attempts", d.attempts, "warnings", len(d.warnings))
		return out, nil
	}
	d.op.End(fail)
	d.log.Info("rollout failed", "reason", fail.Reason, "step", fail.Step, "rolled_back", d.rolledBack, "err", fail.Err)
	return out, fail
}
