package rollout_test

import (
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"hoist/internal/adapter/dockercli"
	"hoist/internal/adapter/fake"
	"hoist/internal/artifact"
	"hoist/internal/remote"
	"hoist/internal/rollout"
)

const containerName = "vpn-api-container"

var (
	vpnTarget = rollout.Target{
		Remote:    remote.Target{Host: "10.0.0.5", User: "deploy"},
		Container: containerName,
	}
	vpnConfig = rollout.ContainerConfig{
		Network:       "vpn-net",
		Alias:         "vpn-api",
		ExtraHosts:    []string{"host.docker.internal:host-gateway"},
		RestartPolicy: "unless-stopped",
		EnvFile:       "/home/deploy/vpn-api.env",
	}
)

type harness struct {
	host    *fake.Host
	records *fake.RecordStore
	clock   *fake.Clock
	cfg     rollout.Config
	orch    *rollout.Orchestrator
}

func newHarness(t *testing.T, mutate ...func(*rollout.Config)) *harness {
	t.Helper()
	h := &harness{
		host:    fake.NewHost(),
		records: fake.NewRecordStore(),
		clock:   fake.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	h.clock.SetStep(time.Second)
	h.cfg = rollout.Config{
		Channel:  h.host.Channel(),
		Runtimes: dockercli.Factory(),
		Records:  h.records,
		Clock:    h.clock,
		Timeouts: rollout.Timeouts{
			Connect: 2 * time.Second,
			Pull:    2 * time.Second,
			Inspect: 2 * time.Second,
			Stop:    2 * time.Second,
			Remove:  2 * time.Second,
			Start:   2 * time.Second,
		},
		Retry:    rollout.Retry{Attempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
		Health:   rollout.Health{Timeout: 500 * time.Millisecond, Interval: time.Millisecond},
		Rollback: true,
	}
	for _, fn := range mutate {
		fn(&h.cfg)
	}
	orch, err := rollout.New(h.cfg)
	if err != nil {
		t.Fatalf("rollout.New() error = %v", err)
	}
	h.orch = orch
	t.Cleanup(func() {
		if n := h.host.OpenSessions(); n != 0 {
			t.Errorf("%d sessions left open", n)
		}
	})
	return h
}

func withoutRollback(cfg *rollout.Config) { cfg.Rollback = false }

func mustRef(t *testing.T, raw string) artifact.Reference {
	t.Helper()
	ref, err := artifact.ParseReference(raw)
	if err != nil {
		t.Fatalf("ParseReference(%q) error = %v", raw, err)
	}
	return ref
}

func assertVerbs(t *testing.T, h *fake.Host, want ...string) {
	t.Helper()
	if got := h.Verbs(); !slices.Equal(got, want) {
		t.Fatalf("transport calls = %v, want %v", got, want)
	}
}

// assertNoInterleaving fails if commands from one session are split by
// commands from another.
func assertNoInterleaving(t *testing.T, execs []fake.Exec) {
	t.Helper()
	finished := make(map[int]bool)
	current := 0
	for _, e := range execs {
		if e.Session == current {
			continue
		}
		if finished[e.Session] {
			t.Fatalf("session %d resumed after session %d ran: %v", e.Session, current, describe(execs))
		}
		if current != 0 {
			finished[current] = true
		}
		current = e.Session
	}
}

func describe(execs []fake.Exec) string {
	parts := make([]string, len(execs))
	for i, e := range execs {
		parts[i] = fmt.Sprintf("#%d %s", e.Session, strings.Join(e.Args, " "))
	}
	return strings.Join(parts, "; ")
}

func runArgs(h *fake.Host) []string {
	for _, e := range h.Execs() {
		if e.Verb() == "run" {
			return e.Args
		}
	}
	return nil
}
