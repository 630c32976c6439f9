package pool

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/boxd/internal/process"
	"github.com/jkaninda/boxd/internal/process/processtest"
	"github.com/jkaninda/boxd/internal/sandbox"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testDefaults() sandbox.Config {
	return sandbox.Config{
		Image:       "python:3.9-slim",
		Memory:      "512m",
		CPUs:        "1",
		WorkingDir:  "/workspace",
		NetworkMode: "none",
		User:        "nobody",
		TimeoutMS:   30000,
	}
}

func newTestRegistry(t *testing.T, mutate func(*Options)) (*Registry, *processtest.Docker, *fakeClock) {
	t.Helper()
	d := processtest.NewDocker()
	clock := &fakeClock{now: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)}
	opts := Options{
		MaxSandboxes: 3,
		IdleTimeout:  30 * time.Minute,
		Defaults:     testDefaults(),
		Sandbox: sandbox.Options{
			Runner:              d.Runner,
			StartupPollAttempts: 3,
			StartupPollInterval: time.Millisecond,
			TempRoot:            t.TempDir(),
		},
		Now: clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	r := New(opts)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r, d, clock
}

func mustCreate(t *testing.T, r *Registry) string {
	t.Helper()
	id, err := r.Create(context.Background(), sandbox.Config{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func ids(list []Summary) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}

// --- Create / List ---

func TestCreate_AppliesDefaultsAndLists(t *testing.T) {
	r, _, clock := newTestRegistry(t, nil)

	id, err := r.Create(context.Background(), sandbox.Config{Image: "node:20-slim", Memory: "256m"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	list := r.List()
	if len(list) != 1 {
		t.Fatalf("list length = %d, want 1", len(list))
	}
	got := list[0]
	if got.ID != id || got.Image != "node:20-slim" || got.Memory != "256m" || got.CPUs != "1" {
		t.Errorf("summary = %+v", got)
	}
	if !got.CreatedAt.Equal(clock.Now()) || !got.LastUsed.Equal(clock.Now()) {
		t.Errorf("timestamps = %v / %v, want %v", got.CreatedAt, got.LastUsed, clock.Now())
	}
}

func TestCreate_InvalidConfig(t *testing.T) {
	r, d, _ := newTestRegistry(t, nil)
	_, err := r.Create(context.Background(), sandbox.Config{Memory: "a lot"})
	if !errors.Is(err, sandbox.ErrInvalidConfig) {
		t.Fatalf("error = %v, want ErrInvalidConfig", err)
	}
	if d.Runner.Count() != 0 {
		t.Errorf("spawned %d processes for an invalid config", d.Runner.Count())
	}
	// The reserved slot was released.
	for range 3 {
		mustCreate(t, r)
	}
}

func TestCreate_Capacity(t *testing.T) {
	r, d, _ := newTestRegistry(t, func(o *Options) { o.MaxSandboxes = 2 })

	first := mustCreate(t, r)
	mustCreate(t, r)

	_, err := r.Create(context.Background(), sandbox.Config{})
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("third create error = %v, want ErrCapacity", err)
	}
	if n := len(d.Runner.CallsTo("run")); n != 2 {
		t.Errorf("run calls = %d, rejected create must not spawn", n)
	}

	if err := r.Stop(context.Background(), first); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := r.Create(context.Background(), sandbox.Config{}); err != nil {
		t.Errorf("create after stop: %v", err)
	}
}

func TestCreate_ConcurrentCapacityIsStrict(t *testing.T) {
	r, d, _ := newTestRegistry(t, nil)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Create(context.Background(), sandbox.Config{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrCapacity):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 3 || rejected != 9 {
		t.Errorf("created %d, rejected %d; want 3 and 9", ok, rejected)
	}
	if r.Len() != 3 || d.Live() != 3 {
		t.Errorf("registered %d, live containers %d; want 3", r.Len(), d.Live())
	}
}

func TestCreate_StartFailureNotRegistered(t *testing.T) {
	r, d, _ := newTestRegistry(t, func(o *Options) { o.MaxSandboxes = 1 })
	d.Fail("run", &process.Result{ExitCode: 125, Stderr: "Unable to find image"})

	_, err := r.Create(context.Background(), sandbox.Config{})
	var cmdErr *sandbox.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error = %v, want *sandbox.CommandError", err)
	}
	if r.Len() != 0 {
		t.Errorf("failed create left %d entries", r.Len())
	}

	d.Fail("run", nil)
	mustCreate(t, r)
}

// --- Execute ---

func TestExecute(t *testing.T) {
	r, d, _ := newTestRegistry(t, nil)
	id := mustCreate(t, r)
	d.SetExec(func(processtest.Call) *process.Result {
		return &process.Result{Stdout: "2\n"}
	})

	res, err := r.Execute(context.Background(), id, "print(1+1)", "python", sandbox.ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "2" || res.ExitCode != 0 || res.TimedOut {
		t.Errorf("result = %+v", res)
	}
}

func TestExecute_NotFound(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	if _, err := r.Execute(context.Background(), "missing", "print(1)", "python", sandbox.ExecOptions{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestExecute_UnsupportedLanguageSpawnsNothing(t *testing.T) {
	r, d, _ := newTestRegistry(t, nil)
	id := mustCreate(t, r)
	before := d.Runner.Count()

	_, err := r.Execute(context.Background(), id, "DISPLAY 'X'.", "cobol", sandbox.ExecOptions{})
	if !errors.Is(err, sandbox.ErrUnsupportedLanguage) {
		t.Fatalf("error = %v", err)
	}
	if d.Runner.Count() != before {
		t.Errorf("spawn count %d -> %d", before, d.Runner.Count())
	}
}

func TestLastUsed_AdvancesAndIsMonotonic(t *testing.T) {
	r, _, clock := newTestRegistry(t, nil)
	id := mustCreate(t, r)

	clock.Advance(10 * time.Minute)
	if _, err := r.Logs(context.Background(), id, sandbox.LogOptions{}); err != nil {
		t.Fatal(err)
	}
	want := clock.Now()
	if got := r.List()[0].LastUsed; !got.Equal(want) {
		t.Fatalf("lastUsed = %v, want %v", got, want)
	}

	clock.Advance(-5 * time.Minute)
	if _, err := r.Execute(context.Background(), id, "print(1)", "python", sandbox.ExecOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := r.List()[0].LastUsed; !got.Equal(want) {
		t.Errorf("lastUsed moved backwards: %v, want %v", got, want)
	}
}

// --- Files, logs, inspect ---

func TestCopyIntoAndReadFile(t *testing.T) {
	r, d, _ := newTestRegistry(t, nil)
	id := mustCreate(t, r)

	if err := r.CopyInto(context.Background(), id, []byte("a,b\n1,2\n"), "data/in.csv"); err != nil {
		t.Fatalf("CopyInto: %v", err)
	}
	if b, ok := d.File("/workspace/data/in.csv"); !ok || string(b) != "a,b\n1,2\n" {
		t.Errorf("container file = %q, %v", b, ok)
	}

	content, truncated, err := r.ReadFile(context.Background(), id, "/workspace/data/in.csv")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if truncated || string(content) != "a,b\n1,2\n" {
		t.Errorf("ReadFile = %q (truncated %v)", content, truncated)
	}

	if _, _, err := r.ReadFile(context.Background(), id, "missing.txt"); err == nil {
		t.Error("expected error reading a missing file")
	}
}

func TestReadFile_Truncates(t *testing.T) {
	r, d, _ := newTestRegistry(t, nil)
	id := mustCreate(t, r)
	d.PutFile("/workspace/big.log", bytes.Repeat([]byte("x"), MaxReadBytes+10))

	content, truncated, err := r.ReadFile(context.Background(), id, "big.log")
	if err != nil {
		t.Fatal(err)
	}
	if !truncated || len(content) != MaxReadBytes {
		t.Errorf("len = %d, truncated = %v", len(content), truncated)
	}
}

func TestInspect(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	id := mustCreate(t, r)

	d, err := r.Inspect(context.Background(), id)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if d.Container == nil || d.Container.Status != "running" {
		t.Errorf("container = %+v, want running", d.Container)
	}
	if d.Config.Image != "python:3.9-slim" || d.Config.User != "nobody" {
		t.Errorf("config = %+v", d.Config)
	}
	if !strings.HasPrefix(d.ContainerName, "boxd-") {
		t.Errorf("container name = %q", d.ContainerName)
	}

	if err := r.Stop(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Inspect(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Errorf("inspect after stop error = %v, want ErrNotFound", err)
	}
}

// --- Stop ---

func TestStop_RemovesEntryEvenWhenTeardownFails(t *testing.T) {
	r, d, _ := newTestRegistry(t, nil)
	id := mustCreate(t, r)
	d.Fail("stop", &process.Result{ExitCode: 1, Stderr: "daemon unreachable"})
	d.Fail("rm", &process.Result{ExitCode: 1, Stderr: "daemon unreachable"})

	if err := r.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop error = %v, want nil", err)
	}
	if r.Len() != 0 {
		t.Errorf("entry still registered")
	}
	if err := r.Stop(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Stop error = %v, want ErrNotFound", err)
	}
}

// --- Ephemeral ---

func TestRunEphemeral(t *testing.T) {
	r, d, _ := newTestRegistry(t, func(o *Options) { o.MaxSandboxes = 1 })
	mustCreate(t, r)
	before := ids(r.List())
	d.SetExec(func(processtest.Call) *process.Result {
		return &process.Result{Stdout: "hello\n"}
	})

	res, err := r.RunEphemeral(context.Background(), `print("hello")`, "python", sandbox.Config{}, sandbox.ExecOptions{})
	if err != nil {
		t.Fatalf("RunEphemeral: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if after := ids(r.List()); !slices.Equal(before, after) {
		t.Errorf("list changed: %v -> %v", before, after)
	}
	if d.Live() != 1 {
		t.Errorf("live containers = %d, want only the registered one", d.Live())
	}
}

func TestRunEphemeral_CleansUpOnFailure(t *testing.T) {
	r, d, _ := newTestRegistry(t, nil)

	if _, err := r.RunEphemeral(context.Background(), "x", "cobol", sandbox.Config{}, sandbox.ExecOptions{}); !errors.Is(err, sandbox.ErrUnsupportedLanguage) {
		t.Errorf("cobol error = %v", err)
	}
	if d.Runner.Count() != 0 {
		t.Errorf("unsupported language spawned %d processes", d.Runner.Count())
	}

	d.SetStatus("exited")
	if _, err := r.RunEphemeral(context.Background(), "print(1)", "python", sandbox.Config{}, sandbox.ExecOptions{}); !errors.Is(err, sandbox.ErrStartupTimeout) {
		t.Errorf("error = %v, want ErrStartupTimeout", err)
	}
	if r.Len() != 0 || d.Live() != 0 {
		t.Errorf("registered %d, live %d after failed ephemeral run", r.Len(), d.Live())
	}
}

// --- Idle sweep ---

func TestSweep_EvictsIdleOnly(t *testing.T) {
	var (
		mu        sync.Mutex
		evictions []Eviction
	)
	r, d, clock := newTestRegistry(t, func(o *Options) {
		o.EvictionHook = func(ev Eviction) {
			mu.Lock()
			defer mu.Unlock()
			evictions = append(evictions, ev)
		}
	})
	idle := mustCreate(t, r)
	busy := mustCreate(t, r)

	clock.Advance(20 * time.Minute)
	if _, err := r.Execute(context.Background(), busy, "print(1)", "python", sandbox.ExecOptions{}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(15 * time.Minute)

	evicted := r.Sweep(context.Background())
	if !slices.Equal(evicted, []string{idle}) {
		t.Fatalf("evicted = %v, want [%s]", evicted, idle)
	}
	if got := ids(r.List()); !slices.Equal(got, []string{busy}) {
		t.Errorf("remaining = %v, want [%s]", got, busy)
	}
	if d.Live() != 1 {
		t.Errorf("live containers = %d, want 1", d.Live())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(evictions) != 1 || evictions[0].ID != idle || evictions[0].IdleFor != 35*time.Minute || evictions[0].Err != nil {
		t.Errorf("evictions = %+v", evictions)
	}
}

func TestSweep_SkipsRunningExecution(t *testing.T) {
	r, d, clock := newTestRegistry(t, nil)
	id := mustCreate(t, r)

	started := make(chan struct{})
	release := make(chan struct{})
	d.SetExec(func(processtest.Call) *process.Result {
		close(started)
		<-release
		return &process.Result{}
	})

	done := make(chan error, 1)
	go func() {
		_, err := r.Execute(context.Background(), id, "import time; time.sleep(3600)", "python", sandbox.ExecOptions{})
		done <- err
	}()
	<-started

	clock.Advance(2 * time.Hour)
	if evicted := r.Sweep(context.Background()); len(evicted) != 0 {
		t.Errorf("evicted %v during a running execution", evicted)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	clock.Advance(31 * time.Minute)
	if evicted := r.Sweep(context.Background()); len(evicted) != 1 {
		t.Errorf("evicted %v after execution finished, want 1", evicted)
	}
}

func TestSweep_ContinuesPastTeardownFailures(t *testing.T) {
	var errs int
	r, d, clock := newTestRegistry(t, func(o *Options) {
		o.EvictionHook = func(ev Eviction) {
			if ev.Err != nil {
				errs++
			}
			panic("hook failure must not stop the sweep")
		}
	})
	mustCreate(t, r)
	mustCreate(t, r)
	d.Fail("stop", &process.Result{ExitCode: 1, Stderr: "daemon unreachable"})
	d.Fail("rm", &process.Result{ExitCode: 1, Stderr: "daemon unreachable"})

	clock.Advance(time.Hour)
	if evicted := r.Sweep(context.Background()); len(evicted) != 2 {
		t.Errorf("evicted %d, want 2", len(evicted))
	}
	if r.Len() != 0 {
		t.Errorf("registered = %d, want 0", r.Len())
	}
	if errs != 2 {
		t.Errorf("hook saw %d teardown errors, want 2", errs)
	}
}

func TestStartSweeper(t *testing.T) {
	r, _, clock := newTestRegistry(t, func(o *Options) { o.SweepInterval = time.Second })
	mustCreate(t, r)
	clock.Advance(time.Hour)

	stop, err := r.StartSweeper(context.Background())
	if err != nil {
		t.Fatalf("StartSweeper: %v", err)
	}
	defer stop()

	deadline := time.Now().Add(5 * time.Second)
	for r.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if r.Len() != 0 {
		t.Error("sweeper did not evict the idle sandbox")
	}
}

// --- Close ---

func TestClose(t *testing.T) {
	r, d, _ := newTestRegistry(t, nil)
	mustCreate(t, r)
	mustCreate(t, r)
	if _, err := r.StartSweeper(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if d.Live() != 0 || r.Len() != 0 {
		t.Errorf("live %d, registered %d after Close", d.Live(), r.Len())
	}
	if _, err := r.Create(context.Background(), sandbox.Config{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Create after Close error = %v", err)
	}
	if _, err := r.RunEphemeral(context.Background(), "print(1)", "python", sandbox.Config{}, sandbox.ExecOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("RunEphemeral after Close error = %v", err)
	}
	if err := r.Close(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close error = %v", err)
	}
}

// --- Metrics ---

func TestNewMetrics_NilRegistry(t *testing.T) {
	if NewMetrics(nil) != nil {
		t.Error("expected nil Metrics for nil registry")
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r, d, clock := newTestRegistry(t, func(o *Options) {
		o.MaxSandboxes = 2
		o.Metrics = m
	})

	a := mustCreate(t, r)
	mustCreate(t, r)
	if _, err := r.Create(context.Background(), sandbox.Config{}); !errors.Is(err, ErrCapacity) {
		t.Fatal(err)
	}
	d.SetExec(func(processtest.Call) *process.Result { return &process.Result{ExitCode: 1} })
	if _, err := r.Execute(context.Background(), a, "raise SystemExit(1)", "python", sandbox.ExecOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)
	r.Sweep(context.Background())

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"created", m.Created, 2},
		{"capacity rejections", m.CapacityRejections, 1},
		{"stopped", m.Stopped, 1},
		{"evicted", m.Evicted, 1},
		{"active", m.Active, 0},
		{"failed executions", m.Executions.WithLabelValues("python", "failed"), 1},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}
}
