package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/boxd/internal/process"
	"github.com/jkaninda/boxd/internal/process/processtest"
)

func testConfig() Config {
	return Config{
		Image:       "python:3.9-slim",
		Memory:      "256m",
		CPUs:        "0.5",
		WorkingDir:  "/workspace",
		NetworkMode: "none",
		User:        "nobody",
		TimeoutMS:   5000,
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newFakeSandbox(t *testing.T, cfg Config) (*Sandbox, *processtest.Docker, *recorder) {
	t.Helper()
	d := processtest.NewDocker()
	rec := &recorder{}
	s, err := New(cfg, Options{
		Runner:              d.Runner,
		Observer:            rec,
		StartupPollAttempts: 3,
		StartupPollInterval: time.Millisecond,
		TempRoot:            t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, d, rec
}

func startFake(t *testing.T, cfg Config) (*Sandbox, *processtest.Docker, *recorder) {
	t.Helper()
	s, d, rec := newFakeSandbox(t, cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s, d, rec
}

func assertGone(t *testing.T, dir string) {
	t.Helper()
	if dir == "" {
		return
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("temp dir %s still exists (stat err: %v)", dir, err)
	}
}

// --- Argument builders ---

func TestBuildRunArgs(t *testing.T) {
	cfg := testConfig()
	cfg.ReadOnly = true
	cfg.PidsLimit = 128
	cfg.Environment = map[string]string{"B": "2", "A": "1"}
	cfg.Volumes = []Volume{
		{HostPath: "/data", ContainerPath: "/data", ReadOnly: true},
		{HostPath: "/cache", ContainerPath: "/cache"},
	}

	got := BuildRunArgs("boxd-test", cfg, "/tmp/boxd-x")
	want := []string{
		"run",
		"--name", "boxd-test",
		"--label", ManagedLabel,
		"--label", "boxd.sandbox=boxd-test",
		"--rm",
		"--interactive", "--tty", "--detach",
		"--memory", "256m",
		"--cpus", "0.5",
		"--pids-limit", "128",
		"--network", "none",
		"--user", "nobody",
		"--read-only",
		"--workdir", "/workspace",
		"--env", "A=1",
		"--env", "B=2",
		"--volume", "/tmp/boxd-x:/workspace",
		"--volume", "/data:/data:ro",
		"--volume", "/cache:/cache",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"python:3.9-slim",
		"tail", "-f", "/dev/null",
	}
	if !slices.Equal(got, want) {
		t.Errorf("BuildRunArgs mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestBuildRunArgs_OmitsUnsetLimits(t *testing.T) {
	cfg := Config{Image: "alpine", WorkingDir: "/work"}
	got := BuildRunArgs("n", cfg, "/tmp/t")
	for _, flag := range []string{"--memory", "--cpus", "--pids-limit", "--network", "--user", "--read-only", "--env"} {
		if slices.Contains(got, flag) {
			t.Errorf("args contain %s for empty config: %q", flag, got)
		}
	}
	if got[len(got)-4] != "alpine" {
		t.Errorf("image position: got %q", got[len(got)-4])
	}
}

func TestBuildExecArgs(t *testing.T) {
	got := BuildExecArgs("abc", testConfig(), map[string]string{"X": "1"}, true, []string{"python3", "f.py"})
	want := []string{"exec", "--interactive", "--user", "nobody", "--workdir", "/workspace", "--env", "X=1", "abc", "python3", "f.py"}
	if !slices.Equal(got, want) {
		t.Errorf("BuildExecArgs\n got: %q\nwant: %q", got, want)
	}
}

// --- Lifecycle ---

func TestSandbox_StartStop(t *testing.T) {
	s, d, rec := startFake(t, testConfig())

	if !s.Running() {
		t.Fatal("running = false after Start")
	}
	if s.ContainerID() == "" {
		t.Fatal("container id empty after Start")
	}
	dir := s.TempDir()
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Fatalf("temp dir not created: %v", err)
	}
	if n := len(d.Runner.CallsTo("inspect")); n != 1 {
		t.Errorf("inspect polls = %d, want 1", n)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Running() || s.ContainerID() != "" {
		t.Error("state not cleared after Stop")
	}
	assertGone(t, dir)
	if d.Live() != 0 {
		t.Errorf("live containers = %d, want 0", d.Live())
	}
	if got, want := rec.types(), []EventType{EventStarted, EventStopped}; !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSandbox_StartTwice(t *testing.T) {
	s, _, _ := startFake(t, testConfig())
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start error = %v, want ErrAlreadyRunning", err)
	}
}

func TestSandbox_RestartAfterStop(t *testing.T) {
	s, _, _ := startFake(t, testConfig())
	_ = s.Stop(context.Background())
	if err := s.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop error = %v, want ErrStopped", err)
	}
}

func TestSandbox_StartFailure(t *testing.T) {
	s, d, _ := newFakeSandbox(t, testConfig())
	d.Fail("run", &process.Result{ExitCode: 125, Stderr: "pull access denied"})

	err := s.Start(context.Background())
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error = %v, want *CommandError", err)
	}
	if !strings.Contains(cmdErr.Error(), "pull access denied") {
		t.Errorf("error %q does not carry stderr", cmdErr.Error())
	}
	if s.Running() || s.ContainerID() != "" || s.TempDir() != "" {
		t.Error("failed start left state behind")
	}
	entries, _ := os.ReadDir(s.tempRoot)
	if len(entries) != 0 {
		t.Errorf("temp root still has %d entries", len(entries))
	}
}

func TestSandbox_FailedRunRemovesNamedContainer(t *testing.T) {
	tests := []struct {
		name string
		run  *process.Result
	}{
		{"timed out", &process.Result{ExitCode: -1, TimedOut: true}},
		{"non-zero exit", &process.Result{ExitCode: 125, Stderr: "daemon error"}},
		{"no container id", &process.Result{Stdout: "\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, d, _ := newFakeSandbox(t, testConfig())
			d.Fail("run", tt.run)

			if err := s.Start(context.Background()); err == nil {
				t.Fatal("Start succeeded, want error")
			}
			rms := d.Runner.CallsTo("rm")
			if len(rms) != 1 {
				t.Fatalf("rm calls = %d, want 1", len(rms))
			}
			if got, want := rms[0].Args, []string{"rm", "--force", s.Name()}; !slices.Equal(got, want) {
				t.Errorf("rm args = %v, want %v", got, want)
			}
			if s.Running() || s.TempDir() != "" {
				t.Error("failed start left state behind")
			}
		})
	}
}

func TestSandbox_FailedRunCancelledContextStillRemoves(t *testing.T) {
	s, d, _ := newFakeSandbox(t, testConfig())
	d.Fail("run", &process.Result{ExitCode: -1, Stderr: "context canceled"})
	var rmCtxErr error
	rmCalled := false
	handle := d.Runner.Func
	d.Runner.Func = func(ctx context.Context, call processtest.Call) *process.Result {
		if call.Subcommand() == "rm" {
			rmCalled = true
			rmCtxErr = ctx.Err()
		}
		return handle(ctx, call)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = s.Start(ctx)

	if !rmCalled {
		t.Fatal("no rm issued after cancelled run")
	}
	if rmCtxErr != nil {
		t.Errorf("rm ran under a done context: %v", rmCtxErr)
	}
}

func TestSandbox_StartupTimeout(t *testing.T) {
	s, d, _ := newFakeSandbox(t, testConfig())
	d.SetStatus("created")

	err := s.Start(context.Background())
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("error = %v, want ErrStartupTimeout", err)
	}
	if n := len(d.Runner.CallsTo("inspect")); n != 3 {
		t.Errorf("inspect polls = %d, want 3", n)
	}
	if d.Live() != 0 {
		t.Errorf("container not removed after startup timeout")
	}
	if s.Running() || s.TempDir() != "" {
		t.Error("state not cleaned after startup timeout")
	}
}

func TestSandbox_StopNoop(t *testing.T) {
	s, d, rec := newFakeSandbox(t, testConfig())
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on unstarted sandbox: %v", err)
	}
	if d.Runner.Count() != 0 {
		t.Errorf("Stop spawned %d processes, want 0", d.Runner.Count())
	}
	if len(rec.types()) != 0 {
		t.Errorf("events = %v, want none", rec.types())
	}
}

func TestSandbox_StopFailureStillCleansUp(t *testing.T) {
	s, d, rec := startFake(t, testConfig())
	dir := s.TempDir()
	d.Fail("stop", &process.Result{ExitCode: 1, Stderr: "daemon unreachable"})
	d.Fail("rm", &process.Result{ExitCode: 1, Stderr: "daemon unreachable"})

	err := s.Stop(context.Background())
	if err == nil {
		t.Fatal("expected teardown error to be reported")
	}
	if s.Running() || s.ContainerID() != "" {
		t.Error("state not cleared after failed stop")
	}
	assertGone(t, dir)

	got := rec.types()
	want := []EventType{EventStarted, EventError, EventError, EventStopped}
	if !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSandbox_StopIgnoresAlreadyRemoved(t *testing.T) {
	s, d, _ := startFake(t, testConfig())
	d.Fail("rm", &process.Result{ExitCode: 1, Stderr: "Error: No such container: abc"})
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop error = %v, want nil when --rm already removed the container", err)
	}
}

// --- Code execution ---

func TestSandbox_RunCode(t *testing.T) {
	s, d, rec := startFake(t, testConfig())
	dir := s.TempDir()

	var seenCode string
	var seenArgs []string
	d.SetExec(func(call processtest.Call) *process.Result {
		seenArgs = call.Args
		file := call.Args[len(call.Args)-1]
		b, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			return &process.Result{ExitCode: 2, Stderr: err.Error()}
		}
		seenCode = string(b)
		return &process.Result{Stdout: "2\n", Duration: 15 * time.Millisecond}
	})

	res, err := s.RunCode(context.Background(), "print(1+1)", "python", ExecOptions{})
	if err != nil {
		t.Fatalf("RunCode: %v", err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "2" {
		t.Errorf("result = %+v", res)
	}
	if seenCode != "print(1+1)" {
		t.Errorf("file content = %q", seenCode)
	}
	if !slices.Contains(seenArgs, "--user") || !slices.Contains(seenArgs, "nobody") {
		t.Errorf("exec args missing user: %q", seenArgs)
	}
	if seenArgs[len(seenArgs)-2] != "python3" || !strings.HasSuffix(seenArgs[len(seenArgs)-1], ".py") {
		t.Errorf("exec command = %q", seenArgs)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("source file not deleted: %d entries left", len(entries))
	}

	types := rec.types()
	if types[len(types)-1] != EventCodeExecuted {
		t.Errorf("last event = %v, want codeExecuted", types[len(types)-1])
	}
	rec.mu.Lock()
	last := rec.events[len(rec.events)-1]
	rec.mu.Unlock()
	if last.Language != "python" || last.Code != "print(1+1)" || last.Result != res || last.File == "" {
		t.Errorf("codeExecuted event = %+v", last)
	}
}

func TestSandbox_RunCodeFailureIsData(t *testing.T) {
	s, d, _ := startFake(t, testConfig())
	d.SetExec(func(processtest.Call) *process.Result {
		return &process.Result{ExitCode: 1, Stderr: "Traceback"}
	})

	res, err := s.RunCode(context.Background(), "raise SystemExit(1)", "python3", ExecOptions{})
	if err != nil {
		t.Fatalf("RunCode returned error for failing user code: %v", err)
	}
	if res.ExitCode != 1 || res.Stderr != "Traceback" {
		t.Errorf("result = %+v", res)
	}
}

func TestSandbox_RunCodeUnsupportedLanguage(t *testing.T) {
	s, d, _ := startFake(t, testConfig())
	before := d.Runner.Count()

	_, err := s.RunCode(context.Background(), "DISPLAY 'HI'.", "cobol", ExecOptions{})
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("error = %v, want ErrUnsupportedLanguage", err)
	}
	if d.Runner.Count() != before {
		t.Errorf("spawn count changed: %d -> %d", before, d.Runner.Count())
	}
}

func TestSandbox_RunCodeNotRunning(t *testing.T) {
	s, d, _ := newFakeSandbox(t, testConfig())
	if _, err := s.RunCode(context.Background(), "print(1)", "python", ExecOptions{}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("error = %v, want ErrNotRunning", err)
	}
	if d.Runner.Count() != 0 {
		t.Errorf("spawned %d processes before precondition check", d.Runner.Count())
	}
}

func TestSandbox_RunCodeOptions(t *testing.T) {
	s, d, _ := startFake(t, testConfig())
	var call processtest.Call
	d.SetExec(func(c processtest.Call) *process.Result {
		call = c
		return &process.Result{}
	})

	_, err := s.RunCode(context.Background(), "read x", "bash", ExecOptions{
		Timeout: 2 * time.Second,
		Stdin:   "input",
		Env:     map[string]string{"FOO": "bar"},
	})
	if err != nil {
		t.Fatalf("RunCode: %v", err)
	}
	if call.Opts.Timeout != 2*time.Second {
		t.Errorf("timeout = %s, want 2s", call.Opts.Timeout)
	}
	if call.Opts.Stdin != "input" {
		t.Errorf("stdin = %q", call.Opts.Stdin)
	}
	if !slices.Contains(call.Args, "--interactive") || !slices.Contains(call.Args, "FOO=bar") {
		t.Errorf("exec args = %q", call.Args)
	}
}

func TestSandbox_RunCodeJava(t *testing.T) {
	s, d, _ := startFake(t, testConfig())
	var args []string
	d.SetExec(func(c processtest.Call) *process.Result {
		args = c.Args
		return &process.Result{}
	})

	code := "public class Hello { public static void main(String[] a) { System.out.println(1); } }"
	if _, err := s.RunCode(context.Background(), code, "java", ExecOptions{}); err != nil {
		t.Fatalf("RunCode: %v", err)
	}
	n := len(args)
	if args[n-4] != "sh" || args[n-2] != "Hello.java" || args[n-1] != "Hello" {
		t.Errorf("java command = %q", args)
	}
}

// --- Files, info, logs ---

func TestSandbox_Copy(t *testing.T) {
	s, d, _ := startFake(t, testConfig())
	id := s.ContainerID()
	host := t.TempDir()
	in := filepath.Join(host, "a.txt")
	if err := os.WriteFile(in, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.CopyToContainer(context.Background(), in, "/workspace/a.txt"); err != nil {
		t.Fatalf("CopyToContainer: %v", err)
	}
	if b, ok := d.File("/workspace/a.txt"); !ok || string(b) != "hello" {
		t.Errorf("container file = %q, %v", b, ok)
	}

	out := filepath.Join(host, "out.txt")
	if err := s.CopyFromContainer(context.Background(), "/workspace/a.txt", out); err != nil {
		t.Fatalf("CopyFromContainer: %v", err)
	}
	if b, _ := os.ReadFile(out); string(b) != "hello" {
		t.Errorf("copied back %q", b)
	}

	calls := d.Runner.CallsTo("cp")
	if len(calls) != 2 {
		t.Fatalf("cp calls = %d, want 2", len(calls))
	}
	if !slices.Equal(calls[0].Args, []string{"cp", in, id + ":/workspace/a.txt"}) {
		t.Errorf("copy-in args = %q", calls[0].Args)
	}
	if !slices.Equal(calls[1].Args, []string{"cp", id + ":/workspace/a.txt", out}) {
		t.Errorf("copy-out args = %q", calls[1].Args)
	}

	err := s.CopyFromContainer(context.Background(), "/workspace/missing.txt", out)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || !strings.Contains(err.Error(), "Could not find the file") {
		t.Errorf("copy failure error = %v", err)
	}
}

func TestSandbox_CopyNotRunning(t *testing.T) {
	s, _, _ := newFakeSandbox(t, testConfig())
	if err := s.CopyToContainer(context.Background(), "/a", "/b"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("CopyToContainer error = %v", err)
	}
	if err := s.CopyFromContainer(context.Background(), "/a", "/b"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("CopyFromContainer error = %v", err)
	}
	if _, err := s.Logs(context.Background(), LogOptions{}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Logs error = %v", err)
	}
}

func TestSandbox_Info(t *testing.T) {
	s, d, _ := newFakeSandbox(t, testConfig())
	if info := s.Info(context.Background()); info != nil {
		t.Errorf("Info before start = %+v, want nil", info)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	info := s.Info(context.Background())
	if info == nil {
		t.Fatal("Info = nil for running sandbox")
	}
	if info.Status != "running" || info.Image != "python:3.9-slim" || info.ID != s.ContainerID() {
		t.Errorf("info = %+v", info)
	}
	if info.CreatedAt.IsZero() {
		t.Error("createdAt not parsed")
	}

	d.Fail("inspect", &process.Result{ExitCode: 1})
	if info := s.Info(context.Background()); info != nil {
		t.Errorf("Info on inspect failure = %+v, want nil", info)
	}
}

func TestSandbox_Logs(t *testing.T) {
	s, d, _ := startFake(t, testConfig())

	out, err := s.Logs(context.Background(), LogOptions{Tail: 50, Since: "10m"})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if !strings.Contains(out, "container started") || !strings.Contains(out, "warning line") {
		t.Errorf("logs = %q, want combined stdout and stderr", out)
	}
	args := d.Runner.CallsTo("logs")[0].Args
	want := []string{"logs", "--tail", "50", "--since", "10m", s.ContainerID()}
	if !slices.Equal(args, want) {
		t.Errorf("logs args = %q, want %q", args, want)
	}
}

func TestIsDockerAvailable(t *testing.T) {
	d := processtest.NewDocker()
	if !IsDockerAvailable(context.Background(), d.Runner, "") {
		t.Error("available = false with healthy fake engine")
	}
	d.Fail("version", &process.Result{ExitCode: 1, Stderr: "Cannot connect to the Docker daemon"})
	if IsDockerAvailable(context.Background(), d.Runner, "") {
		t.Error("available = true with failing engine")
	}
	if IsDockerAvailable(context.Background(), process.NewExecRunner(time.Second, nil), "boxd-no-such-engine") {
		t.Error("available = true for missing binary")
	}
}

// --- Integration (requires a container engine) ---

const testImage = "python:3.9-slim"

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

// skipIfNoImage skips the test if the image isn't present locally.
func skipIfNoImage(t *testing.T) {
	t.Helper()
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping (pull with: docker pull %s)", testImage, testImage)
	}
}

func TestDockerIntegration_RoundTrip(t *testing.T) {
	skipIfNoDocker(t)
	skipIfNoImage(t)

	cfg := testConfig()
	cfg.TimeoutMS = 30000
	s, err := New(cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dir := s.TempDir()
	defer func() { _ = s.Stop(ctx) }()

	res, err := s.RunCode(ctx, "print(1+1)", "python", ExecOptions{})
	if err != nil {
		t.Fatalf("RunCode: %v", err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "2" || res.TimedOut {
		t.Errorf("result = %+v", res)
	}

	res, err = s.RunCode(ctx, "import time; time.sleep(30)", "python", ExecOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("RunCode: %v", err)
	}
	if !res.TimedOut {
		t.Errorf("timedOut = false for sleeping code")
	}

	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
	assertGone(t, dir)
}
