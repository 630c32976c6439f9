// Package processtest provides scripted process.Runner fakes, including a
// simulated container engine CLI, so that sandbox and pool logic can be
// tested without a real engine.
package processtest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/jkaninda/boxd/internal/process"
)

// Call is one recorded Run invocation.
type Call struct {
	Name string
	Args []string
	Opts process.Options
}

// Subcommand returns the first argument ("run", "exec", ...).
func (c Call) Subcommand() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

// Runner records calls and answers them with Func.
// A nil Func (or a nil result) yields a successful empty Result.
type Runner struct {
	Func func(ctx context.Context, call Call) *process.Result

	mu    sync.Mutex
	calls []Call
}

func (r *Runner) Run(ctx context.Context, name string, args []string, opts process.Options) *process.Result {
	call := Call{Name: name, Args: append([]string(nil), args...), Opts: opts}
	r.mu.Lock()
	r.calls = append(r.calls, call)
	fn := r.Func
	r.mu.Unlock()

	if fn == nil {
		return &process.Result{}
	}
	if res := fn(ctx, call); res != nil {
		return res
	}
	return &process.Result{}
}

// Calls returns a copy of all recorded calls.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns the number of recorded calls.
func (r *Runner) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// CallsTo returns recorded calls whose subcommand matches sub.
func (r *Runner) CallsTo(sub string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Subcommand() == sub {
			out = append(out, c)
		}
	}
	return out
}

// Docker simulates the subset of the container engine CLI used by boxd.
type Docker struct {
	Runner *Runner

	mu         sync.Mutex
	status     string
	exec       func(call Call) *process.Result
	fail       map[string]*process.Result
	nextID     int
	containers map[string]string // id -> image
	files      map[string][]byte // container path -> content, shared by all containers
}

// NewDocker returns a fake engine whose containers report "running".
func NewDocker() *Docker {
	d := &Docker{
		status:     "running",
		fail:       make(map[string]*process.Result),
		containers: make(map[string]string),
		files:      make(map[string][]byte),
	}
	d.Runner = &Runner{Func: d.handle}
	return d
}

// SetStatus changes the status reported by "inspect".
func (d *Docker) SetStatus(status string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
}

// SetExec installs the handler used for "exec" calls.
func (d *Docker) SetExec(fn func(call Call) *process.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exec = fn
}

// Fail forces every call to the given subcommand to return res.
// A nil res clears the override.
func (d *Docker) Fail(sub string, res *process.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res == nil {
		delete(d.fail, sub)
		return
	}
	d.fail[sub] = res
}

// PutFile places content at a container path for "cp" out of a container.
func (d *Docker) PutFile(path string, content []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[path] = append([]byte(nil), content...)
}

// File returns what "cp" into a container stored at path.
func (d *Docker) File(path string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.files[path]
	return b, ok
}

// Live returns the number of containers started and not yet removed.
func (d *Docker) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.containers)
}

func (d *Docker) handle(_ context.Context, call Call) *process.Result {
	d.mu.Lock()
	sub := call.Subcommand()
	if res, ok := d.fail[sub]; ok {
		d.mu.Unlock()
		cp := *res
		return &cp
	}
	if sub == "exec" {
		// The handler may block; it runs without the lock.
		fn := d.exec
		d.mu.Unlock()
		if fn != nil {
			return fn(call)
		}
		return &process.Result{}
	}
	defer d.mu.Unlock()

	switch sub {
	case "run":
		d.nextID++
		id := fmt.Sprintf("%064x", d.nextID)
		d.containers[id] = imageFromRunArgs(call.Args)
		return &process.Result{Stdout: id + "\n"}
	case "inspect":
		id := call.Args[len(call.Args)-1]
		image, ok := d.containers[id]
		if !ok {
			return &process.Result{ExitCode: 1, Stderr: "Error: No such object: " + id}
		}
		if strings.Contains(strings.Join(call.Args, " "), "|") {
			return &process.Result{Stdout: d.status + "|" + image + "|2026-01-15T10:00:00.123456789Z\n"}
		}
		return &process.Result{Stdout: d.status + "\n"}
	case "cp":
		return d.copy(call.Args[1], call.Args[2])
	case "rm":
		delete(d.containers, call.Args[len(call.Args)-1])
		return &process.Result{}
	case "logs":
		return &process.Result{Stdout: "container started\n", Stderr: "warning line\n"}
	default: // stop, version
		return &process.Result{}
	}
}

// copy moves file content between the host and the shared container files.
func (d *Docker) copy(src, dst string) *process.Result {
	if id, path, ok := strings.Cut(src, ":"); ok {
		if _, live := d.containers[id]; !live {
			return &process.Result{ExitCode: 1, Stderr: "Error: No such container: " + id}
		}
		b, found := d.files[path]
		if !found {
			return &process.Result{ExitCode: 1, Stderr: "Error: Could not find the file " + path + " in container " + id}
		}
		if err := os.WriteFile(dst, b, 0o644); err != nil {
			return &process.Result{ExitCode: 1, Stderr: err.Error()}
		}
		return &process.Result{}
	}
	id, path, _ := strings.Cut(dst, ":")
	if _, live := d.containers[id]; !live {
		return &process.Result{ExitCode: 1, Stderr: "Error: No such container: " + id}
	}
	b, err := os.ReadFile(src)
	if err != nil {
		return &process.Result{ExitCode: 1, Stderr: err.Error()}
	}
	d.files[path] = b
	return &process.Result{}
}

// imageFromRunArgs returns the argument preceding the keep-alive command.
func imageFromRunArgs(args []string) string {
	for i := len(args) - 1; i > 0; i-- {
		if args[i] == "tail" {
			return args[i-1]
		}
	}
	return ""
}
