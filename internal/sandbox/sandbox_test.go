package sandbox

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing image", func(c *Config) { c.Image = "" }, "image is required"},
		{"image flag injection", func(c *Config) { c.Image = "--privileged" }, "not a valid reference"},
		{"bad memory", func(c *Config) { c.Memory = "lots" }, "memory"},
		{"memory gigabytes", func(c *Config) { c.Memory = "2g" }, ""},
		{"zero cpus", func(c *Config) { c.CPUs = "0" }, "cpus"},
		{"fractional cpus", func(c *Config) { c.CPUs = "0.25" }, ""},
		{"relative workdir", func(c *Config) { c.WorkingDir = "workspace" }, "absolute"},
		{"negative timeout", func(c *Config) { c.TimeoutMS = -1 }, "timeout"},
		{"timeout at cap", func(c *Config) { c.TimeoutMS = MaxTimeout.Milliseconds() }, ""},
		{"timeout above cap", func(c *Config) { c.TimeoutMS = MaxTimeout.Milliseconds() + 1 }, "exceed"},
		{"timeout overflowing duration", func(c *Config) { c.TimeoutMS = 1 << 62 }, "exceed"},
		{"negative pids limit", func(c *Config) { c.PidsLimit = -1 }, "pids"},
		{"pids limit", func(c *Config) { c.PidsLimit = 64 }, ""},
		{"bad env key", func(c *Config) { c.Environment = map[string]string{"1BAD": "x"} }, "environment"},
		{"relative volume", func(c *Config) { c.Volumes = []Volume{{HostPath: "data", ContainerPath: "/data"}} }, "absolute"},
		{"volume colon", func(c *Config) { c.Volumes = []Volume{{HostPath: "/a:b", ContainerPath: "/data"}} }, "':'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error %v does not wrap ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	defaults := testConfig()
	defaults.ReadOnly = true
	defaults.PidsLimit = 256
	defaults.Environment = map[string]string{"LANG": "C.UTF-8", "MODE": "default"}

	got := Config{Image: "node:20-slim", Environment: map[string]string{"MODE": "custom"}}.WithDefaults(defaults)

	if got.Image != "node:20-slim" {
		t.Errorf("image = %q, explicit value must win", got.Image)
	}
	if got.Memory != "256m" || got.WorkingDir != "/workspace" || got.User != "nobody" {
		t.Errorf("defaults not applied: %+v", got)
	}
	if !got.ReadOnly {
		t.Error("read-only default not applied")
	}
	if got.PidsLimit != 256 {
		t.Errorf("pids limit = %d, want 256", got.PidsLimit)
	}
	if got.Environment["LANG"] != "C.UTF-8" || got.Environment["MODE"] != "custom" {
		t.Errorf("environment = %v", got.Environment)
	}
	if defaults.Environment["MODE"] != "default" {
		t.Error("WithDefaults mutated the defaults map")
	}
	if got.Timeout() != 5*time.Second {
		t.Errorf("timeout = %s, want 5s", got.Timeout())
	}
}

func TestLookupLanguage(t *testing.T) {
	for _, name := range SupportedLanguages() {
		if _, err := LookupLanguage(name); err != nil {
			t.Errorf("LookupLanguage(%q): %v", name, err)
		}
	}
	lang, err := LookupLanguage("  Python3 ")
	if err != nil || lang.Name != "python" {
		t.Errorf("alias lookup = %v, %v", lang, err)
	}
	if _, err := LookupLanguage("cobol"); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Errorf("cobol error = %v", err)
	}
}

func TestFileExtension(t *testing.T) {
	tests := map[string]string{
		"python":     "py",
		"javascript": "js",
		"node":       "js",
		"bash":       "sh",
		"java":       "java",
		"go":         "go",
		"ruby":       "txt",
	}
	for name, want := range tests {
		if got := FileExtension(name); got != want {
			t.Errorf("FileExtension(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestJavaClassName(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"public class Hello { }", "Hello"},
		{"class Helper {}\npublic final class App {}", "App"},
		{"class Only {}", "Only"},
		{"System.out.println(1);", "Main"},
	}
	for _, tt := range tests {
		if got := javaClassName(tt.code); got != tt.want {
			t.Errorf("javaClassName(%q) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestSourcePathUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		p, err := python.sourcePath("print(1)")
		if err != nil {
			t.Fatal(err)
		}
		if seen[p] {
			t.Fatalf("duplicate source path %q", p)
		}
		seen[p] = true
		if !strings.HasPrefix(p, "code_") || !strings.HasSuffix(p, ".py") {
			t.Errorf("unexpected path %q", p)
		}
	}
	p, _ := java.sourcePath("public class Greeter {}")
	if !strings.HasSuffix(p, "/Greeter.java") {
		t.Errorf("java path = %q", p)
	}
}

func TestCommandError(t *testing.T) {
	err := &CommandError{Op: "start", ExitCode: 125, Stderr: "  image not found \n"}
	if got := err.Error(); got != "start failed (exit code 125): image not found" {
		t.Errorf("Error() = %q", got)
	}
	if got := (&CommandError{Op: "logs", ExitCode: 1}).Error(); !strings.Contains(got, "no output") {
		t.Errorf("Error() = %q", got)
	}
}

func TestContainerPath(t *testing.T) {
	s, err := New(testConfig(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.ContainerPath("data/in.csv"); got != "/workspace/data/in.csv" {
		t.Errorf("relative = %q", got)
	}
	if got := s.ContainerPath("/etc/hosts"); got != "/etc/hosts" {
		t.Errorf("absolute = %q", got)
	}
	if !strings.HasPrefix(s.Name(), "boxd-") || len(s.Name()) != len("boxd-")+16 {
		t.Errorf("name = %q", s.Name())
	}
}
