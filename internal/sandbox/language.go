package sandbox

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// Language describes how code is written to disk and invoked.
type Language struct {
	Name string
	Ext  string

	// command returns the argument vector run inside the container.
	// file is relative to the working directory.
	command func(file string) []string
	// env returns extra variables the toolchain needs on a read-only root.
	env func(workDir string) map[string]string
}

var (
	python = &Language{Name: "python", Ext: "py", command: func(f string) []string {
		return []string{"python3", f}
	}}
	javascript = &Language{Name: "javascript", Ext: "js", command: func(f string) []string {
		return []string{"node", f}
	}}
	bash = &Language{Name: "bash", Ext: "sh", command: func(f string) []string {
		return []string{"bash", f}
	}}
	java = &Language{Name: "java", Ext: "java", command: func(f string) []string {
		// Positional parameters keep paths out of the script text.
		dir, file := path.Split(f)
		class := strings.TrimSuffix(file, ".java")
		return []string{"sh", "-c", `cd "$1" && javac "$2" && exec java "$3"`, "sh", strings.TrimSuffix(dir, "/"), file, class}
	}}
	golang = &Language{Name: "go", Ext: "go",
		command: func(f string) []string {
			return []string{"go", "run", f}
		},
		env: func(workDir string) map[string]string {
			return map[string]string{
				"GOCACHE": path.Join(workDir, ".cache", "go-build"),
				"GOPATH":  path.Join(workDir, ".cache", "go"),
			}
		},
	}
)

var languages = map[string]*Language{
	"python":     python,
	"python3":    python,
	"javascript": javascript,
	"node":       javascript,
	"bash":       bash,
	"shell":      bash,
	"java":       java,
	"go":         golang,
}

// LookupLanguage resolves a language name (case-insensitive).
func LookupLanguage(name string) (*Language, error) {
	lang, ok := languages[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, name)
	}
	return lang, nil
}

// SupportedLanguages lists accepted language names.
func SupportedLanguages() []string {
	return []string{"python", "python3", "javascript", "node", "bash", "shell", "java", "go"}
}

// FileExtension maps a language name to a file extension; unknown names map to "txt".
func FileExtension(name string) string {
	if lang, err := LookupLanguage(name); err == nil {
		return lang.Ext
	}
	return "txt"
}

var javaClassPattern = regexp.MustCompile(`(?m)^\s*(?:public\s+)?(?:final\s+|abstract\s+)*class\s+([A-Za-z_][A-Za-z0-9_]*)`)
var javaPublicClassPattern = regexp.MustCompile(`(?m)\bpublic\s+(?:final\s+|abstract\s+)*class\s+([A-Za-z_][A-Za-z0-9_]*)`)

// javaClassName derives the class to run: the public class if any, else the
// first declared class, else Main.
func javaClassName(code string) string {
	if m := javaPublicClassPattern.FindStringSubmatch(code); m != nil {
		return m[1]
	}
	if m := javaClassPattern.FindStringSubmatch(code); m != nil {
		return m[1]
	}
	return "Main"
}

// sourcePath returns a unique path, relative to the working directory,
// for one execution. Java sources get their own directory because javac
// requires the file name to match the public class.
func (l *Language) sourcePath(code string) (string, error) {
	suffix, err := randomHex(4)
	if err != nil {
		return "", err
	}
	base := fmt.Sprintf("code_%d_%s", time.Now().UnixNano(), suffix)
	if l == java {
		return path.Join(base, javaClassName(code)+".java"), nil
	}
	return base + "." + l.Ext, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
