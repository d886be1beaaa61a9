// Package commands implements the command catalog and executor shared by
// both endpoints: enumerating builtin and user scripts, resolving a bare
// name to a path (user overrides builtin), and running the resolved script
// with captured stdout (spec.md §4.3).
package commands

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Catalog resolves command names against a builtin and a user directory.
// A user script shadows a builtin script with the same filename.
type Catalog struct {
	BuiltinDir string
	UserDir    string

	// PrepareEnvironment returns extra "KEY=VALUE" environment entries to
	// append before running a resolved command. The host side uses this to
	// inject NEGOTIATOR_GUEST (spec.md §4.5); the guest side leaves it nil.
	PrepareEnvironment func() []string
}

// ScriptFailedError is returned by Execute when the resolved command exits
// with a nonzero status.
type ScriptFailedError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *ScriptFailedError) Error() string {
	return fmt.Sprintf("command %q failed with exit status %d: %s", e.Command, e.ExitCode, e.Output)
}

// EnsureBuiltinExecutable force-chmods every regular file in BuiltinDir to
// 0755. Packaging layers sometimes strip the executable bit off bundled
// scripts; this compensates, mirroring the constructor of the original
// Python NegotiatorInterface.
func (c *Catalog) EnsureBuiltinExecutable() error {
	if c.BuiltinDir == "" {
		return nil
	}
	entries, err := os.ReadDir(c.BuiltinDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list builtin commands dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(c.BuiltinDir, entry.Name())
		if err := os.Chmod(path, 0755); err != nil {
			return fmt.Errorf("chmod %s: %w", path, err)
		}
	}
	return nil
}

// ListCommands returns the set union of filenames that are regular files
// and executable by the current process, across both directories. Order is
// unspecified (spec.md's Open Question — see SPEC_FULL.md §Open Questions).
func (c *Catalog) ListCommands() []string {
	seen := make(map[string]bool)
	for _, dir := range []string{c.BuiltinDir, c.UserDir} {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if isExecutableRegularFile(path) {
				seen[entry.Name()] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}

// Resolve maps a bare command name to an absolute path, preferring the user
// directory over the builtin directory (spec.md's precedence invariant).
// Any directory component of name is stripped before resolution.
func (c *Catalog) Resolve(name string) (string, error) {
	name = filepath.Base(name)
	if c.UserDir != "" {
		p := filepath.Join(c.UserDir, name)
		if isExecutableRegularFile(p) {
			return p, nil
		}
	}
	if c.BuiltinDir != "" {
		p := filepath.Join(c.BuiltinDir, name)
		if isExecutableRegularFile(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("command %q not found in %s or %s", name, c.UserDir, c.BuiltinDir)
}

// Execute resolves argv[0] and runs it with the remaining argv entries
// passed verbatim. If stdin is non-nil, its contents are fed to the
// process's standard input. The process's standard output is captured and
// returned; a nonzero exit status is reported as a *ScriptFailedError.
func (c *Catalog) Execute(ctx context.Context, argv []string, stdin *string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("execute: empty command")
	}

	path, err := c.Resolve(argv[0])
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, path, argv[1:]...)
	cmd.Env = os.Environ()
	if c.PrepareEnvironment != nil {
		cmd.Env = append(cmd.Env, c.PrepareEnvironment()...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewBufferString(*stdin)
	}

	runErr := cmd.Run()
	if runErr != nil {
		exitCode := -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", fmt.Errorf("execute %s: %w", path, runErr)
		}
		return "", &ScriptFailedError{Command: path, ExitCode: exitCode, Output: stderr.String()}
	}
	return stdout.String(), nil
}

func isExecutableRegularFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
