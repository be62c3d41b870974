package launcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Modifier adjusts a game command before it is started. Modifiers run in
// order, so later modifiers override earlier ones.
type Modifier interface {
	Apply(cmd *exec.Cmd, app AppDescriptor, tool CompatTool) error
}

// ModifierFunc adapts a function to the Modifier interface
type ModifierFunc func(cmd *exec.Cmd, app AppDescriptor, tool CompatTool) error

// Apply calls f
func (f ModifierFunc) Apply(cmd *exec.Cmd, app AppDescriptor, tool CompatTool) error {
	return f(cmd, app, tool)
}

// SetEnv sets key in the command environment, replacing any previous value
func SetEnv(cmd *exec.Cmd, key, value string) {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	prefix := key + "="
	for i, entry := range cmd.Env {
		if strings.HasPrefix(entry, prefix) {
			cmd.Env[i] = prefix + value
			return
		}
	}
	cmd.Env = append(cmd.Env, prefix+value)
}

// LookupEnv returns the value of key in the command environment
func LookupEnv(cmd *exec.Cmd, key string) (string, bool) {
	prefix := key + "="
	for i := len(cmd.Env) - 1; i >= 0; i-- {
		if strings.HasPrefix(cmd.Env[i], prefix) {
			return strings.TrimPrefix(cmd.Env[i], prefix), true
		}
	}
	return "", false
}

// EnvModifier sets environment variables
type EnvModifier map[string]string

// Apply sets every variable, in key order for reproducible environments
func (m EnvModifier) Apply(cmd *exec.Cmd, _ AppDescriptor, _ CompatTool) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		SetEnv(cmd, k, m[k])
	}
	return nil
}

// WorkingDirModifier overrides the working directory
type WorkingDirModifier string

// Apply sets the command directory
func (m WorkingDirModifier) Apply(cmd *exec.Cmd, _ AppDescriptor, _ CompatTool) error {
	if _, err := os.Stat(string(m)); err != nil {
		return &PathError{Kind: "working directory", Path: string(m)}
	}
	cmd.Dir = string(m)
	SetEnv(cmd, "PWD", string(m))
	return nil
}

// SymlinkModifier points Link at Target, replacing an existing file or link
type SymlinkModifier struct {
	Target string
	Link   string
}

// Apply creates the symlink
func (m SymlinkModifier) Apply(_ *exec.Cmd, _ AppDescriptor, _ CompatTool) error {
	if err := os.MkdirAll(filepath.Dir(m.Link), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(m.Link), err)
	}

	info, err := os.Lstat(m.Link)
	switch {
	case err == nil && info.IsDir():
		return fmt.Errorf("refusing to replace directory %s with a symlink", m.Link)
	case err == nil:
		if err := os.Remove(m.Link); err != nil {
			return fmt.Errorf("failed to remove %s: %w", m.Link, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("failed to stat %s: %w", m.Link, err)
	}

	if err := os.Symlink(m.Target, m.Link); err != nil {
		return fmt.Errorf("failed to link %s: %w", m.Link, err)
	}
	return nil
}

// Modifiers applies a list of modifiers in order
type Modifiers []Modifier

// Apply runs every modifier, stopping at the first error
func (ms Modifiers) Apply(cmd *exec.Cmd, app AppDescriptor, tool CompatTool) error {
	for _, m := range ms {
		if err := m.Apply(cmd, app, tool); err != nil {
			return err
		}
	}
	return nil
}
