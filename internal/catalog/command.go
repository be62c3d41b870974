package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"
)

var (
	// ErrEmptyCommand is returned for blank command lines
	ErrEmptyCommand = errors.New("empty command")
	// ErrNoExecutable is returned when a command line only sets variables
	ErrNoExecutable = errors.New("no executable found in command")
)

var assignment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// cwdVar sets the working directory instead of an environment variable
const cwdVar = "CWD"

// Command is a parsed launch command line
type Command struct {
	Env        map[string]string
	Executable string
	WorkingDir string
	Args       []string
}

// ParseCommand splits a shell-style command line into leading VAR=value
// assignments, the executable and its arguments. The working directory is
// CWD when assigned, else the executable's directory when it is a path,
// else the current directory.
func ParseCommand(line string) (Command, error) {
	tokens, err := shellquote.Split(line)
	if err != nil {
		return Command{}, fmt.Errorf("failed to parse command: %w", err)
	}
	if len(tokens) == 0 {
		return Command{}, ErrEmptyCommand
	}

	cmd := Command{Env: make(map[string]string)}
	cwd := ""
	i := 0
	for ; i < len(tokens) && assignment.MatchString(tokens[i]); i++ {
		key, value, _ := strings.Cut(tokens[i], "=")
		if key == cwdVar {
			cwd = value
			continue
		}
		cmd.Env[key] = value
	}
	if i >= len(tokens) {
		return Command{}, ErrNoExecutable
	}

	cmd.Executable = tokens[i]
	cmd.Args = tokens[i+1:]

	switch {
	case cwd != "":
		cmd.WorkingDir = cwd
	case strings.Contains(cmd.Executable, "/"):
		cmd.WorkingDir = filepath.Dir(cmd.Executable)
	default:
		wd, err := os.Getwd()
		if err != nil {
			return Command{}, fmt.Errorf("failed to get current directory: %w", err)
		}
		cmd.WorkingDir = wd
	}

	return cmd, nil
}
