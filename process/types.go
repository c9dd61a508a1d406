package process

import (
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"
)

// State is the lifecycle state of a Handle.
type State int32

const (
	StateSpawning State = iota
	StateRunning
	StateExited
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Terminal reports whether s is Exited or Failed.
func (s State) Terminal() bool {
	return s == StateExited || s == StateFailed
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, v := range []State{StateSpawning, StateRunning, StateExited, StateFailed} {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown process state %q", text)
}

// Channel discriminates the stream a Chunk came from.
type Channel string

const (
	ChannelStdout Channel = "stdout"
	ChannelStderr Channel = "stderr"
	ChannelExit   Channel = "exit"
)

// Chunk is one piece of output from a process. PTY-backed processes emit
// everything on ChannelStdout.
type Chunk struct {
	SourceID string
	Channel  Channel
	Data     []byte
	ExitCode int
}

// Result is the terminal outcome of a Handle. Err is set only when the
// process could not be launched; otherwise ExitCode is meaningful. A non-zero
// exit code is data, not an error.
type Result struct {
	ExitCode int
	Err      error
}

// Launched reports whether the process was actually started.
func (r Result) Launched() bool {
	return r.Err == nil
}

// Spec describes what to run.
type Spec struct {
	// Command is a shell command line when Args is empty, or the executable
	// when Args is set. An empty Command with TTY set starts Shell itself.
	Command string
	Args    []string

	// Shell runs Command when Args is empty. Defaults to the user's shell.
	Shell string

	// LoginShell runs Command with "-lc" instead of "-c".
	LoginShell bool

	Dir string

	// Env is added to the host environment.
	Env map[string]string

	// TTY backs the process with a pseudo-terminal of Cols x Rows.
	TTY  bool
	Cols int
	Rows int

	// Term is exported as TERM for TTY processes.
	Term string
}

// String renders the spec as a shell-ish command line for logs.
func (s Spec) String() string {
	if len(s.Args) == 0 {
		if s.Command == "" {
			return s.shell()
		}
		return s.Command
	}
	var b strings.Builder
	b.WriteString(s.Command)
	for _, a := range s.Args {
		b.WriteByte(' ')
		b.WriteString(shellQuote(a))
	}
	return b.String()
}

func (s Spec) shell() string {
	if s.Shell != "" {
		return s.Shell
	}
	return UserShell()
}

func (s Spec) command() *exec.Cmd {
	var cmd *exec.Cmd
	switch {
	case len(s.Args) > 0:
		cmd = exec.Command(s.Command, s.Args...)
	case s.Command == "":
		cmd = exec.Command(s.shell())
	default:
		flag := "-c"
		if s.LoginShell {
			flag = "-lc"
		}
		cmd = exec.Command(s.shell(), flag, s.Command)
	}
	cmd.Dir = s.Dir

	env := os.Environ()
	if s.TTY && s.Term != "" {
		env = append(env, "TERM="+s.Term)
	}
	for _, k := range slices.Sorted(maps.Keys(s.Env)) {
		env = append(env, k+"="+s.Env[k])
	}
	cmd.Env = env
	return cmd
}

// Info is a point-in-time snapshot of a Handle.
type Info struct {
	ID        string     `json:"id"`
	Command   string     `json:"command"`
	Dir       string     `json:"dir,omitempty"`
	TTY       bool       `json:"tty,omitempty"`
	Cols      int        `json:"cols,omitempty"`
	Rows      int        `json:"rows,omitempty"`
	PID       int        `json:"pid,omitempty"`
	State     State      `json:"state"`
	StartedAt time.Time  `json:"started_at,omitzero"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// UserShell returns the current user's default shell, falling back to
// /bin/bash and then /bin/sh.
func UserShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	if _, err := os.Stat("/bin/bash"); err == nil {
		return "/bin/bash"
	}
	return "/bin/sh"
}

// shellQuote wraps s in single quotes for safe shell interpolation.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
