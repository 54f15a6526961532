package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"

	"github.com/guseggert/procmux/protocol"
)

// LaunchError is returned when a process cannot be started, e.g. the executable does not exist,
// is not executable, or the working directory is invalid.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %q: %s", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Child is a running process whose stdout and stderr can be drained independently of waiting on it.
type Child struct {
	cmd *exec.Cmd

	stdout *os.File
	stderr *os.File

	// exited is closed once the process has been reaped, after which its pid may be reused.
	exited   chan struct{}
	killOnce sync.Once
}

// StartChild launches the process described by req.
// The environment is the agent's own environment overlaid with req.Env.
func StartChild(req protocol.SpawnRequest) (*Child, error) {
	cmd := exec.Command(req.Path, req.Args...)
	cmd.Dir = req.Cwd
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(req.Env)...)
	}
	// own process group, so that killing the child also kills anything it spawned
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()

	// the child has its own copies of the write ends now
	stdoutW.Close()
	stderrW.Close()

	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, &LaunchError{Path: req.Path, Err: err}
	}

	return &Child{
		cmd:    cmd,
		stdout: stdoutR,
		stderr: stderrR,
		exited: make(chan struct{}),
	}, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}

func (c *Child) Pid() int {
	return c.cmd.Process.Pid
}

// Stdout returns the read end of the process's stdout. Closing it stops further reads.
func (c *Child) Stdout() io.ReadCloser {
	return c.stdout
}

// Stderr returns the read end of the process's stderr. Closing it stops further reads.
func (c *Child) Stderr() io.ReadCloser {
	return c.stderr
}

// Wait blocks until the process exits and returns its exit code, or protocol.ExitCodeAbnormal if it
// has none (e.g. it was killed by a signal). It must be called exactly once.
func (c *Child) Wait() int32 {
	err := c.cmd.Wait()
	close(c.exited)

	state := c.cmd.ProcessState
	if state == nil {
		return protocol.ExitCodeAbnormal
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return protocol.ExitCodeAbnormal
		}
	}
	code := state.ExitCode()
	if code < 0 {
		return protocol.ExitCodeAbnormal
	}
	return int32(code)
}

// Kill forcibly terminates the process group and closes the output pipes, which unblocks any
// pending reads. It is safe to call more than once and after the process has exited.
func (c *Child) Kill() {
	c.killOnce.Do(func() {
		// the group outlives its leader while any member is still running
		err := syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
		if err != nil {
			select {
			case <-c.exited:
			default:
				_ = c.cmd.Process.Kill()
			}
		}
		c.stdout.Close()
		c.stderr.Close()
	})
}
