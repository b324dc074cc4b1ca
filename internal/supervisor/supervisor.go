// Package supervisor owns the external assistant process for exactly one
// run: spawning, pausing, resuming, terminating, and streaming its output.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/agentdock/agentdock/internal/domain"
	"github.com/agentdock/agentdock/internal/domain/agentrun"
)

// Outcome is the terminal report for a supervised process, delivered on
// Done() exactly once.
type Outcome struct {
	Success bool
	Summary string
	Err     error
}

// Config describes how to spawn the assistant process.
type Config struct {
	Command string   // executable, e.g. "claude"
	Args    []string // fixed arguments; the prompt is appended last
	Dir     string   // working directory (the run's workspace)
	Env     []string // extra environment entries, appended to os.Environ
	Log     *slog.Logger

	// RemoveDir removes Dir on exit. Set when Dir is a per-run temporary
	// workspace owned by this supervisor.
	RemoveDir bool
}

// Supervisor wraps one running assistant process. All control methods are
// safe for concurrent use with the streaming goroutines.
type Supervisor struct {
	cfg  Config
	cmd  *exec.Cmd
	pgid int

	updates chan Update
	done    chan Outcome
	exited  chan struct{}

	mu         sync.Mutex
	lastResult *Update // most recent result-kind update, if any
	reportOnce sync.Once
}

// Start spawns the assistant process and begins streaming its output.
// The prompt is passed as the final command argument.
func Start(cfg Config, prompt string) (*Supervisor, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	cmd := exec.Command(cfg.Command, append(append([]string{}, cfg.Args...), prompt)...) //nolint:gosec // command comes from operator config
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	// Own process group so suspend/terminate signals reach children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", domain.ErrSupervisor)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", domain.ErrSupervisor)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %v: %w", cfg.Command, err, domain.ErrSupervisor)
	}

	s := &Supervisor{
		cfg:     cfg,
		cmd:     cmd,
		pgid:    cmd.Process.Pid,
		updates: make(chan Update, 64),
		done:    make(chan Outcome, 1),
		exited:  make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go s.scan(stdout, &wg, false)
	go s.scan(stderr, &wg, true)

	go func() {
		wg.Wait()
		waitErr := cmd.Wait()
		close(s.updates)
		s.report(waitErr)
		s.cleanup()
		close(s.exited)
	}()

	return s, nil
}

// Updates delivers parsed stream events. The channel is closed once the
// process's output is exhausted.
func (s *Supervisor) Updates() <-chan Update { return s.updates }

// Done delivers the terminal outcome exactly once.
func (s *Supervisor) Done() <-chan Outcome { return s.done }

// PID returns the process ID of the supervised process.
func (s *Supervisor) PID() int { return s.pgid }

// Suspend stops the process group without killing it.
func (s *Supervisor) Suspend() error {
	if err := s.signal(syscall.SIGSTOP); err != nil {
		return fmt.Errorf("suspend pid %d: %v: %w", s.pgid, err, domain.ErrSupervisor)
	}
	return nil
}

// Resume continues a suspended process group.
func (s *Supervisor) Resume() error {
	if err := s.signal(syscall.SIGCONT); err != nil {
		return fmt.Errorf("resume pid %d: %v: %w", s.pgid, err, domain.ErrSupervisor)
	}
	return nil
}

// Terminate asks the process to exit and escalates to SIGKILL after the
// grace period. A process that was suspended is resumed first so it can
// observe the termination signal.
func (s *Supervisor) Terminate(grace time.Duration) error {
	select {
	case <-s.exited:
		return nil
	default:
	}

	_ = s.signal(syscall.SIGCONT)
	if err := s.signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			// Already gone; wait for the waiter to finish cleanup.
			<-s.exited
			return nil
		}
		return fmt.Errorf("terminate pid %d: %v: %w", s.pgid, err, domain.ErrSupervisor)
	}

	select {
	case <-s.exited:
		return nil
	case <-time.After(grace):
	}

	s.cfg.Log.Warn("process ignored SIGTERM, killing", "pid", s.pgid)
	if err := s.signal(syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			<-s.exited
			return nil
		}
		return fmt.Errorf("kill pid %d: %v: %w", s.pgid, err, domain.ErrSupervisor)
	}

	select {
	case <-s.exited:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("pid %d did not exit after SIGKILL: %w", s.pgid, domain.ErrSupervisor)
	}
}

func (s *Supervisor) signal(sig syscall.Signal) error {
	// Negative pid addresses the whole process group.
	return syscall.Kill(-s.pgid, sig)
}

// scan reads one output stream line by line, forwarding parsed updates.
// Stderr lines are surfaced as warn-level log entries verbatim.
func (s *Supervisor) scan(r io.Reader, wg *sync.WaitGroup, isStderr bool) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	// Long JSON lines: grow beyond the default 64K token limit.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var u Update
		if isStderr {
			u = rawLog(agentrun.LogWarn, line)
		} else {
			u = ParseLine(line)
		}

		if u.Kind == UpdateResult {
			s.mu.Lock()
			cp := u
			s.lastResult = &cp
			s.mu.Unlock()
		}
		s.updates <- u
	}
	if err := scanner.Err(); err != nil {
		s.cfg.Log.Warn("output scan aborted", "pid", s.pgid, "error", err)
	}
}

// report delivers the terminal outcome. The process's own result line wins
// for the summary; the exit code decides success when no result was seen.
func (s *Supervisor) report(waitErr error) {
	s.reportOnce.Do(func() {
		s.mu.Lock()
		result := s.lastResult
		s.mu.Unlock()

		var out Outcome
		switch {
		case waitErr != nil:
			out = Outcome{Success: false, Err: waitErr}
			if result != nil {
				out.Summary = result.Summary
			}
		case result != nil:
			out = Outcome{Success: result.Success, Summary: result.Summary}
			if !result.Success {
				out.Err = fmt.Errorf("assistant reported failure: %s", result.Summary)
			}
		default:
			out = Outcome{Success: true}
		}
		s.done <- out
	})
}

// cleanup releases per-run resources on every exit path.
func (s *Supervisor) cleanup() {
	if s.cfg.RemoveDir && s.cfg.Dir != "" {
		if err := os.RemoveAll(s.cfg.Dir); err != nil {
			s.cfg.Log.Warn("workspace cleanup failed", "dir", s.cfg.Dir, "error", err)
		}
	}
}
