// Package supervisor runs hypervisor commands as detached background
// processes tracked through pidfiles.
//
// Each workload runs under a wrapper: the picostk binary re-executed in
// its own session. The wrapper PID goes into the pidfile, the workload
// PID into the "_proc" sidecar next to it, and the wrapper appends a
// report section to the instance log once the workload exits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrAlreadyRunning means the pidfile exists before spawn or is
	// claimed by another live wrapper while spawn waits.
	ErrAlreadyRunning = errors.New("pidfile already exists")

	// ErrLockTimeout means another process held the pidfile lock.
	ErrLockTimeout = errors.New("pidfile lock timeout")

	// ErrSpawnTimeout means the wrapper did not come up within the poll budget.
	ErrSpawnTimeout = errors.New("spawn timed out")

	// ErrSpawnFailed means the wrapper exited or the workload failed
	// while spawn was still polling.
	ErrSpawnFailed = errors.New("spawn failed")
)

// Options configures a Supervisor.
type Options struct {
	// Executable is the binary started as the wrapper. Defaults to the
	// running executable.
	Executable string

	// Args select the wrapper entry point and precede the wrapper flags.
	// Defaults to {"supervise"}.
	Args []string

	// Env is appended to the inherited environment of the wrapper.
	Env []string

	SpawnTries   int
	PollInterval time.Duration
	LockTimeout  time.Duration

	// StopTimeout bounds the wait for the wrapper to exit after SIGTERM
	// before it is killed.
	StopTimeout time.Duration

	Logger *slog.Logger
}

// Supervisor spawns and stops wrapped processes.
type Supervisor struct {
	opts Options
	log  *slog.Logger
}

// Process is a spawned wrapper and its workload.
type Process struct {
	Pidfile  string
	Report   string
	PID      int
	InnerPID int

	sup *Supervisor
}

// New creates a Supervisor, filling unset options with defaults.
func New(opts Options) (*Supervisor, error) {
	if opts.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		opts.Executable = exe
	}
	if opts.Args == nil {
		opts.Args = []string{"supervise"}
	}
	if opts.SpawnTries <= 0 {
		opts.SpawnTries = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{opts: opts, log: opts.Logger}, nil
}

// IsRunning reports whether the wrapper named by pidfile is alive.
func (s *Supervisor) IsRunning(pidfile string) bool {
	return IsRunning(pidfile)
}

// Stop sends SIGTERM to the process named by pidfile.
func (s *Supervisor) Stop(pidfile string) (bool, error) {
	return Stop(pidfile)
}

// Kill sends SIGKILL to pid.
func (s *Supervisor) Kill(pid int) error {
	return Kill(pid)
}

// RemoveStale deletes pidfiles left behind by a dead wrapper.
func (s *Supervisor) RemoveStale(pidfile string) (bool, error) {
	return RemoveStale(pidfile)
}

// Spawn starts command under a detached wrapper and waits until the
// wrapper has locked and written pidfile, recorded the workload PID and
// opened the report without logging a failure.
func (s *Supervisor) Spawn(ctx context.Context, command, reportPath, pidfilePath string) (*Process, error) {
	if _, err := os.Stat(pidfilePath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, pidfilePath)
	}

	offset := reportSize(reportPath)
	logf, err := os.OpenFile(reportPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open report: %w", err)
	}
	defer logf.Close()

	wargs := WrapperArgs{
		Pidfile:     pidfilePath,
		Report:      reportPath,
		LockTimeout: s.opts.LockTimeout,
		Command:     command,
	}
	cmd := exec.Command(s.opts.Executable, append(append([]string(nil), s.opts.Args...), wargs.Argv()...)...)
	cmd.Env = append(os.Environ(), s.opts.Env...)
	// Wrapper diagnostics land in the report.
	cmd.Stdout = logf
	cmd.Stderr = logf
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start wrapper: %w", err)
	}
	wrapperPID := cmd.Process.Pid
	s.log.Debug("wrapper started", "pid", wrapperPID, "pidfile", pidfilePath)

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	for try := 0; ; try++ {
		p, err := s.spawned(wrapperPID, pidfilePath, reportPath, offset)
		if err != nil {
			// Our wrapper is still waiting for the lock the other one holds.
			cmd.Process.Kill()
			<-exited
			return nil, err
		}
		if p != nil {
			p.sup = s
			return p, nil
		}

		select {
		case werr := <-exited:
			return nil, s.wrapperExited(werr, pidfilePath, reportPath, offset)
		default:
		}

		if try >= s.opts.SpawnTries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case werr := <-exited:
			return nil, s.wrapperExited(werr, pidfilePath, reportPath, offset)
		case <-time.After(s.opts.PollInterval):
		}
	}
	return nil, fmt.Errorf("%w: %s not ready after %d tries", ErrSpawnTimeout, pidfilePath, s.opts.SpawnTries)
}

// spawned returns the process once wrapperPID owns pidfile and is ready,
// nil while it is still coming up, and ErrAlreadyRunning when another
// live wrapper won the pidfile.
func (s *Supervisor) spawned(wrapperPID int, pidfile, report string, offset int64) (*Process, error) {
	pid, err := ReadPID(pidfile)
	if err != nil || !PIDAlive(pid) {
		return nil, nil
	}
	if pid != wrapperPID {
		return nil, fmt.Errorf("%w: %s held by pid %d", ErrAlreadyRunning, pidfile, pid)
	}
	inner, err := ReadPID(ProcPidfile(pidfile))
	if err != nil {
		return nil, nil
	}
	if _, err := os.Stat(report); err != nil {
		return nil, nil
	}
	if msg, err := FailureSince(report, offset); err != nil || msg != "" {
		return nil, nil
	}
	return &Process{Pidfile: pidfile, Report: report, PID: pid, InnerPID: inner}, nil
}

func (s *Supervisor) wrapperExited(werr error, pidfile, report string, offset int64) error {
	var exitErr *exec.ExitError
	if errors.As(werr, &exitErr) && exitErr.ExitCode() == ExitLockTimeout {
		if pid, err := ReadPID(pidfile); err == nil && PIDAlive(pid) {
			return fmt.Errorf("%w: %w: %s held by pid %d", ErrAlreadyRunning, ErrLockTimeout, pidfile, pid)
		}
		return ErrLockTimeout
	}
	msg, _ := FailureSince(report, offset)
	if msg == "" {
		msg = "wrapper exited early"
		if werr != nil {
			msg = werr.Error()
		}
	}
	return fmt.Errorf("%w: %s", ErrSpawnFailed, msg)
}

// TerminateResult describes a two-phase stop.
type TerminateResult struct {
	InnerStopped bool
	OuterStopped bool
	Killed       bool
}

// Terminate stops the workload, then the wrapper, removes the sidecar
// and waits for the wrapper to go away. A workload that is already gone
// while the wrapper still answers is logged as a warning.
func (s *Supervisor) Terminate(ctx context.Context, pidfile string) (TerminateResult, error) {
	var res TerminateResult
	sidecar := ProcPidfile(pidfile)

	inner, innerErr := Stop(sidecar)
	res.InnerStopped = inner
	outerPID, _ := ReadPID(pidfile)
	outer, outerErr := Stop(pidfile)
	res.OuterStopped = outer

	if outerErr != nil {
		return res, fmt.Errorf("stop wrapper: %w", outerErr)
	}
	if !inner && outer {
		s.log.Warn("workload was not running, wrapper stopped", "pidfile", pidfile, "err", innerErr)
	} else if innerErr != nil {
		s.log.Warn("stop workload failed", "pidfile", sidecar, "err", innerErr)
	}

	if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
		s.log.Warn("remove workload pidfile failed", "path", sidecar, "err", err)
	}

	// The wrapper exits on its own once the workload is gone, so wait
	// for it even when it was not signalled here.
	if outerPID > 0 {
		killed, err := s.awaitExit(ctx, outerPID)
		res.Killed = killed
		if err != nil {
			return res, err
		}
	}

	if _, err := RemoveStale(pidfile); err != nil {
		return res, fmt.Errorf("remove pidfile: %w", err)
	}
	return res, nil
}

// awaitExit polls until pid is gone, killing it after StopTimeout.
func (s *Supervisor) awaitExit(ctx context.Context, pid int) (bool, error) {
	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	killed := false
	for PIDAlive(pid) {
		select {
		case <-ctx.Done():
			return killed, ctx.Err()
		case <-timer.C:
			if killed {
				return true, fmt.Errorf("wrapper pid %d survived SIGKILL", pid)
			}
			s.log.Warn("wrapper did not exit, killing", "pid", pid)
			if err := Kill(pid); err != nil && !errors.Is(err, unix.ESRCH) {
				return false, err
			}
			killed = true
			timer.Reset(time.Second)
		case <-tick.C:
		}
	}
	return killed, nil
}

// Terminate stops the process. See Supervisor.Terminate.
func (p *Process) Terminate(ctx context.Context) (TerminateResult, error) {
	return p.sup.Terminate(ctx, p.Pidfile)
}

// Running reports whether the wrapper is alive.
func (p *Process) Running() bool {
	return PIDAlive(p.PID)
}
