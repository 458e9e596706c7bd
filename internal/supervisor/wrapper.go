package supervisor

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Wrapper exit codes. The spawning parent maps them back to errors.
const (
	ExitOK          = 0
	ExitFailed      = 1
	ExitUsage       = 2
	ExitLockTimeout = 3
)

const lockRetryInterval = 50 * time.Millisecond

// WrapperArgs configures one wrapper run.
type WrapperArgs struct {
	Pidfile     string
	Report      string
	LockTimeout time.Duration
	Command     string
}

// Argv renders the arguments that ParseWrapperArgs accepts.
func (a WrapperArgs) Argv() []string {
	return []string{
		"--pidfile", a.Pidfile,
		"--report", a.Report,
		"--lock-timeout", a.LockTimeout.String(),
		"--", a.Command,
	}
}

// ParseWrapperArgs parses the wrapper command line. Everything after
// "--" is the workload command.
func ParseWrapperArgs(args []string) (WrapperArgs, error) {
	var w WrapperArgs
	fs := flag.NewFlagSet("supervise", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&w.Pidfile, "pidfile", "", "wrapper pidfile")
	fs.StringVar(&w.Report, "report", "", "append-only run report")
	fs.DurationVar(&w.LockTimeout, "lock-timeout", 5*time.Second, "pidfile lock timeout")
	if err := fs.Parse(args); err != nil {
		return w, err
	}
	w.Command = strings.TrimSpace(strings.Join(fs.Args(), " "))
	switch {
	case w.Pidfile == "":
		return w, errors.New("--pidfile is required")
	case w.Report == "":
		return w, errors.New("--report is required")
	case w.Command == "":
		return w, errors.New("no command given")
	}
	return w, nil
}

// RunWrapper is the detached side of Spawn. It locks and writes the
// pidfile, runs the command, records the workload PID in the sidecar,
// appends a report section and removes both pidfiles on exit. Returns the
// process exit code.
func RunWrapper(args WrapperArgs, log *slog.Logger) int {
	section := &Section{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Command:   args.Command,
	}
	finish := func(code int) int {
		section.Elapsed = time.Since(section.StartedAt)
		if err := AppendSection(args.Report, section); err != nil {
			log.Error("write report failed", "report", args.Report, "err", err)
		}
		return code
	}

	lock, err := lockPidfile(args.Pidfile, args.LockTimeout)
	if err != nil {
		log.Error("pidfile lock failed", "pidfile", args.Pidfile, "err", err)
		section.Err = err
		if errors.Is(err, ErrLockTimeout) {
			return finish(ExitLockTimeout)
		}
		return finish(ExitFailed)
	}
	defer func() {
		os.Remove(ProcPidfile(args.Pidfile))
		os.Remove(args.Pidfile)
		lock.Close()
	}()

	if err := writePID(lock, os.Getpid()); err != nil {
		section.Err = fmt.Errorf("write pidfile: %w", err)
		return finish(ExitFailed)
	}

	fields := strings.Fields(args.Command)
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Subscribe before the child exists so an early SIGTERM is not lost.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT)
	defer signal.Stop(sigs)

	if err := cmd.Start(); err != nil {
		section.Err = err
		return finish(ExitFailed)
	}

	if err := os.WriteFile(ProcPidfile(args.Pidfile), []byte(fmt.Sprintf("%d", cmd.Process.Pid)), 0644); err != nil {
		log.Warn("write workload pidfile failed", "err", err)
	}

	var requested atomic.Bool
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			requested.Store(true)
			log.Info("termination requested", "signal", sig.String(), "pid", cmd.Process.Pid)
			cmd.Process.Signal(unix.SIGTERM)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	section.Stdout = stdout.String()
	section.Stderr = stderr.String()
	if requested.Load() || killedByTerm(waitErr) {
		section.Terminated = true
		return finish(ExitOK)
	}
	if waitErr != nil {
		section.Err = waitErr
		return finish(ExitFailed)
	}
	return finish(ExitOK)
}

// killedByTerm reports whether the workload died of SIGTERM sent by a
// two-phase stop.
func killedByTerm(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == syscall.SIGTERM
}

// lockPidfile opens path and takes an exclusive flock, retrying until
// timeout. The returned file keeps the lock.
func lockPidfile(path string, timeout time.Duration) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open pidfile: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
			f.Close()
			return nil, fmt.Errorf("lock pidfile: %w", err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: %s held for %s", ErrLockTimeout, path, timeout)
		}
		time.Sleep(lockRetryInterval)
	}
}

func writePID(f *os.File, pid int) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", pid)), 0)
	return err
}
