package supervisor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ProcSuffix names the sidecar holding the workload PID next to the
// wrapper pidfile.
const ProcSuffix = "_proc"

// ProcPidfile returns the sidecar path for a wrapper pidfile.
func ProcPidfile(pidfile string) string {
	return pidfile + ProcSuffix
}

// ReadPID parses the PID stored in path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d in %s", pid, path)
	}
	return pid, nil
}

// PIDAlive probes pid with signal 0. EPERM means the process exists but
// belongs to someone else, which still counts as alive.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// IsRunning reports whether the pidfile exists, parses and names a live
// process.
func IsRunning(pidfile string) bool {
	pid, err := ReadPID(pidfile)
	if err != nil {
		return false
	}
	return PIDAlive(pid)
}

// Stop sends SIGTERM to the process named by pidfile. Returns false
// without error when it is not running.
func Stop(pidfile string) (bool, error) {
	pid, err := ReadPID(pidfile)
	if err != nil || !PIDAlive(pid) {
		return false, nil
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return false, nil
		}
		return false, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return true, nil
}

// Kill sends SIGKILL to pid.
func Kill(pid int) error {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}

// RemoveStale deletes a pidfile and its sidecar when the wrapper it
// names is gone. Reports whether anything was removed.
func RemoveStale(pidfile string) (bool, error) {
	if _, err := os.Stat(pidfile); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if IsRunning(pidfile) {
		return false, nil
	}
	if err := os.Remove(pidfile); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	if err := os.Remove(ProcPidfile(pidfile)); err != nil && !os.IsNotExist(err) {
		return true, err
	}
	return true, nil
}
