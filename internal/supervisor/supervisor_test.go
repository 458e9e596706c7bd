package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const wrapperEnv = "PICOSTACK_TEST_WRAPPER"

// TestMain lets the test binary act as the wrapper when re-executed by
// Spawn.
func TestMain(m *testing.M) {
	switch os.Getenv(wrapperEnv) {
	case "run":
		args, err := ParseWrapperArgs(os.Args[1:])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(ExitUsage)
		}
		os.Exit(RunWrapper(args, slog.New(slog.NewTextHandler(os.Stderr, nil))))
	case "hang":
		time.Sleep(2 * time.Second)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func newTestSupervisor(t *testing.T, mode string) *Supervisor {
	t.Helper()
	s, err := New(Options{
		Executable:   os.Args[0],
		Args:         []string{},
		Env:          []string{wrapperEnv + "=" + mode},
		SpawnTries:   40,
		PollInterval: 50 * time.Millisecond,
		LockTimeout:  500 * time.Millisecond,
		StopTimeout:  2 * time.Second,
		Logger:       slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	require.NoError(t, err)
	return s
}

func paths(t *testing.T) (pidfile, report string) {
	dir := t.TempDir()
	return filepath.Join(dir, "vm.pid"), filepath.Join(dir, "vm.log")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 20*time.Millisecond)
}

func TestWrapperArgsRoundTrip(t *testing.T) {
	in := WrapperArgs{
		Pidfile:     "/s/pidfiles/vm.pid",
		Report:      "/s/logs/vm.log",
		LockTimeout: 3 * time.Second,
		Command:     "/usr/bin/kvm -m 512 -hda /s/disks/vm.dsk",
	}
	out, err := ParseWrapperArgs(in.Argv())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseWrapperArgsRequiresCommand(t *testing.T) {
	_, err := ParseWrapperArgs([]string{"--pidfile", "/p", "--report", "/r"})
	assert.Error(t, err)

	_, err = ParseWrapperArgs([]string{"--report", "/r", "--", "sleep", "1"})
	assert.Error(t, err)
}

func TestSpawnAndTerminate(t *testing.T) {
	s := newTestSupervisor(t, "run")
	pidfile, report := paths(t)

	p, err := s.Spawn(context.Background(), "sleep 30", report, pidfile)
	require.NoError(t, err)

	assert.True(t, s.IsRunning(pidfile))
	assert.True(t, IsRunning(ProcPidfile(pidfile)))
	assert.NotEqual(t, p.PID, p.InnerPID)
	assert.True(t, p.Running())

	res, err := p.Terminate(context.Background())
	require.NoError(t, err)
	assert.True(t, res.InnerStopped)
	assert.False(t, res.Killed)

	assert.NoFileExists(t, pidfile)
	assert.NoFileExists(t, ProcPidfile(pidfile))
	waitFor(t, func() bool { return !PIDAlive(p.InnerPID) })

	data, err := os.ReadFile(report)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Your job looked like:\nsleep 30\n")
	assert.Contains(t, string(data), "Terminated on request.")
	assert.Contains(t, string(data), "Process stderror was:")
}

func TestSpawnRejectsExistingPidfile(t *testing.T) {
	s := newTestSupervisor(t, "run")
	pidfile, report := paths(t)
	require.NoError(t, os.WriteFile(pidfile, []byte("1\n"), 0644))

	_, err := s.Spawn(context.Background(), "sleep 30", report, pidfile)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestConcurrentSpawnOnePidfile(t *testing.T) {
	s := newTestSupervisor(t, "run")
	pidfile, report := paths(t)

	var (
		wg    sync.WaitGroup
		procs [2]*Process
		errs  [2]error
	)
	for i := range procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			procs[i], errs[i] = s.Spawn(context.Background(), "sleep 30", report, pidfile)
		}()
	}
	wg.Wait()

	winner, loser := 0, 1
	if errs[0] != nil {
		winner, loser = 1, 0
	}
	require.NoError(t, errs[winner])
	require.ErrorIs(t, errs[loser], ErrAlreadyRunning)
	assert.Nil(t, procs[loser])

	pid, err := ReadPID(pidfile)
	require.NoError(t, err)
	assert.Equal(t, procs[winner].PID, pid)

	_, err = procs[winner].Terminate(context.Background())
	require.NoError(t, err)
}

func TestWrapperRemovesSidecarOnExit(t *testing.T) {
	s := newTestSupervisor(t, "run")
	pidfile, report := paths(t)

	p, err := s.Spawn(context.Background(), "sleep 1", report, pidfile)
	require.NoError(t, err)
	assert.FileExists(t, ProcPidfile(pidfile))

	waitFor(t, func() bool { return !p.Running() })
	assert.NoFileExists(t, pidfile)
	assert.NoFileExists(t, ProcPidfile(pidfile))
}

func TestSpawnCommandFailsToStart(t *testing.T) {
	s := newTestSupervisor(t, "run")
	pidfile, report := paths(t)

	_, err := s.Spawn(context.Background(), "/nonexistent/kvm -m 512", report, pidfile)
	require.ErrorIs(t, err, ErrSpawnFailed)

	msg, err := FailureSince(report, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, msg)
	assert.NoFileExists(t, pidfile)
}

func TestSpawnTimeout(t *testing.T) {
	s := newTestSupervisor(t, "hang")
	s.opts.SpawnTries = 2
	pidfile, report := paths(t)

	_, err := s.Spawn(context.Background(), "sleep 30", report, pidfile)
	assert.ErrorIs(t, err, ErrSpawnTimeout)
}

func TestSpawnLockTimeout(t *testing.T) {
	pidfile, report := paths(t)

	holder, err := os.OpenFile(pidfile, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	defer holder.Close()
	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_EX|unix.LOCK_NB))

	code := RunWrapper(WrapperArgs{
		Pidfile:     pidfile,
		Report:      report,
		LockTimeout: 200 * time.Millisecond,
		Command:     "sleep 30",
	}, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	assert.Equal(t, ExitLockTimeout, code)

	msg, err := FailureSince(report, 0)
	require.NoError(t, err)
	assert.Contains(t, msg, "lock timeout")
}

func TestTerminateAfterWrapperKilled(t *testing.T) {
	s := newTestSupervisor(t, "run")
	pidfile, report := paths(t)

	p, err := s.Spawn(context.Background(), "sleep 30", report, pidfile)
	require.NoError(t, err)

	require.NoError(t, Kill(p.PID))
	waitFor(t, func() bool { return !s.IsRunning(pidfile) })

	// The workload outlives its wrapper until terminated.
	assert.True(t, PIDAlive(p.InnerPID))

	res, err := s.Terminate(context.Background(), pidfile)
	require.NoError(t, err)
	assert.True(t, res.InnerStopped)
	assert.False(t, res.OuterStopped)
	assert.NoFileExists(t, pidfile)
	assert.NoFileExists(t, ProcPidfile(pidfile))
}

func TestIsRunning(t *testing.T) {
	dir := t.TempDir()

	self := filepath.Join(dir, "self.pid")
	require.NoError(t, os.WriteFile(self, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644))
	assert.True(t, IsRunning(self))

	garbage := filepath.Join(dir, "garbage.pid")
	require.NoError(t, os.WriteFile(garbage, []byte("not-a-pid"), 0644))
	assert.False(t, IsRunning(garbage))

	assert.False(t, IsRunning(filepath.Join(dir, "missing.pid")))

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	dead := filepath.Join(dir, "dead.pid")
	require.NoError(t, os.WriteFile(dead, []byte(fmt.Sprintf("%d", cmd.Process.Pid)), 0644))
	assert.False(t, IsRunning(dead))
}

func TestStopNotRunningIsNoop(t *testing.T) {
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "vm.pid")

	stopped, err := Stop(pidfile)
	require.NoError(t, err)
	assert.False(t, stopped)

	stopped, err = Stop(pidfile)
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestRemoveStale(t *testing.T) {
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "vm.pid")

	removed, err := RemoveStale(pidfile)
	require.NoError(t, err)
	assert.False(t, removed)

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	require.NoError(t, os.WriteFile(pidfile, []byte(fmt.Sprintf("%d", cmd.Process.Pid)), 0644))
	require.NoError(t, os.WriteFile(ProcPidfile(pidfile), []byte("1"), 0644))

	removed, err = RemoveStale(pidfile)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoFileExists(t, pidfile)
	assert.NoFileExists(t, ProcPidfile(pidfile))

	live := filepath.Join(dir, "live.pid")
	require.NoError(t, os.WriteFile(live, []byte(fmt.Sprintf("%d", os.Getpid())), 0644))
	removed, err = RemoveStale(live)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.FileExists(t, live)
}

func TestFailureSinceOffset(t *testing.T) {
	report := filepath.Join(t.TempDir(), "vm.log")

	require.NoError(t, AppendSection(report, &Section{
		RunID: "first", StartedAt: time.Now(), Command: "kvm", Err: fmt.Errorf("exit status 1"),
	}))
	offset := reportSize(report)
	require.NoError(t, AppendSection(report, &Section{
		RunID: "second", StartedAt: time.Now(), Command: "kvm", Stdout: "booted",
	}))

	msg, err := FailureSince(report, 0)
	require.NoError(t, err)
	assert.Equal(t, "exit status 1", msg)

	msg, err = FailureSince(report, offset)
	require.NoError(t, err)
	assert.Empty(t, msg)

	data, _ := os.ReadFile(report)
	assert.Equal(t, 2, strings.Count(string(data), "==> Run "))
	assert.Contains(t, string(data), "Successfully completed.")
}

func TestFindByCmdline(t *testing.T) {
	root := t.TempDir()
	write := func(pid, cmdline string) {
		require.NoError(t, os.MkdirAll(filepath.Join(root, pid), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(root, pid, "cmdline"), []byte(cmdline), 0644))
	}
	write("100", "/usr/bin/kvm\x00-m\x00512\x00-hda\x00/s/disks/a.dsk\x00")
	write("101", "/usr/bin/kvm\x00-hda\x00/s/disks/b.dsk\x00")
	write("102", "")
	write("self", "ignored")

	old := procRoot
	procRoot = root
	t.Cleanup(func() { procRoot = old })

	procs, err := ListProcesses()
	require.NoError(t, err)
	assert.Len(t, procs, 2)

	found, err := FindByCmdline("/s/disks/a.dsk", "/s/disks/missing.dsk")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, 100, found[0].PID)
	assert.Equal(t, "/usr/bin/kvm -m 512 -hda /s/disks/a.dsk", found[0].Cmdline)
}
