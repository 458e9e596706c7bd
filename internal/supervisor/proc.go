package supervisor

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ProcInfo is a process found under /proc.
type ProcInfo struct {
	PID     int
	Cmdline string
}

// procRoot is swapped in tests.
var procRoot = "/proc"

// ListProcesses returns every process whose command line is readable.
// Kernel threads (empty cmdline) are skipped.
func ListProcesses() ([]ProcInfo, error) {
	dir, err := os.Open(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", procRoot, err)
	}
	defer dir.Close()

	entries, err := dir.Readdirnames(-1)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", procRoot, err)
	}

	var procs []ProcInfo
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry)
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(procRoot, entry, "cmdline"))
		if err != nil || len(raw) == 0 {
			continue
		}
		args := strings.Fields(string(bytes.ReplaceAll(raw, []byte{0}, []byte{' '})))
		procs = append(procs, ProcInfo{PID: pid, Cmdline: strings.Join(args, " ")})
	}
	return procs, nil
}

// FindByCmdline returns the processes whose command line contains any of
// the given substrings. The calling process is never returned.
func FindByCmdline(substrs ...string) ([]ProcInfo, error) {
	procs, err := ListProcesses()
	if err != nil {
		return nil, err
	}
	self := os.Getpid()
	var out []ProcInfo
	for _, p := range procs {
		if p.PID == self {
			continue
		}
		for _, s := range substrs {
			if s != "" && strings.Contains(p.Cmdline, s) {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}
