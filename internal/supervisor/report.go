package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	sectionMarker = "==> Run "
	successLine   = "Successfully completed."
	failurePrefix = "Job failed with an error: "
	terminated    = "Terminated on request."
)

// Section is one run's entry in an append-only report file.
type Section struct {
	RunID     string
	StartedAt time.Time
	Elapsed   time.Duration
	Command   string
	// Err is the launch or exit error; nil means success.
	Err error
	// Terminated marks a run stopped by SIGTERM to the wrapper.
	Terminated bool
	Stdout     string
	Stderr     string
}

// WriteTo renders the section.
func (s *Section) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%s started at %s\n", sectionMarker, s.RunID, s.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Elapsed time: %s\n", s.Elapsed.Round(time.Millisecond))
	b.WriteString("Your job looked like:\n")
	b.WriteString(s.Command + "\n")
	switch {
	case s.Terminated:
		b.WriteString(terminated + "\n")
	case s.Err != nil:
		b.WriteString(failurePrefix + s.Err.Error() + ".\n")
	default:
		b.WriteString(successLine + "\n")
	}
	b.WriteString("Process output was:\n")
	b.WriteString(ensureNewline(s.Stdout))
	b.WriteString("Process stderror was:\n")
	b.WriteString(ensureNewline(s.Stderr))
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// AppendSection appends s to the report at path, creating it if needed.
func AppendSection(path string, s *Section) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open report: %w", err)
	}
	if _, err := s.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	return f.Close()
}

// reportSize returns the current size of the report, 0 if absent.
func reportSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// FailureSince scans the report from offset and returns the first
// recorded run failure, or "" when none was written.
func FailureSince(path string, offset int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, failurePrefix) {
			return strings.TrimSuffix(strings.TrimPrefix(line, failurePrefix), "."), nil
		}
	}
	return "", sc.Err()
}
