package tasklog

import (
	"bufio"
	"os"
	"path/filepath"
)

// BuildLogName is the full-fidelity log written next to a graph's artifacts
const BuildLogName = "build.log"

// FileLog appends raw process output to a file on disk. Unlike the task's stored logs it is never
// capped.
type FileLog struct {
	f *os.File
	w *bufio.Writer
}

// OpenFileLog opens (or creates) dir/build.log for appending
func OpenFileLog(dir string) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, BuildLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileLog{f: f, w: bufio.NewWriter(f)}, nil
}

func (l *FileLog) WriteLine(line string) error {
	if _, err := l.w.WriteString(line); err != nil {
		return err
	}
	return l.w.WriteByte('\n')
}

func (l *FileLog) Close() error {
	flushErr := l.w.Flush()
	if err := l.f.Close(); err != nil {
		return err
	}
	return flushErr
}
