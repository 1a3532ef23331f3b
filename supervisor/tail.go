package supervisor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const tailPollInterval = 50 * time.Millisecond

// logFiles are the per-task output files of a global run. The child writes
// to them directly so it keeps running after this instance exits.
type logFiles struct {
	stdout *os.File
	stderr *os.File

	stdoutOffset int64
	stderrOffset int64
}

// openLogFiles opens <dir>/<name>-stdout.log and <dir>/<name>-stderr.log
// for appending and remembers where this run's output starts
func openLogFiles(dir, name string) (*logFiles, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	stdoutPath := filepath.Join(dir, fmt.Sprintf("%s-stdout.log", name))
	stderrPath := filepath.Join(dir, fmt.Sprintf("%s-stderr.log", name))

	lf := &logFiles{}
	var err error
	lf.stdout, lf.stdoutOffset, err = openAppend(stdoutPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout log file: %w", err)
	}

	lf.stderr, lf.stderrOffset, err = openAppend(stderrPath)
	if err != nil {
		lf.stdout.Close()
		return nil, fmt.Errorf("failed to open stderr log file: %w", err)
	}

	return lf, nil
}

func openAppend(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, 0, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, stat.Size(), nil
}

// close releases this instance's copies of the files
func (lf *logFiles) close() {
	if lf == nil {
		return
	}
	if lf.stdout != nil {
		lf.stdout.Close()
		lf.stdout = nil
	}
	if lf.stderr != nil {
		lf.stderr.Close()
		lf.stderr = nil
	}
}

// follow copies everything appended to path after offset into w. Once stop
// is closed it drains what is left and returns.
func follow(path string, offset int64, w io.Writer, stop <-chan struct{}) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return
	}

	buf := make([]byte, 4096)
	stopping := false
	for {
		n, err := f.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			continue
		}
		if err != nil && err != io.EOF {
			return
		}
		if stopping {
			return
		}

		select {
		case <-stop:
			stopping = true
		case <-time.After(tailPollInterval):
		}
	}
}
