package pipeline

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Artifact file names inside a run's output directory.
const (
	IssueSnapshotFile      = "issue-snapshot.json"
	IssueUnderstandingFile = "issue-understanding.md"
	CodeInvestigationFile  = "code-investigation.md"
	ExecutionPlanFile      = "execution-plan.md"
	ReportJSONFile         = "analysis-report.json"
	ReportMarkdownFile     = "analysis-report.md"
	TraceFile              = "analysis-trace.json"
)

// PersistenceError is a failed artifact write.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistenceError reports whether err is or wraps a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// folderTimestamp formats t as YYYYMMDD-HHMMSS in local time.
func folderTimestamp(t time.Time) string {
	return t.Local().Format("20060102-150405")
}

// createRunOutputDir creates <base>/<owner>__<repo>/issue-<n>/<timestamp>.
// A numeric suffix is added when a run for the same issue started within
// the same second.
func createRunOutputDir(base, repository string, issueNumber int, now time.Time) (string, error) {
	safeRepo := strings.Replace(repository, "/", "__", 1)
	parent := filepath.Join(base, safeRepo, fmt.Sprintf("issue-%d", issueNumber))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", &PersistenceError{Path: parent, Err: err}
	}

	stamp := folderTimestamp(now)
	for i := 1; i <= 100; i++ {
		name := stamp
		if i > 1 {
			name = fmt.Sprintf("%s-%d", stamp, i)
		}
		dir := filepath.Join(parent, name)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", &PersistenceError{Path: dir, Err: err}
		}
	}
	return "", &PersistenceError{Path: filepath.Join(parent, stamp), Err: errors.New("too many runs in the same second")}
}

// AtomicWrite writes data to path so readers never observe a partial file:
// the bytes go to a sibling temp file that is synced and then renamed over
// path. Failures are returned as *PersistenceError.
func AtomicWrite(path string, data []byte) error {
	if err := atomicWrite(path, data); err != nil {
		return &PersistenceError{Path: path, Err: err}
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpPath, err := tempPath(path)
	if err != nil {
		return err
	}
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	ok = true
	syncDir(dir)
	return nil
}

// AtomicWriteJSON writes v as indented JSON with a trailing newline.
func AtomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &PersistenceError{Path: path, Err: fmt.Errorf("marshal JSON: %w", err)}
	}
	return AtomicWrite(path, append(data, '\n'))
}

// tempPath returns .<base>.tmp.<pid>.<rand> next to path.
func tempPath(path string) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate temp suffix: %w", err)
	}
	name := fmt.Sprintf(".%s.tmp.%d.%s", filepath.Base(path), os.Getpid(), hex.EncodeToString(b))
	return filepath.Join(filepath.Dir(path), name), nil
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
