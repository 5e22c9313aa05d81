// Package session owns the timestamped directory tree one orchestrated run
// writes into, and the typed save/scan operations over it.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"traind/internal/common/fsutil"
	"traind/pkg/types"
)

// The six fixed subdirectories of a session.
var subdirNames = []string{"models", "logs", "images", "configs", "results", "temp"}

const defaultPrefix = "parallel_ml"

type notFoundError struct{ path string }

func (e notFoundError) Error() string { return "artifact not found: " + e.path }

// ErrArtifactNotFound constructs the typed error returned when a save
// operation's source file does not exist.
func ErrArtifactNotFound(path string) error { return notFoundError{path: path} }

// IsArtifactNotFound reports whether err indicates a missing source artifact.
func IsArtifactNotFound(err error) bool {
	_, ok := err.(notFoundError)
	return ok
}

// Store manages one session directory tree. Immutable after Create except
// for artifact additions.
type Store struct {
	baseDir   string
	sessionID string
	dir       string
	subdirs   map[string]string
	createdAt time.Time
	log       zerolog.Logger
	now       func() time.Time
}

// NewStore constructs a Store rooted at baseDir ("output" if empty).
func NewStore(baseDir string, log zerolog.Logger) *Store {
	if baseDir == "" {
		baseDir = "output"
	}
	return &Store{baseDir: baseDir, log: log, now: time.Now}
}

// Open attaches a Store to an existing session directory so it can be
// summarized after the fact. Only subdirectories that actually exist are
// mapped.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("open session: %s is not a directory", dir)
	}
	s := &Store{
		baseDir:   filepath.Dir(dir),
		sessionID: filepath.Base(dir),
		dir:       dir,
		subdirs:   make(map[string]string),
		createdAt: fi.ModTime(),
		log:       log,
		now:       time.Now,
	}
	for _, sub := range subdirNames {
		p := filepath.Join(dir, sub)
		if fsutil.PathExists(p) {
			s.subdirs[sub] = p
		}
	}
	return s, nil
}

// Create builds the session id (name, or a default prefix, plus timestamp)
// and creates the root with its six subdirectories. Creation is idempotent:
// re-creating an existing tree is tolerated.
func (s *Store) Create(name string) (string, error) {
	prefix := name
	if prefix == "" {
		prefix = defaultPrefix
	}
	s.createdAt = s.now()
	s.sessionID = fmt.Sprintf("%s_%s", prefix, s.createdAt.Format("20060102_150405"))
	s.dir = filepath.Join(s.baseDir, s.sessionID)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	s.subdirs = make(map[string]string, len(subdirNames))
	for _, sub := range subdirNames {
		p := filepath.Join(s.dir, sub)
		if err := os.MkdirAll(p, 0o755); err != nil {
			return "", fmt.Errorf("create session subdir %s: %w", sub, err)
		}
		s.subdirs[sub] = p
	}
	s.log.Info().Str("session", s.sessionID).Str("dir", s.dir).Msg("session created")
	return s.dir, nil
}

// Path returns the subdirectory path, or a file path inside it.
func (s *Store) Path(subdir string, file ...string) (string, error) {
	p, ok := s.subdirs[subdir]
	if !ok {
		return "", fmt.Errorf("unknown session subdir: %s", subdir)
	}
	if len(file) > 0 {
		return filepath.Join(append([]string{p}, file...)...), nil
	}
	return p, nil
}

// SaveModel copies a model file into models/ under a job-scoped filename.
func (s *Store) SaveModel(src string, jobID int) (string, error) {
	return s.copyInto("models", src, fmt.Sprintf("model_job%d_%s", jobID, filepath.Base(src)))
}

// SaveConfig copies a config artifact into configs/ under a job-scoped name.
func (s *Store) SaveConfig(src string, jobID int) (string, error) {
	return s.copyInto("configs", src, fmt.Sprintf("config_job%d_%s", jobID, filepath.Base(src)))
}

// SaveImage copies an image into images/. kind tags the filename ("plot" by
// default).
func (s *Store) SaveImage(src string, jobID int, kind string) (string, error) {
	if kind == "" {
		kind = "plot"
	}
	return s.copyInto("images", src, fmt.Sprintf("%s_job%d_%s", kind, jobID, filepath.Base(src)))
}

func (s *Store) copyInto(subdir, src, name string) (string, error) {
	if !fsutil.PathExists(src) {
		return "", ErrArtifactNotFound(src)
	}
	dst, err := s.Path(subdir, name)
	if err != nil {
		return "", err
	}
	if err := fsutil.CopyFile(src, dst); err != nil {
		return "", fmt.Errorf("save %s: %w", subdir, err)
	}
	s.log.Debug().Str("artifact", dst).Msg("artifact saved")
	return dst, nil
}

// SaveLog serializes data as indented JSON into logs/.
func (s *Store) SaveLog(data any, filename string) (string, error) {
	return s.writeJSON("logs", data, filename)
}

// SaveResult serializes data as indented JSON into results/.
func (s *Store) SaveResult(data any, filename string) (string, error) {
	return s.writeJSON("results", data, filename)
}

func (s *Store) writeJSON(subdir string, data any, filename string) (string, error) {
	if filename == "" {
		filename = fmt.Sprintf("%s_%s.json", subdir, s.now().Format("20060102_150405"))
	}
	p, err := s.Path(subdir, filename)
	if err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", filename, err)
	}
	if err := os.WriteFile(p, b, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return p, nil
}

// Info describes the session.
func (s *Store) Info() types.SessionInfo {
	subs := make(map[string]string, len(s.subdirs))
	for k, v := range s.subdirs {
		subs[k] = v
	}
	return types.SessionInfo{
		SessionID: s.sessionID,
		Dir:       s.dir,
		Subdirs:   subs,
		CreatedAt: s.createdAt,
	}
}

// Summarize is a read-only scan of the session tree: file names and sizes
// per subdirectory. Safe to call at any time.
func (s *Store) Summarize() types.SessionSummary {
	files := make(map[string][]types.FileEntry)
	for name, dir := range s.subdirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		list := []types.FileEntry{}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				continue
			}
			list = append(list, types.FileEntry{
				Name:   e.Name(),
				Size:   fi.Size(),
				SizeMB: float64(fi.Size()) / (1024 * 1024),
			})
		}
		files[name] = list
	}
	return types.SessionSummary{Session: s.Info(), Files: files, CreatedAt: s.now()}
}

// WriteSummary persists the directory scan as results/session_summary.json.
func (s *Store) WriteSummary() (string, error) {
	return s.SaveResult(s.Summarize(), "session_summary.json")
}

// CleanTemp removes the temp subdirectory entirely. Errors are logged, not
// returned.
func (s *Store) CleanTemp() {
	p, err := s.Path("temp")
	if err != nil {
		return
	}
	if err := os.RemoveAll(p); err != nil {
		s.log.Error().Err(err).Msg("failed to remove session temp dir")
	}
}
