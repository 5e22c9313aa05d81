package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(t.TempDir(), zerolog.Nop())
	s.now = func() time.Time { return time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC) }
	return s
}

func created(t *testing.T, s *Store, name string) string {
	t.Helper()
	dir, err := s.Create(name)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return dir
}

func TestCreateBuildsSixSubdirs(t *testing.T) {
	s := newTestStore(t)
	dir := created(t, s, "")
	if !strings.HasSuffix(filepath.Base(dir), "_20260314_150926") {
		t.Fatalf("missing timestamp in session id: %s", dir)
	}
	if !strings.HasPrefix(filepath.Base(dir), "parallel_ml_") {
		t.Fatalf("missing default prefix: %s", dir)
	}
	for _, sub := range []string{"models", "logs", "images", "configs", "results", "temp"} {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err != nil || !fi.IsDir() {
			t.Fatalf("subdir %s missing: %v", sub, err)
		}
	}
}

func TestCreateTwiceSameNameSameTimestamp(t *testing.T) {
	s := newTestStore(t)
	d1 := created(t, s, "exp")
	d2 := created(t, s, "exp") // identical id; re-creation must be tolerated
	if d1 != d2 {
		t.Fatalf("expected identical dirs, got %q and %q", d1, d2)
	}
}

func TestSaveModelJobScopedName(t *testing.T) {
	s := newTestStore(t)
	created(t, s, "exp")
	src := filepath.Join(t.TempDir(), "best_model.keras")
	if err := os.WriteFile(src, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	dst, err := s.SaveModel(src, 2)
	if err != nil {
		t.Fatalf("save model: %v", err)
	}
	if filepath.Base(dst) != "model_job2_best_model.keras" {
		t.Fatalf("unexpected artifact name: %s", dst)
	}
	b, _ := os.ReadFile(dst)
	if string(b) != "weights" {
		t.Fatalf("artifact content mismatch: %q", b)
	}
}

func TestSaveMissingSourceIsTypedError(t *testing.T) {
	s := newTestStore(t)
	created(t, s, "exp")
	_, err := s.SaveModel(filepath.Join(t.TempDir(), "absent.keras"), 0)
	if err == nil || !IsArtifactNotFound(err) {
		t.Fatalf("expected artifact-not-found, got %v", err)
	}
	if _, err := s.SaveConfig("/no/such/config.yaml", 0); !IsArtifactNotFound(err) {
		t.Fatalf("expected artifact-not-found, got %v", err)
	}
	if _, err := s.SaveImage("/no/such/plot.png", 0, ""); !IsArtifactNotFound(err) {
		t.Fatalf("expected artifact-not-found, got %v", err)
	}
}

func TestSaveLogAndResultJSON(t *testing.T) {
	s := newTestStore(t)
	created(t, s, "exp")
	p, err := s.SaveLog(map[string]int{"records": 3}, "execution_log.json")
	if err != nil {
		t.Fatalf("save log: %v", err)
	}
	if filepath.Base(filepath.Dir(p)) != "logs" {
		t.Fatalf("log saved under wrong subdir: %s", p)
	}
	var payload map[string]int
	b, _ := os.ReadFile(p)
	if err := json.Unmarshal(b, &payload); err != nil || payload["records"] != 3 {
		t.Fatalf("bad log payload: %s err=%v", b, err)
	}
	rp, err := s.SaveResult(map[string]string{"ok": "yes"}, "execution_results.json")
	if err != nil {
		t.Fatalf("save result: %v", err)
	}
	if filepath.Base(filepath.Dir(rp)) != "results" {
		t.Fatalf("result saved under wrong subdir: %s", rp)
	}
}

func TestSummarizeCountsFiles(t *testing.T) {
	s := newTestStore(t)
	created(t, s, "exp")
	src := filepath.Join(t.TempDir(), "m.keras")
	if err := os.WriteFile(src, make([]byte, 2048), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := s.SaveModel(src, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	sum := s.Summarize()
	if len(sum.Files["models"]) != 1 {
		t.Fatalf("expected one model entry, got %+v", sum.Files["models"])
	}
	if sum.Files["models"][0].Size != 2048 {
		t.Fatalf("unexpected size: %+v", sum.Files["models"][0])
	}
	if len(sum.Files["logs"]) != 0 {
		t.Fatalf("expected empty logs scan, got %+v", sum.Files["logs"])
	}
}

func TestWriteSummaryLandsInResults(t *testing.T) {
	s := newTestStore(t)
	dir := created(t, s, "exp")
	p, err := s.WriteSummary()
	if err != nil {
		t.Fatalf("write summary: %v", err)
	}
	want := filepath.Join(dir, "results", "session_summary.json")
	if p != want {
		t.Fatalf("expected %s, got %s", want, p)
	}
}

func TestCleanTempRemovesDir(t *testing.T) {
	s := newTestStore(t)
	dir := created(t, s, "exp")
	tmp := filepath.Join(dir, "temp")
	if err := os.WriteFile(filepath.Join(tmp, "scratch"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write scratch: %v", err)
	}
	s.CleanTemp()
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Fatalf("temp dir still present after CleanTemp")
	}
	s.CleanTemp() // idempotent
}

func TestPathUnknownSubdir(t *testing.T) {
	s := newTestStore(t)
	created(t, s, "exp")
	if _, err := s.Path("cache"); err == nil {
		t.Fatalf("expected error for unknown subdir")
	}
}

func TestInfoSnapshot(t *testing.T) {
	s := newTestStore(t)
	created(t, s, "astro")
	info := s.Info()
	if info.SessionID != "astro_20260314_150926" {
		t.Fatalf("unexpected session id: %s", info.SessionID)
	}
	if len(info.Subdirs) != 6 {
		t.Fatalf("expected 6 subdirs, got %d", len(info.Subdirs))
	}
	// mutating the returned map must not affect the store
	info.Subdirs["models"] = "elsewhere"
	if p, _ := s.Path("models"); p == "elsewhere" {
		t.Fatalf("store state mutated through Info")
	}
}

func TestOpenExistingSession(t *testing.T) {
	s := newTestStore(t)
	dir := created(t, s, "exp")
	if _, err := s.SaveLog([]string{"a"}, "execution_log.json"); err != nil {
		t.Fatalf("save log: %v", err)
	}
	s.CleanTemp()

	reopened, err := Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	info := reopened.Info()
	if info.SessionID != filepath.Base(dir) || info.Dir != dir {
		t.Fatalf("unexpected identity: %+v", info)
	}
	if _, ok := info.Subdirs["temp"]; ok {
		t.Fatalf("cleaned temp dir should not be mapped")
	}
	sum := reopened.Summarize()
	if len(sum.Files["logs"]) != 1 {
		t.Fatalf("logs not found on reopen: %+v", sum.Files)
	}
}

func TestOpenMissingDir(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "absent"), zerolog.Nop()); err == nil {
		t.Fatalf("expected error for missing session dir")
	}
}
