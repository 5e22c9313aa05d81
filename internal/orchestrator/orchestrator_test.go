package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"traind/internal/deriver"
	"traind/pkg/types"
)

const testTemplate = `data_preprocessing:
  batch_size: 32
model_training:
  epochs: 5
  checkpoint:
    filepath: 'best_model.keras'
result_analysis:
  model_path: 'best_model.keras'
`

// writeTrainer creates a fake trainer executable from a shell body. The
// derived config path arrives as $1, like a real training entrypoint.
func writeTrainer(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "trainer")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(p, []byte(script), 0o755); err != nil {
		t.Fatalf("write trainer: %v", err)
	}
	return p
}

func writeTemplates(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, "train"+strconv.Itoa(i)+".yaml")
		if err := os.WriteFile(paths[i], []byte(testTemplate), 0o644); err != nil {
			t.Fatalf("write template: %v", err)
		}
	}
	return paths
}

func newTestOrchestrator(t *testing.T, trainer string, templates []string) (*Orchestrator, string) {
	t.Helper()
	work := t.TempDir()
	o, err := New(Options{
		ConfigPaths: templates,
		TrainerBin:  trainer,
		SessionName: "test",
		WorkingDir:  work,
		OutputDir:   filepath.Join(t.TempDir(), "output"),
		Grace:       500 * time.Millisecond,
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o, work
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{TrainerBin: "t"}); err == nil {
		t.Fatalf("expected error for missing config paths")
	}
	if _, err := New(Options{ConfigPaths: []string{"a.yaml"}}); err == nil {
		t.Fatalf("expected error for missing trainer binary")
	}
}

func TestRunSingleJobSuccess(t *testing.T) {
	trainer := writeTrainer(t, `echo "training started with $1"
echo "epoch 1/5 loss 0.42"
echo "training completed"`)
	o, work := newTestOrchestrator(t, trainer, writeTemplates(t, 1))

	res, err := o.Run(context.Background(), 30*time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Summary.Successful != 1 || res.Summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", res.Summary)
	}
	if code, ok := res.ReturnCodes[0]; !ok || code != 0 {
		t.Fatalf("unexpected return codes: %v", res.ReturnCodes)
	}
	for _, f := range []string{res.LogFile, res.ResultsFile, res.SummaryFile} {
		if f == "" {
			t.Fatalf("persisted artifact path missing in result: %+v", res)
		}
		if _, err := os.Stat(f); err != nil {
			t.Fatalf("artifact %s not written: %v", f, err)
		}
	}
	// launcher scripts and derived configs are gone
	entries, _ := os.ReadDir(work)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "temp_launch_job") {
			t.Fatalf("launcher script survives cleanup: %s", e.Name())
		}
		if e.Name() == deriver.DefaultTempDir {
			t.Fatalf("derived config dir survives cleanup")
		}
	}
	// session temp dir no longer exists
	if _, err := os.Stat(filepath.Join(res.Session.Dir, "temp")); !os.IsNotExist(err) {
		t.Fatalf("session temp dir survives cleanup")
	}
}

func TestRunPersistsLogArray(t *testing.T) {
	trainer := writeTrainer(t, `echo line-a
echo line-b`)
	o, _ := newTestOrchestrator(t, trainer, writeTemplates(t, 1))
	res, err := o.Run(context.Background(), 30*time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	b, err := os.ReadFile(res.LogFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var recs []types.LogRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		t.Fatalf("execution log is not a record array: %v", err)
	}
	var sawLine, sawEnd bool
	for _, r := range recs {
		if r.Kind == types.LogStdout && r.Message == "line-a" {
			sawLine = true
		}
		if r.Kind == types.LogProcessEnd {
			sawEnd = true
		}
	}
	if !sawLine || !sawEnd {
		t.Fatalf("log array incomplete: %+v", recs)
	}
}

func TestRunPartialFailure(t *testing.T) {
	trainer := writeTrainer(t, `if [ "$TRAIND_JOB_ID" = "1" ]; then
  echo "training failed"
  exit 3
fi
echo done`)
	o, _ := newTestOrchestrator(t, trainer, writeTemplates(t, 2))
	res, err := o.Run(context.Background(), 30*time.Second)
	if err != nil {
		t.Fatalf("partial failure must not surface as an error, got %v", err)
	}
	if res.Summary.Successful != 1 || res.Summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", res.Summary)
	}
	if res.ReturnCodes[0] != 0 || res.ReturnCodes[1] != 3 {
		t.Fatalf("unexpected return codes: %v", res.ReturnCodes)
	}
}

func TestRunTimeoutSentinelCompletes(t *testing.T) {
	trainer := writeTrainer(t, `echo "$$" > pidfile
exec sleep 60`)
	o, work := newTestOrchestrator(t, trainer, writeTemplates(t, 1))

	start := time.Now()
	res, err := o.Run(context.Background(), 1*time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if time.Since(start) > 20*time.Second {
		t.Fatalf("run did not complete promptly under timeout")
	}
	if res.ReturnCodes[0] != -1 {
		t.Fatalf("expected timeout sentinel, got %v", res.ReturnCodes)
	}
	if res.Summary.Failed != 1 {
		t.Fatalf("timed-out job not counted as failed: %+v", res.Summary)
	}
	// the straggler was terminated during cleanup
	b, err := os.ReadFile(filepath.Join(work, "pidfile"))
	if err != nil {
		t.Fatalf("trainer never started: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		t.Fatalf("bad pidfile: %q", b)
	}
	if err := syscall.Kill(pid, 0); err == nil {
		t.Fatalf("job process %d survived the run", pid)
	}
}

func TestRunMissingTemplateIsFatalBeforeLaunch(t *testing.T) {
	trainer := writeTrainer(t, "echo never")
	o, _ := newTestOrchestrator(t, trainer, []string{filepath.Join(t.TempDir(), "absent.yaml")})
	_, err := o.Run(context.Background(), 0)
	if err == nil || !deriver.IsDerivation(err) {
		t.Fatalf("expected derivation error, got %v", err)
	}
	// cleanup still reached its terminal stage
	if st := o.Status(); st.Stage != string(StageCleanedUp) {
		t.Fatalf("expected cleaned_up stage, got %s", st.Stage)
	}
}

func TestRunOrphanModelRelocated(t *testing.T) {
	// This trainer disobeys the output contract and drops its model next to
	// the launcher; cleanup must move it into the session.
	trainer := writeTrainer(t, `echo weights > "best_model_job${TRAIND_JOB_ID}_20260314.keras"`)
	o, work := newTestOrchestrator(t, trainer, writeTemplates(t, 1))
	res, err := o.Run(context.Background(), 30*time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	entries, _ := os.ReadDir(work)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".keras") {
			t.Fatalf("orphan model still in working dir: %s", e.Name())
		}
	}
	models, err := os.ReadDir(filepath.Join(res.Session.Dir, "models"))
	if err != nil {
		t.Fatalf("read models dir: %v", err)
	}
	var found bool
	for _, e := range models {
		if strings.Contains(e.Name(), "model_job0_") {
			found = true
		}
	}
	if !found {
		t.Fatalf("orphan model not relocated; models dir: %+v", models)
	}
}

func TestRunContextCancelTerminatesJobs(t *testing.T) {
	trainer := writeTrainer(t, `exec sleep 60`)
	o, _ := newTestOrchestrator(t, trainer, writeTemplates(t, 1))
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	start := time.Now()
	res, err := o.Run(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if time.Since(start) > 20*time.Second {
		t.Fatalf("cancellation did not stop the run promptly")
	}
	if res.Summary.Successful != 0 {
		t.Fatalf("terminated job counted successful: %+v", res.Summary)
	}
}

func TestStatusLifecycle(t *testing.T) {
	trainer := writeTrainer(t, "echo hi")
	o, _ := newTestOrchestrator(t, trainer, writeTemplates(t, 1))
	st := o.Status()
	if st.Running || st.Stage != string(StageIdle) {
		t.Fatalf("unexpected initial status: %+v", st)
	}
	if _, err := o.Run(context.Background(), 30*time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}
	st = o.Status()
	if st.Running || st.Stage != string(StageCleanedUp) {
		t.Fatalf("unexpected terminal status: %+v", st)
	}
	o.Stop() // after a run, Stop is a no-op
}

func TestDerivedConfigArchivedInSession(t *testing.T) {
	trainer := writeTrainer(t, "echo hi")
	o, _ := newTestOrchestrator(t, trainer, writeTemplates(t, 1))
	res, err := o.Run(context.Background(), 30*time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	configs, err := os.ReadDir(filepath.Join(res.Session.Dir, "configs"))
	if err != nil {
		t.Fatalf("read configs dir: %v", err)
	}
	if len(configs) != 1 || !strings.HasPrefix(configs[0].Name(), "config_job0_") {
		t.Fatalf("derived config not archived: %+v", configs)
	}
}
