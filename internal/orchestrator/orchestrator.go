// Package orchestrator coordinates one parallel training run: detect
// devices, partition memory, derive per-job configs, launch and supervise
// the jobs, collect a report, and clean up on every exit path.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"traind/internal/common/fsutil"
	"traind/internal/deriver"
	"traind/internal/gpu"
	"traind/internal/metrics"
	"traind/internal/session"
	"traind/internal/supervise"
	"traind/pkg/types"
)

// Stage is the orchestrator's lifecycle state. Every run ends in
// StageCleanedUp, success or failure.
type Stage string

const (
	StageIdle             Stage = "idle"
	StageResourceDetected Stage = "resource_detected"
	StageAllocated        Stage = "allocated"
	StageConfigsGenerated Stage = "configs_generated"
	StageLaunched         Stage = "launched"
	StageMonitoring       Stage = "monitoring"
	StageCollected        Stage = "collected"
	StageCleanedUp        Stage = "cleaned_up"
)

// Synthetic code reported for a job whose process could not be spawned.
const launchFailureCode = 1

const defaultLogsPerJob = 50

var orphanModelRe = regexp.MustCompile(`_job(\d+)_`)

// Options configures one Orchestrator. ConfigPaths and TrainerBin are
// required; everything else has defaults.
type Options struct {
	ConfigPaths []string
	TrainerBin  string
	SessionName string
	WorkingDir  string
	OutputDir   string
	TempCfgDir  string
	Headroom    float64
	MinMemoryMB int
	Grace       time.Duration
	LogsPerJob  int
	Logger      zerolog.Logger
}

// Orchestrator owns the lifecycle of one coordinated run. Construct with
// New; the caller owns the lifetime (no package-level shared instance).
type Orchestrator struct {
	mu        sync.Mutex
	stage     Stage
	running   bool
	startTime time.Time

	opts    Options
	log     zerolog.Logger
	gpus    *gpu.Manager
	confs   *deriver.Deriver
	procs   *supervise.Supervisor
	store   *session.Store
	scripts []string
}

// New validates options and assembles the component set for one run.
func New(opts Options) (*Orchestrator, error) {
	if len(opts.ConfigPaths) == 0 {
		return nil, fmt.Errorf("no config paths given")
	}
	if strings.TrimSpace(opts.TrainerBin) == "" {
		return nil, fmt.Errorf("trainer binary not set")
	}
	if opts.WorkingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("working dir: %w", err)
		}
		opts.WorkingDir = wd
	}
	if opts.LogsPerJob <= 0 {
		opts.LogsPerJob = defaultLogsPerJob
	}
	tempCfg := opts.TempCfgDir
	if tempCfg == "" {
		tempCfg = filepath.Join(opts.WorkingDir, deriver.DefaultTempDir)
	}
	log := opts.Logger
	return &Orchestrator{
		stage: StageIdle,
		opts:  opts,
		log:   log,
		gpus:  gpu.NewManager(gpu.Config{HeadroomFrac: opts.Headroom, MinMemoryMB: opts.MinMemoryMB, Logger: log}),
		confs: deriver.New(tempCfg, log),
		procs: supervise.New(opts.Grace, log),
		store: session.NewStore(opts.OutputDir, log),
	}, nil
}

// Run executes the whole pipeline and always returns a RunResult. The error
// is non-nil only for stage-level failures preceding any job launch (missing
// or unreadable templates); partial job failures are reported through the
// result, never as an error.
func (o *Orchestrator) Run(ctx context.Context, timeout time.Duration) (types.RunResult, error) {
	o.mu.Lock()
	o.running = true
	o.startTime = time.Now()
	o.mu.Unlock()

	var result types.RunResult
	defer func() {
		o.cleanup()
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	// Context cancellation terminates every job; the run still completes
	// its collect and cleanup stages.
	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case <-ctx.Done():
			o.log.Warn().Msg("run context canceled, terminating jobs")
			o.procs.TerminateAll()
		case <-runDone:
		}
	}()

	// Template existence is validated before any process launches.
	for _, p := range o.opts.ConfigPaths {
		if !fsutil.PathExists(p) {
			return result, deriver.ErrDerivation("config template not found: %s", p)
		}
	}

	if _, err := o.store.Create(o.opts.SessionName); err != nil {
		return result, err
	}

	o.setStage(StageResourceDetected)
	gpuStatus := o.gpus.Status()
	o.log.Info().Int("gpus", gpuStatus.TotalGPUs).Msg("resources detected")

	o.setStage(StageAllocated)
	allocs := o.gpus.Allocate(len(o.opts.ConfigPaths))
	perDevice := map[int]int{}
	for _, a := range allocs {
		if a.DeviceIndex >= 0 {
			perDevice[a.DeviceIndex] += a.MemoryLimitMB
		}
	}
	for dev, mb := range perDevice {
		metrics.AllocatedMemoryMB.WithLabelValues(strconv.Itoa(dev)).Set(float64(mb))
	}

	o.setStage(StageConfigsGenerated)
	derived, err := o.confs.DeriveAll(o.opts.ConfigPaths)
	if err != nil {
		return result, err
	}
	// Keep a copy of every derived config in the session for provenance.
	for _, dc := range derived {
		if _, err := o.store.SaveConfig(dc.Path, dc.JobID); err != nil {
			o.log.Warn().Int("job", dc.JobID).Err(err).Msg("failed to archive derived config")
		}
	}

	o.setStage(StageLaunched)
	launchFailures := map[int]int{}
	for i, dc := range derived {
		script, err := o.writeLauncher(dc, allocs[i])
		if err != nil {
			o.log.Error().Int("job", dc.JobID).Err(err).Msg("launcher generation failed")
			launchFailures[dc.JobID] = launchFailureCode
			continue
		}
		o.scripts = append(o.scripts, script)
		if _, err := o.procs.Launch(dc.JobID, []string{"/bin/sh", script}, o.opts.WorkingDir, nil, o.classify); err != nil {
			// Fatal for this job only; siblings keep running.
			o.log.Error().Int("job", dc.JobID).Err(err).Msg("process launch failed")
			launchFailures[dc.JobID] = launchFailureCode
			continue
		}
		metrics.JobsLaunched.Inc()
	}

	o.setStage(StageMonitoring)
	codes := o.procs.WaitAll(timeout)
	for id, code := range launchFailures {
		codes[id] = code
	}

	o.setStage(StageCollected)
	result = o.collect(codes, gpuStatus)
	return result, nil
}

func (o *Orchestrator) setStage(s Stage) {
	o.mu.Lock()
	o.stage = s
	o.mu.Unlock()
	o.log.Info().Str("stage", string(s)).Msg("stage")
}

// classify mirrors training progress into the orchestrator log as lines
// stream in. Purely observational.
func (o *Orchestrator) classify(rec types.LogRecord) {
	msg := strings.ToLower(rec.Message)
	switch {
	case rec.Kind == types.LogProcessEnd:
	case strings.Contains(msg, "error") || strings.Contains(msg, "failed"):
		o.log.Error().Int("job", rec.JobID).Str("line", rec.Message).Msg("job reported error")
	case strings.Contains(msg, "completed") || strings.Contains(msg, "finished"):
		o.log.Info().Int("job", rec.JobID).Str("line", rec.Message).Msg("job reported completion")
	case strings.Contains(msg, "epoch") && strings.Contains(msg, "loss"):
		o.log.Info().Int("job", rec.JobID).Str("line", rec.Message).Msg("training progress")
	}
}

// writeLauncher generates the per-job launcher script: environment exports
// for the job's allocation, then exec of the trainer with the derived config
// as its first argument.
func (o *Orchestrator) writeLauncher(dc deriver.Derived, alloc types.Allocation) (string, error) {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	env := o.gpus.Apply(alloc)
	env["TRAIND_JOB_ID"] = strconv.Itoa(dc.JobID)
	for k, v := range env {
		fmt.Fprintf(&b, "export %s=%q\n", k, v)
	}
	abs, err := filepath.Abs(dc.Path)
	if err != nil {
		abs = dc.Path
	}
	fmt.Fprintf(&b, "exec %q %q\n", o.opts.TrainerBin, abs)

	path := filepath.Join(o.opts.WorkingDir, fmt.Sprintf("temp_launch_job%d.sh", dc.JobID))
	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// collect assembles and persists the RunResult. Persistence failures are
// logged; the in-memory result is still returned.
func (o *Orchestrator) collect(codes map[int]int, gpuStatus types.GPUStatus) types.RunResult {
	end := time.Now()
	succ, fail := 0, 0
	for _, code := range codes {
		if code == 0 {
			succ++
			metrics.JobsSucceeded.Inc()
		} else {
			fail++
			if code == supervise.TimeoutReturnCode {
				metrics.JobsTimedOut.Inc()
			} else {
				metrics.JobsFailed.Inc()
			}
		}
	}
	metrics.RunDuration.Observe(end.Sub(o.startTime).Seconds())

	logs := o.procs.AllLogs(o.opts.LogsPerJob)
	result := types.RunResult{
		Summary: types.RunSummary{
			StartTime:  o.startTime,
			EndTime:    end,
			Duration:   end.Sub(o.startTime).String(),
			Total:      len(o.opts.ConfigPaths),
			Successful: succ,
			Failed:     fail,
			SessionDir: o.store.Info().Dir,
		},
		ReturnCodes: codes,
		Logs:        logs,
		GPUStatus:   gpuStatus,
		Session:     o.store.Info(),
	}

	var flat []types.LogRecord
	for _, p := range sortedKeys(logs) {
		flat = append(flat, logs[p]...)
	}
	if p, err := o.store.SaveLog(flat, "execution_log.json"); err != nil {
		o.log.Error().Err(err).Msg("failed to persist execution log")
	} else {
		result.LogFile = p
	}
	if p, err := o.store.SaveResult(result, "execution_results.json"); err != nil {
		o.log.Error().Err(err).Msg("failed to persist run result")
	} else {
		result.ResultsFile = p
	}
	if p, err := o.store.WriteSummary(); err != nil {
		o.log.Error().Err(err).Msg("failed to persist session summary")
	} else {
		result.SummaryFile = p
	}
	return result
}

// cleanup is the guaranteed terminal transition: stop every straggler,
// relocate orphaned model artifacts, delete generated scripts and derived
// configs, release handles. Errors are logged, never raised.
func (o *Orchestrator) cleanup() {
	o.setStage(StageCleanedUp)

	o.procs.TerminateAll()
	o.relocateOrphanModels()

	for _, script := range o.scripts {
		if err := os.Remove(script); err != nil && !os.IsNotExist(err) {
			o.log.Warn().Str("script", script).Err(err).Msg("failed to remove launcher script")
		}
	}
	o.scripts = nil

	o.confs.Cleanup()
	o.gpus.Cleanup()
	o.procs.Cleanup()
	o.store.CleanTemp()
	o.log.Info().Msg("cleanup complete")
}

// relocateOrphanModels compensates for jobs that wrote their model next to
// the launcher instead of into the session tree: any *_job<id>_* model file
// in the working dir or session temp dir is moved into models/.
func (o *Orchestrator) relocateOrphanModels() {
	dirs := []string{o.opts.WorkingDir}
	if tmp, err := o.store.Path("temp"); err == nil {
		dirs = append(dirs, tmp)
	}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".keras") {
				continue
			}
			m := orphanModelRe.FindStringSubmatch(e.Name())
			if m == nil {
				continue
			}
			jobID, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			src := filepath.Join(dir, e.Name())
			dst, err := o.store.SaveModel(src, jobID)
			if err != nil {
				o.log.Warn().Str("model", src).Err(err).Msg("failed to relocate orphan model")
				continue
			}
			if err := os.Remove(src); err != nil {
				o.log.Warn().Str("model", src).Err(err).Msg("failed to remove relocated model")
			}
			o.log.Info().Str("model", dst).Msg("orphan model relocated into session")
		}
	}
}

// Status reports live run state.
func (o *Orchestrator) Status() types.StatusResponse {
	o.mu.Lock()
	running := o.running
	stage := o.stage
	start := o.startTime
	o.mu.Unlock()
	resp := types.StatusResponse{
		Running:   running,
		Stage:     string(stage),
		Processes: o.procs.AllStatus(),
		GPUStatus: o.gpus.Status(),
	}
	if !start.IsZero() {
		resp.StartTime = &start
	}
	return resp
}

// GPUStatus exposes the device snapshot.
func (o *Orchestrator) GPUStatus() types.GPUStatus { return o.gpus.Status() }

// Stop terminates every running job. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if !running {
		return
	}
	o.log.Info().Msg("stop requested")
	o.procs.TerminateAll()
}

func sortedKeys(m map[int][]types.LogRecord) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
