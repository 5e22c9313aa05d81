// Package supervise launches training jobs as OS processes, streams their
// combined output without blocking the controller, and terminates them with
// a bounded grace window. One reader goroutine per process is the only
// concurrency here; it talks to the controller through a per-job FIFO queue.
package supervise

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"traind/pkg/types"
)

// Status is the lifecycle state of one managed process.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusFinished   Status = "finished"
	StatusTimedOut   Status = "timed_out"
	StatusTerminated Status = "terminated"
	StatusFailed     Status = "failed"
)

// TimeoutReturnCode is the sentinel reported for a job that exceeded the
// wait budget.
const TimeoutReturnCode = -1

const (
	defaultGrace = 10 * time.Second
	// Per-job queue capacity. The reader drops records rather than block
	// when the controller falls this far behind; log visibility is
	// eventually consistent, not a control channel.
	queueCap = 1024
	// Max line length accepted from a job before the read degrades to an
	// error-kind record.
	maxLineBytes = 1 << 20
)

type launchError struct {
	jobID int
	cause error
}

func (e launchError) Error() string {
	return fmt.Sprintf("launch job %d: %v", e.jobID, e.cause)
}

func (e launchError) Unwrap() error { return e.cause }

// ErrLaunch constructs a process launch error for one job.
func ErrLaunch(jobID int, cause error) error { return launchError{jobID: jobID, cause: cause} }

// IsLaunch reports whether err is a process launch failure.
func IsLaunch(err error) bool {
	_, ok := err.(launchError)
	return ok
}

type process struct {
	id         int
	cmd        *exec.Cmd
	pid        int
	startTime  time.Time
	status     Status
	returnCode *int
	records    chan types.LogRecord
	done       chan struct{}
}

// Supervisor owns all processes of one run.
type Supervisor struct {
	mu    sync.Mutex
	procs map[int]*process
	grace time.Duration
	log   zerolog.Logger
}

// New constructs a Supervisor. grace bounds how long Terminate waits after
// the stop signal before forcing a kill (0 means a 10s default).
func New(grace time.Duration, log zerolog.Logger) *Supervisor {
	if grace <= 0 {
		grace = defaultGrace
	}
	return &Supervisor{procs: make(map[int]*process), grace: grace, log: log}
}

// Launch starts command in dir with extra environment env, redirecting
// stdout and stderr into one stream. A dedicated reader goroutine wraps each
// line as a LogRecord on the job's queue and, when onLine is non-nil, calls
// it synchronously per record for live classification.
func (s *Supervisor) Launch(id int, command []string, dir string, env map[string]string, onLine func(types.LogRecord)) (int, error) {
	if len(command) == 0 {
		return 0, ErrLaunch(id, fmt.Errorf("empty command"))
	}
	s.mu.Lock()
	if _, exists := s.procs[id]; exists {
		s.mu.Unlock()
		return 0, ErrLaunch(id, fmt.Errorf("job already launched"))
	}
	s.mu.Unlock()

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return 0, ErrLaunch(id, err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	p := &process{
		id:      id,
		cmd:     cmd,
		status:  StatusStarting,
		records: make(chan types.LogRecord, queueCap),
		done:    make(chan struct{}),
	}
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return 0, ErrLaunch(id, err)
	}
	// The parent must drop its write end or the reader never sees EOF.
	w.Close()
	p.pid = cmd.Process.Pid
	p.startTime = time.Now()
	p.status = StatusRunning

	s.mu.Lock()
	s.procs[id] = p
	s.mu.Unlock()

	s.log.Info().Int("job", id).Int("pid", p.pid).Strs("command", command).Msg("process started")
	go s.read(p, r, onLine)
	return p.pid, nil
}

// read is the per-process reader task: line in, LogRecord out, and a
// terminal process_end record carrying the return code.
func (s *Supervisor) read(p *process, r *os.File, onLine func(types.LogRecord)) {
	defer close(p.done)
	defer r.Close()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		rec := types.LogRecord{
			Timestamp: time.Now(),
			JobID:     p.id,
			PID:       p.pid,
			Message:   sc.Text(),
			Kind:      types.LogStdout,
		}
		s.enqueue(p, rec)
		if onLine != nil {
			onLine(rec)
		}
	}
	// A closed pipe never panics the reader; it degrades to an error record.
	if err := sc.Err(); err != nil {
		s.enqueue(p, types.LogRecord{
			Timestamp: time.Now(),
			JobID:     p.id,
			PID:       p.pid,
			Message:   "stream read error: " + err.Error(),
			Kind:      types.LogError,
		})
	}

	code := 0
	if err := p.cmd.Wait(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		} else {
			code = -1
		}
	}

	s.mu.Lock()
	p.returnCode = &code
	if p.status != StatusTerminated {
		if code == 0 {
			p.status = StatusFinished
		} else {
			p.status = StatusFailed
		}
	}
	s.mu.Unlock()

	end := types.LogRecord{
		Timestamp:  time.Now(),
		JobID:      p.id,
		PID:        p.pid,
		Message:    fmt.Sprintf("process exited with code %d", code),
		Kind:       types.LogProcessEnd,
		ReturnCode: &code,
	}
	s.enqueue(p, end)
	if onLine != nil {
		onLine(end)
	}
	s.log.Info().Int("job", p.id).Int("pid", p.pid).Int("code", code).Msg("process ended")
}

func (s *Supervisor) enqueue(p *process, rec types.LogRecord) {
	select {
	case p.records <- rec:
	default:
		// queue full: drop rather than block the reader
	}
}

// WaitAll blocks until every job exits or the timeout elapses. A job that
// outlives the deadline is reported with the timeout sentinel and marked
// timed out; its siblings are unaffected. timeout 0 means wait forever.
func (s *Supervisor) WaitAll(timeout time.Duration) map[int]int {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	results := make(map[int]int)
	for _, p := range s.snapshot() {
		if timeout <= 0 {
			<-p.done
		} else {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			select {
			case <-p.done:
			case <-time.After(remaining):
				s.mu.Lock()
				if p.returnCode == nil {
					p.status = StatusTimedOut
				}
				s.mu.Unlock()
				results[p.id] = TimeoutReturnCode
				s.log.Warn().Int("job", p.id).Msg("job exceeded wait budget")
				continue
			}
		}
		s.mu.Lock()
		code := TimeoutReturnCode
		if p.returnCode != nil {
			code = *p.returnCode
		}
		s.mu.Unlock()
		results[p.id] = code
	}
	return results
}

// Terminate stops one job: graceful signal, bounded grace window, then a
// forced kill. Terminating an unknown or already-exited job is a no-op;
// termination errors are logged, never returned.
func (s *Supervisor) Terminate(id int) {
	s.mu.Lock()
	p := s.procs[id]
	s.mu.Unlock()
	if p == nil {
		return
	}
	select {
	case <-p.done:
		return // already exited
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.log.Warn().Int("job", id).Err(err).Msg("stop signal failed")
	}
	select {
	case <-p.done:
		s.log.Info().Int("job", id).Msg("process stopped gracefully")
	case <-time.After(s.grace):
		if err := p.cmd.Process.Kill(); err != nil {
			s.log.Warn().Int("job", id).Err(err).Msg("kill failed")
		}
		<-p.done
		s.log.Warn().Int("job", id).Msg("process force-killed")
	}
	s.mu.Lock()
	p.status = StatusTerminated
	s.mu.Unlock()
}

// TerminateAll stops every job still alive.
func (s *Supervisor) TerminateAll() {
	for _, p := range s.snapshot() {
		s.Terminate(p.id)
	}
}

// Logs drains up to max buffered records for one job, FIFO. max <= 0 means
// a 100-record default.
func (s *Supervisor) Logs(id, max int) []types.LogRecord {
	s.mu.Lock()
	p := s.procs[id]
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	if max <= 0 {
		max = 100
	}
	var out []types.LogRecord
	for len(out) < max {
		select {
		case rec := <-p.records:
			out = append(out, rec)
		default:
			return out
		}
	}
	return out
}

// AllLogs drains every job's queue, up to maxPer records per job.
func (s *Supervisor) AllLogs(maxPer int) map[int][]types.LogRecord {
	out := make(map[int][]types.LogRecord)
	for _, p := range s.snapshot() {
		out[p.id] = s.Logs(p.id, maxPer)
	}
	return out
}

// StatusOf reports the state of one job.
func (s *Supervisor) StatusOf(id int) (types.JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.procs[id]
	if p == nil {
		return types.JobStatus{}, false
	}
	return types.JobStatus{
		JobID:      p.id,
		PID:        p.pid,
		Status:     string(p.status),
		ReturnCode: p.returnCode,
		LogCount:   len(p.records),
	}, true
}

// AllStatus reports the state of every job.
func (s *Supervisor) AllStatus() map[int]types.JobStatus {
	out := make(map[int]types.JobStatus)
	for _, p := range s.snapshot() {
		if st, ok := s.StatusOf(p.id); ok {
			out[p.id] = st
		}
	}
	return out
}

// Cleanup terminates everything still alive and releases all process
// handles. Always safe to call, success or failure.
func (s *Supervisor) Cleanup() {
	s.TerminateAll()
	s.mu.Lock()
	s.procs = make(map[int]*process)
	s.mu.Unlock()
	s.log.Info().Msg("supervisor released")
}

// snapshot returns the managed processes in job id order.
func (s *Supervisor) snapshot() []*process {
	s.mu.Lock()
	out := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
