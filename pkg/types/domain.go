package types

import "time"

// Allocation is the device/memory assignment computed for one training job.
// DeviceIndex -1 means the job runs on CPU.
type Allocation struct {
	// Job identifier this allocation belongs to.
	// example: 0
	JobID int `json:"job_id" example:"0"`
	// Accelerator device index, -1 for CPU fallback.
	// example: 0
	DeviceIndex int `json:"device_index" example:"0"`
	// Memory ceiling for the job in MB. 0 means unlimited (CPU).
	// example: 3600
	MemoryLimitMB int `json:"memory_limit_mb" example:"3600"`
	// Fraction of the device's total memory granted to the job.
	// example: 0.45
	MemoryFraction float64 `json:"memory_fraction" example:"0.45"`
}

// Device describes one detected accelerator.
type Device struct {
	Index         int    `json:"index"`
	Name          string `json:"name,omitempty"`
	MemoryTotalMB int    `json:"memory_total_mb"`
	MemoryUsedMB  int    `json:"memory_used_mb"`
	MemoryFreeMB  int    `json:"memory_free_mb"`
}

// GPUStatus is a point-in-time snapshot of the detected devices.
type GPUStatus struct {
	TotalGPUs int      `json:"total_gpus"`
	Devices   []Device `json:"gpu_info"`
}

// LogKind classifies a LogRecord.
type LogKind string

const (
	LogStdout     LogKind = "stdout"
	LogProcessEnd LogKind = "process_end"
	LogError      LogKind = "error"
)

// LogRecord is one line captured from a job's combined output, or a
// synthesized marker (process end, stream error). FIFO per job; there is no
// ordering guarantee across jobs.
type LogRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	JobID      int       `json:"job_id"`
	PID        int       `json:"pid,omitempty"`
	Message    string    `json:"message"`
	Kind       LogKind   `json:"type"`
	ReturnCode *int      `json:"return_code,omitempty"`
}

// DerivedConfig records one per-job config artifact produced from a template.
type DerivedConfig struct {
	JobID        int    `json:"job_id"`
	Path         string `json:"path"`
	TemplatePath string `json:"template_path"`
	Suffix       string `json:"suffix"`
}

// SessionInfo describes the directory-scoped identity of one run.
type SessionInfo struct {
	SessionID string            `json:"session_id"`
	Dir       string            `json:"session_dir"`
	Subdirs   map[string]string `json:"subdirs"`
	CreatedAt time.Time         `json:"created_at"`
}

// RunSummary aggregates counts and timing for a finished run.
type RunSummary struct {
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Duration   string    `json:"duration"`
	Total      int       `json:"total_processes"`
	Successful int       `json:"successful_processes"`
	Failed     int       `json:"failed_processes"`
	SessionDir string    `json:"session_dir"`
}

// RunResult is the terminal artifact of one orchestrated run. ReturnCodes
// maps job id to OS exit code, with -1 as the timeout sentinel.
type RunResult struct {
	Summary     RunSummary          `json:"execution_summary"`
	ReturnCodes map[int]int         `json:"process_results"`
	Logs        map[int][]LogRecord `json:"process_logs"`
	GPUStatus   GPUStatus           `json:"gpu_status"`
	Session     SessionInfo         `json:"session_info"`
	LogFile     string              `json:"log_file,omitempty"`
	ResultsFile string              `json:"results_file,omitempty"`
	SummaryFile string              `json:"summary_file,omitempty"`
}

// FileEntry is one artifact found by a session directory scan.
type FileEntry struct {
	Name   string  `json:"name"`
	Size   int64   `json:"size"`
	SizeMB float64 `json:"size_mb"`
}

// SessionSummary is the read-only scan of a session directory tree.
type SessionSummary struct {
	Session   SessionInfo            `json:"session_info"`
	Files     map[string][]FileEntry `json:"files"`
	CreatedAt time.Time              `json:"created_at"`
}

// ErrorResponse is the JSON error payload returned by the HTTP surface.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// StatusResponse reports live run state for the HTTP status surface.
type StatusResponse struct {
	Running   bool              `json:"is_running"`
	Stage     string            `json:"stage"`
	StartTime *time.Time        `json:"start_time,omitempty"`
	Processes map[int]JobStatus `json:"process_status,omitempty"`
	GPUStatus GPUStatus         `json:"gpu_status"`
}

// JobStatus is the externally visible state of one managed process.
type JobStatus struct {
	JobID      int    `json:"process_id"`
	PID        int    `json:"pid,omitempty"`
	Status     string `json:"status"`
	ReturnCode *int   `json:"return_code,omitempty"`
	LogCount   int    `json:"log_count"`
}
