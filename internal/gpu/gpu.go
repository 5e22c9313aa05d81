package gpu

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"traind/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultHeadroomFrac = 0.10
	defaultMinMemoryMB  = 1024
	// Assumed capacity when the device count is known but the memory query
	// fails. Matches a common 8GB card.
	defaultMemoryMB = 8000
)

// Config encapsulates tunables for Manager construction.
type Config struct {
	// HeadroomFrac is the fraction of free memory reserved per device as a
	// buffer before partitioning. Must be in (0,1); 0 means default.
	HeadroomFrac float64
	// MinMemoryMB is the floor granted to a job sharing a device, so no job
	// is starved. The floor takes precedence over the device cap when the
	// two conflict.
	MinMemoryMB int
	Logger      zerolog.Logger
}

// Manager detects accelerator devices and partitions their memory across
// concurrently launched jobs. Detection failures are never fatal: the
// manager degrades to an assumed capacity or to zero devices (CPU-only).
type Manager struct {
	mu       sync.Mutex
	devices  []types.Device
	headroom float64
	minMemMB int
	log      zerolog.Logger

	// Injectable device queries for tests.
	query func() ([]types.Device, error)
	count func() (int, error)
}

// NewManager constructs a Manager and detects devices immediately.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		headroom: cfg.HeadroomFrac,
		minMemMB: cfg.MinMemoryMB,
		log:      cfg.Logger,
		query:    queryDevices,
		count:    countDevices,
	}
	if m.headroom <= 0 || m.headroom >= 1 {
		m.headroom = defaultHeadroomFrac
	}
	if m.minMemMB <= 0 {
		m.minMemMB = defaultMinMemoryMB
	}
	m.Detect()
	return m
}

// Detect enumerates accelerator devices and their free memory. On a failed
// memory query it falls back to a per-device default capacity; on a failed
// enumeration it records zero devices. Returns the detected device count.
func (m *Manager) Detect() int {
	devs, err := m.query()
	if err != nil {
		m.log.Warn().Err(err).Msg("gpu memory query failed")
		// The count query is cheaper and sometimes works when the full
		// query does not; assume a default capacity per device.
		n, cerr := m.count()
		if cerr != nil || n <= 0 {
			if cerr != nil {
				m.log.Warn().Err(cerr).Msg("gpu detection failed, running CPU-only")
			}
			m.mu.Lock()
			m.devices = nil
			m.mu.Unlock()
			return 0
		}
		devs = make([]types.Device, n)
		for i := range devs {
			devs[i] = types.Device{Index: i, MemoryTotalMB: defaultMemoryMB, MemoryFreeMB: defaultMemoryMB}
		}
	}
	m.mu.Lock()
	m.devices = devs
	m.mu.Unlock()
	m.log.Info().Int("gpus", len(devs)).Msg("detected accelerator devices")
	return len(devs)
}

// Allocate partitions the detected devices across n jobs and returns exactly
// n allocations. With zero devices it synthesizes CPU-sentinel allocations
// (device index -1) so downstream code has a uniform contract.
func (m *Manager) Allocate(n int) []types.Allocation {
	if n <= 0 {
		return nil
	}
	m.mu.Lock()
	devs := make([]types.Device, len(m.devices))
	copy(devs, m.devices)
	m.mu.Unlock()

	if len(devs) == 0 {
		m.log.Warn().Int("jobs", n).Msg("no accelerators available, allocating CPU sentinels")
		allocs := make([]types.Allocation, n)
		for i := range allocs {
			allocs[i] = types.Allocation{JobID: i, DeviceIndex: -1, MemoryFraction: 1.0}
		}
		return allocs
	}

	var allocs []types.Allocation
	switch {
	case len(devs) == 1:
		// Single device: divide the post-headroom memory evenly.
		d := devs[0]
		avail := int(float64(d.MemoryFreeMB) * (1 - m.headroom))
		per := avail / n
		if per < m.minMemMB {
			per = m.minMemMB
		}
		for i := 0; i < n; i++ {
			allocs = append(allocs, types.Allocation{
				JobID:          i,
				DeviceIndex:    d.Index,
				MemoryLimitMB:  per,
				MemoryFraction: frac(per, d.MemoryTotalMB),
			})
		}
	case n <= len(devs):
		// One device per job.
		for i := 0; i < n; i++ {
			d := devs[i]
			avail := int(float64(d.MemoryFreeMB) * (1 - m.headroom))
			allocs = append(allocs, types.Allocation{
				JobID:          i,
				DeviceIndex:    d.Index,
				MemoryLimitMB:  avail,
				MemoryFraction: frac(avail, d.MemoryTotalMB),
			})
		}
	default:
		// More jobs than devices: round-robin, splitting each device's
		// post-headroom memory evenly among the jobs assigned to it.
		perDev := n / len(devs)
		rem := n % len(devs)
		job := 0
		for di, d := range devs {
			cnt := perDev
			if di < rem {
				cnt++
			}
			avail := int(float64(d.MemoryFreeMB) * (1 - m.headroom))
			per := avail / cnt
			if per < m.minMemMB {
				per = m.minMemMB
			}
			for k := 0; k < cnt; k++ {
				allocs = append(allocs, types.Allocation{
					JobID:          job,
					DeviceIndex:    d.Index,
					MemoryLimitMB:  per,
					MemoryFraction: frac(per, d.MemoryTotalMB),
				})
				job++
			}
		}
	}

	for _, a := range allocs {
		m.log.Info().
			Int("job", a.JobID).
			Int("gpu", a.DeviceIndex).
			Int("memory_mb", a.MemoryLimitMB).
			Float64("fraction", a.MemoryFraction).
			Msg("gpu allocation")
	}
	return allocs
}

// Apply translates an allocation into the environment restricting a job to
// its assigned device and memory ceiling. Unknown device indexes degrade to
// CPU rather than failing the job.
func (m *Manager) Apply(a types.Allocation) map[string]string {
	env := map[string]string{}
	if a.DeviceIndex < 0 {
		env["CUDA_VISIBLE_DEVICES"] = "-1"
		m.log.Info().Int("job", a.JobID).Msg("job pinned to CPU")
		return env
	}
	m.mu.Lock()
	known := false
	for _, d := range m.devices {
		if d.Index == a.DeviceIndex {
			known = true
			break
		}
	}
	m.mu.Unlock()
	if !known {
		m.log.Warn().Int("job", a.JobID).Int("gpu", a.DeviceIndex).Msg("assigned gpu not available, degrading to CPU")
		env["CUDA_VISIBLE_DEVICES"] = "-1"
		return env
	}
	env["CUDA_VISIBLE_DEVICES"] = strconv.Itoa(a.DeviceIndex)
	if a.MemoryLimitMB > 0 {
		env["TRAIND_GPU_MEMORY_LIMIT_MB"] = strconv.Itoa(a.MemoryLimitMB)
	}
	return env
}

// Status returns a snapshot of the detected devices.
func (m *Manager) Status() types.GPUStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Device, len(m.devices))
	copy(out, m.devices)
	return types.GPUStatus{TotalGPUs: len(out), Devices: out}
}

// Cleanup releases device handles. Idempotent.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	m.devices = nil
	m.mu.Unlock()
	m.log.Info().Msg("gpu manager released")
}

func frac(part, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total)
}

// queryDevices asks nvidia-smi for per-device memory figures.
func queryDevices() ([]types.Device, error) {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.used",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi query: %w", err)
	}
	return parseSMI(string(out))
}

// countDevices asks nvidia-smi only for the device list.
func countDevices() (int, error) {
	out, err := exec.Command("nvidia-smi", "--list-gpus").Output()
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi list: %w", err)
	}
	n := 0
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n, nil
}

// parseSMI parses csv,noheader,nounits output: "0, NVIDIA A100, 40536, 512".
func parseSMI(out string) ([]types.Device, error) {
	var devs []types.Device
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 4 {
			return nil, fmt.Errorf("unexpected nvidia-smi line: %q", line)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("bad device index in %q: %w", line, err)
		}
		total, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("bad memory.total in %q: %w", line, err)
		}
		used, err := strconv.Atoi(strings.TrimSpace(parts[3]))
		if err != nil {
			return nil, fmt.Errorf("bad memory.used in %q: %w", line, err)
		}
		devs = append(devs, types.Device{
			Index:         idx,
			Name:          strings.TrimSpace(parts[1]),
			MemoryTotalMB: total,
			MemoryUsedMB:  used,
			MemoryFreeMB:  total - used,
		})
	}
	return devs, nil
}
