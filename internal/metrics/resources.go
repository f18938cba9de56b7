package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one resource reading of the backend process.
type Sample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig controls backend resource sampling.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ResourceSampler periodically reads CPU and memory usage of a single PID
// and keeps the most recent samples in a ring buffer.
type ResourceSampler struct {
	enabled  bool
	interval time.Duration

	mu      sync.RWMutex
	samples []Sample
	start   int
	count   int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewResourceSampler applies defaults: 5s interval, 100 samples.
func NewResourceSampler(cfg ResourceConfig) *ResourceSampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	size := cfg.MaxHistory
	if size <= 0 {
		size = 100
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      name,
			Help:      help,
		}, []string{"pid"})
	}
	return &ResourceSampler{
		enabled:    cfg.Enabled,
		interval:   interval,
		samples:    make([]Sample, size),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the backend process."),
		memoryMB:   gauge("memory_mb", "Resident memory of the backend process in MB."),
		numThreads: gauge("num_threads", "Thread count of the backend process."),
		numFDs:     gauge("num_fds", "Open file descriptors of the backend process (Unix only)."),
	}
}

// RegisterMetrics registers the sampler gauges with r.
func (s *ResourceSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	cs := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.numFDs)
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the PID returned by pid every interval. A non-positive PID
// means nothing is running and clears the gauges.
func (s *ResourceSampler) Start(ctx context.Context, pid func() int) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.collect(pid())
			}
		}
	}()
}

// Stop ends sampling and waits for the loop to exit.
func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *ResourceSampler) collect(pid int) {
	if pid <= 0 {
		s.cpuPercent.Reset()
		s.memoryMB.Reset()
		s.numThreads.Reset()
		s.numFDs.Reset()
		return
	}
	sample, err := read(int32(pid)) // #nosec G115
	if err != nil {
		slog.Debug("resource sample failed", "pid", pid, "error", err)
		return
	}
	label := fmt.Sprint(pid)
	s.cpuPercent.WithLabelValues(label).Set(sample.CPUPercent)
	s.memoryMB.WithLabelValues(label).Set(sample.MemoryMB)
	s.numThreads.WithLabelValues(label).Set(float64(sample.NumThreads))
	if runtime.GOOS != "windows" && sample.NumFDs > 0 {
		s.numFDs.WithLabelValues(label).Set(float64(sample.NumFDs))
	}
	s.add(sample)
}

func read(pid int32) (Sample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Sample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	threads, _ := proc.NumThreads()
	out := Sample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			out.NumFDs = fds
		}
	}
	return out, nil
}

func (s *ResourceSampler) add(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := len(s.samples)
	if s.count < size {
		s.samples[(s.start+s.count)%size] = sample
		s.count++
		return
	}
	s.samples[s.start] = sample
	s.start = (s.start + 1) % size
}

// Latest returns the newest sample.
func (s *ResourceSampler) Latest() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return Sample{}, false
	}
	return s.samples[(s.start+s.count-1)%len(s.samples)], true
}

// History returns samples oldest first.
func (s *ResourceSampler) History() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sample, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, s.samples[(s.start+i)%len(s.samples)])
	}
	return out
}
