package runtime

import (
	"runtime"
	"runtime/metrics"
	"slices"
	"sync"
	"time"
)

const (
	cpuSecondsMetric = "/cpu/classes/total:cpu-seconds"
	heapBytesMetric  = "/memory/classes/heap/objects:bytes"
	goroutinesMetric = "/sched/goroutines:goroutines"
)

// ResourceUsage is a point-in-time view of the node process.
type ResourceUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	HeapBytes     uint64  `json:"heap_bytes"`
	Goroutines    uint64  `json:"goroutines"`
	SampledAtUnix int64   `json:"sampled_at_unix"`
}

// NodeStatus describes this replication node: what it consumes, how much
// work is inside the guard and what the process costs.
type NodeStatus struct {
	Queue         string        `json:"queue"`
	Exchange      string        `json:"exchange"`
	PubSubSystem  string        `json:"pubsub_system"`
	PrefetchCount int           `json:"prefetch_count"`
	Bindings      []string      `json:"bindings"`
	Routes        int           `json:"routes"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	Load          GuardLoad     `json:"load"`
	Resource      ResourceUsage `json:"resource"`
}

// resourceSampler reads process usage from runtime/metrics. CPU is reported
// as the share of all cores used since the previous sample.
type resourceSampler struct {
	mu      sync.Mutex
	samples []metrics.Sample
	lastCPU float64
	lastAt  time.Time
	numCPU  float64
	now     func() time.Time
}

func newResourceSampler() *resourceSampler {
	return &resourceSampler{
		samples: []metrics.Sample{
			{Name: cpuSecondsMetric},
			{Name: heapBytesMetric},
			{Name: goroutinesMetric},
		},
		numCPU: float64(runtime.NumCPU()),
		now:    time.Now,
	}
}

func (r *resourceSampler) Sample() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	now := r.now()
	usage := ResourceUsage{SampledAtUnix: now.Unix()}

	for _, sample := range r.samples {
		switch sample.Name {
		case cpuSecondsMetric:
			if sample.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpu := sample.Value.Float64()
			if !r.lastAt.IsZero() {
				wall := now.Sub(r.lastAt).Seconds()
				if wall > 0 && r.numCPU > 0 && cpu >= r.lastCPU {
					usage.CPUPercent = (cpu - r.lastCPU) / wall / r.numCPU * 100
				}
			}
			r.lastCPU = cpu
		case heapBytesMetric:
			if sample.Value.Kind() == metrics.KindUint64 {
				usage.HeapBytes = sample.Value.Uint64()
			}
		case goroutinesMetric:
			if sample.Value.Kind() == metrics.KindUint64 {
				usage.Goroutines = sample.Value.Uint64()
			}
		}
	}
	r.lastAt = now
	return usage
}

// NodeStatus reports the node's topology, the guard's current load and a
// fresh resource sample.
func (s *Service) NodeStatus() NodeStatus {
	status := NodeStatus{
		Load:     s.guard.Load(),
		Resource: s.resources.Sample(),
	}
	if s.Conf != nil {
		status.Queue = s.Conf.Queue
		status.Exchange = s.Conf.Exchange
		status.PubSubSystem = s.Conf.PubSubSystem
		status.PrefetchCount = s.Conf.PrefetchCount
	}
	if s.routes != nil {
		status.Routes = s.routes.Len()
	}

	s.startMu.Lock()
	status.Bindings = slices.Clone(s.bindings)
	if !s.startedAt.IsZero() {
		startedAt := s.startedAt
		status.StartedAt = &startedAt
		status.UptimeSeconds = time.Since(startedAt).Seconds()
	}
	s.startMu.Unlock()

	if status.Bindings == nil {
		status.Bindings = []string{}
	}
	return status
}
