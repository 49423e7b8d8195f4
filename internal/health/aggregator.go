package health

import (
	"context"
	"sync"
	"time"
)

// Status describes one dependency or the aggregate.
type Status string

const (
	Healthy     Status = "healthy"
	Degraded    Status = "degraded"
	Unreachable Status = "unreachable"
)

// Probe checks one external dependency. Critical marks dependencies on the
// core request path (document store, vector store): if any critical probe
// fails, the aggregate is unreachable rather than degraded.
type Probe struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// DependencyStatus is the outcome of one probe.
type DependencyStatus struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report is the aggregate health snapshot.
type Report struct {
	Status       Status                      `json:"status"`
	Dependencies map[string]DependencyStatus `json:"dependencies"`
	CheckedAt    time.Time                   `json:"checked_at"`
}

// Aggregator probes all dependencies concurrently, each bounded by its own
// timeout, so the slowest (or hung) dependency never delays the report
// beyond one timeout.
type Aggregator struct {
	probes  []Probe
	timeout time.Duration
}

// NewAggregator creates an Aggregator. timeout bounds each individual probe;
// defaults to 5s.
func NewAggregator(probes []Probe, timeout time.Duration) *Aggregator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Aggregator{probes: probes, timeout: timeout}
}

// Check runs every probe concurrently and aggregates the outcome:
// healthy iff all probes pass, unreachable if any critical probe fails,
// degraded otherwise.
func (a *Aggregator) Check(ctx context.Context) Report {
	report := Report{
		Dependencies: make(map[string]DependencyStatus, len(a.probes)),
		CheckedAt:    time.Now().UTC(),
	}

	type outcome struct {
		name string
		err  error
	}
	results := make([]outcome, len(a.probes))

	var wg sync.WaitGroup
	for i, p := range a.probes {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			results[i] = outcome{name: p.Name, err: p.Check(probeCtx)}
		}(i, p)
	}
	wg.Wait()

	allHealthy := true
	coreHealthy := true
	for i, res := range results {
		status := Healthy
		detail := ""
		if res.err != nil {
			status = Unreachable
			detail = res.err.Error()
			allHealthy = false
			if a.probes[i].Critical {
				coreHealthy = false
			}
		}
		report.Dependencies[res.name] = DependencyStatus{Status: status, Error: detail}
	}

	switch {
	case allHealthy:
		report.Status = Healthy
	case coreHealthy:
		report.Status = Degraded
	default:
		report.Status = Unreachable
	}
	return report
}
