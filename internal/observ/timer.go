package observ

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Phase accumulates the durations of one named phase.
type Phase struct {
	Name  string
	Count int
	Dur   time.Duration
	Max   time.Duration
}

// Timer aggregates phase durations across translations. It is safe for
// concurrent use; a nil Timer records nothing.
type Timer struct {
	mu     sync.Mutex
	phases map[string]*Phase
	order  []string
}

// NewTimer creates a new empty Timer.
func NewTimer() *Timer { return &Timer{phases: make(map[string]*Phase, 8)} }

// Mark is a running phase measurement.
type Mark struct {
	t     *Timer
	name  string
	start time.Time
}

// Begin starts timing a phase.
func (t *Timer) Begin(name string) Mark {
	return Mark{t: t, name: name, start: time.Now()}
}

// End records the phase and returns its duration.
func (m Mark) End() time.Duration {
	d := time.Since(m.start)
	m.t.Observe(m.name, d)
	return d
}

// Observe adds one measurement of a phase.
func (t *Timer) Observe(name string, d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.phases[name]
	if !ok {
		p = &Phase{Name: name}
		t.phases[name] = p
		t.order = append(t.order, name)
	}
	p.Count++
	p.Dur += d
	if d > p.Max {
		p.Max = d
	}
}

// Summary returns a human-readable string summarizing all tracked phases.
func (t *Timer) Summary() string {
	report := t.Report()
	var sb strings.Builder
	sb.WriteString("timings:\n")
	for _, p := range report.Phases {
		fmt.Fprintf(&sb, "  %-12s %6d x %9.3f ms  max %8.3f ms\n", p.Name, p.Count, p.DurationMS, p.MaxMS)
	}
	fmt.Fprintf(&sb, "  %-12s %19.3f ms\n", "total", report.TotalMS)
	return sb.String()
}

// PhaseReport is the serializable summary of one phase.
type PhaseReport struct {
	Name       string  `json:"name"`
	Count      int     `json:"count"`
	DurationMS float64 `json:"duration_ms"`
	MaxMS      float64 `json:"max_ms"`
}

// Report is the serializable summary of a Timer.
type Report struct {
	TotalMS float64       `json:"total_ms"`
	Phases  []PhaseReport `json:"phases"`
}

// Report lists the phases in first-seen order.
func (t *Timer) Report() Report {
	if t == nil {
		return Report{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) == 0 {
		return Report{}
	}
	report := Report{Phases: make([]PhaseReport, len(t.order))}
	var total time.Duration
	for i, name := range t.order {
		p := t.phases[name]
		total += p.Dur
		report.Phases[i] = PhaseReport{
			Name:       p.Name,
			Count:      p.Count,
			DurationMS: durationToMillis(p.Dur),
			MaxMS:      durationToMillis(p.Max),
		}
	}
	report.TotalMS = durationToMillis(total)
	return report
}

// ReportByDuration is Report with the slowest phase first.
func (t *Timer) ReportByDuration() Report {
	r := t.Report()
	sort.SliceStable(r.Phases, func(i, j int) bool { return r.Phases[i].DurationMS > r.Phases[j].DurationMS })
	return r
}

func durationToMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
