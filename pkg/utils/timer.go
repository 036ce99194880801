package utils

import (
	"strings"
	"sync"
	"time"
)

// Phase is one timed stretch of work.
type Phase struct {
	Name      string
	StartTime time.Time
	Duration  time.Duration
	completed bool
}

// PhaseTimer times a single phase and supports defer-style completion.
type PhaseTimer struct {
	timer     *Timer
	phaseName string
}

// Stop stops the phase timer and records the duration.
// Safe to call multiple times; only the first call has effect.
func (pt *PhaseTimer) Stop() time.Duration {
	return pt.timer.StopPhase(pt.phaseName)
}

// Timer records named phases in start order. Safe for concurrent use.
type Timer struct {
	mu         sync.RWMutex
	name       string
	startTime  time.Time
	phases     map[string]*Phase
	phaseOrder []string
	logger     Logger
	clock      Clock
}

// TimerOption configures a Timer instance.
type TimerOption func(*Timer)

// WithLogger sets the logger PrintSummary writes to.
func WithLogger(logger Logger) TimerOption {
	return func(t *Timer) {
		t.logger = logger
	}
}

// WithClock sets a custom clock.
func WithClock(clock Clock) TimerOption {
	return func(t *Timer) {
		t.clock = clock
	}
}

// NewTimer creates a new Timer with the given name and options.
func NewTimer(name string, opts ...TimerOption) *Timer {
	t := &Timer{
		name:   name,
		phases: make(map[string]*Phase),
		clock:  NewRealClock(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.startTime = t.clock.Now()
	return t
}

// Start starts timing a new phase. Restarting a name overwrites it.
func (t *Timer) Start(phaseName string) *PhaseTimer {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.phases[phaseName]; !ok {
		t.phaseOrder = append(t.phaseOrder, phaseName)
	}
	t.phases[phaseName] = &Phase{Name: phaseName, StartTime: t.clock.Now()}

	return &PhaseTimer{timer: t, phaseName: phaseName}
}

// StopPhase stops timing a phase and returns its duration.
func (t *Timer) StopPhase(phaseName string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	phase, ok := t.phases[phaseName]
	if !ok {
		return 0
	}
	if !phase.completed {
		phase.Duration = t.clock.Since(phase.StartTime)
		phase.completed = true
	}
	return phase.Duration
}

// GetDuration returns the duration of a completed phase.
func (t *Timer) GetDuration(phaseName string) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if phase, ok := t.phases[phaseName]; ok {
		return phase.Duration
	}
	return 0
}

// TotalDuration returns the total duration since the timer was created.
func (t *Timer) TotalDuration() time.Duration {
	return t.clock.Since(t.startTime)
}

// Durations returns completed phase durations keyed by name.
func (t *Timer) Durations() map[string]time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]time.Duration, len(t.phases))
	for name, phase := range t.phases {
		if phase.completed {
			out[name] = phase.Duration
		}
	}
	return out
}

// Summary returns a formatted summary of all phases.
func (t *Timer) Summary() string {
	var sb strings.Builder
	for _, line := range t.lines() {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

// PrintSummary writes the summary to the configured logger.
func (t *Timer) PrintSummary() {
	if t.logger == nil {
		return
	}
	for _, line := range t.lines() {
		t.logger.Info("%s", line)
	}
}

func (t *Timer) lines() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.phaseOrder)+2)
	out = append(out, "=== "+t.name+" Timing Summary ===")
	for _, name := range t.phaseOrder {
		phase := t.phases[name]
		out = append(out, "  "+phase.Name+": "+phase.Duration.String())
	}
	out = append(out, "Total: "+t.TotalDuration().String())
	return out
}
