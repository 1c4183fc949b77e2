// Package quota tracks namespace storage consumption and turns size
// observations into admission decisions.
package quota

import (
	"context"
	"sync"
)

// Decision is the outcome of a quota check.
type Decision string

const (
	// DecisionOK means the namespace is within its limits.
	DecisionOK Decision = "ok"
	// DecisionSoftExceeded means the soft limit is exceeded; the write
	// proceeds but the caller should surface a warning.
	DecisionSoftExceeded Decision = "soft_exceeded"
	// DecisionHardExceeded means the hard limit is exceeded; the caller
	// may reject the write.
	DecisionHardExceeded Decision = "hard_exceeded"
)

// Observation reports the size attributed to a namespace after a
// successful manifest push.
type Observation struct {
	Namespace  string
	Repository string
	SizeBytes  int64
}

// Engine receives size observations and answers with a decision.
// Implementations may consult an external billing or quota service; the
// in-process engine below keeps running totals.
type Engine interface {
	Observe(ctx context.Context, obs Observation) (Decision, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, obs Observation) (Decision, error)

func (f EngineFunc) Observe(ctx context.Context, obs Observation) (Decision, error) {
	return f(ctx, obs)
}

// NoopEngine accepts everything. Used when quotas are not configured.
type NoopEngine struct{}

func (NoopEngine) Observe(context.Context, Observation) (Decision, error) {
	return DecisionOK, nil
}

// StaticEngine enforces fixed per-namespace byte limits with running
// totals held in memory. Zero for either limit disables that limit.
type StaticEngine struct {
	softLimit int64
	hardLimit int64

	mu    sync.Mutex
	usage map[string]int64
}

// NewStaticEngine builds an engine with the given limits.
func NewStaticEngine(softLimit, hardLimit int64) *StaticEngine {
	return &StaticEngine{
		softLimit: softLimit,
		hardLimit: hardLimit,
		usage:     make(map[string]int64),
	}
}

func (e *StaticEngine) Observe(_ context.Context, obs Observation) (Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.usage[obs.Namespace] += obs.SizeBytes
	total := e.usage[obs.Namespace]

	switch {
	case e.hardLimit > 0 && total > e.hardLimit:
		return DecisionHardExceeded, nil
	case e.softLimit > 0 && total > e.softLimit:
		return DecisionSoftExceeded, nil
	default:
		return DecisionOK, nil
	}
}

// Usage returns the tracked total for a namespace.
func (e *StaticEngine) Usage(namespace string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage[namespace]
}

// Release subtracts bytes when content is garbage collected.
func (e *StaticEngine) Release(namespace string, bytes int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.usage[namespace] -= bytes
	if e.usage[namespace] < 0 {
		e.usage[namespace] = 0
	}
}

var (
	_ Engine = (*StaticEngine)(nil)
	_ Engine = NoopEngine{}
)
