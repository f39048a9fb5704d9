package event

// MaxSteps is how many agent steps a StepLog retains.
const MaxSteps = 5

// StepLog is a bounded rolling log of agent steps. Once full, adding a step
// evicts the oldest one.
type StepLog struct {
	steps []AgentStep
}

// Add appends s, evicting the oldest step when the log is full.
func (l *StepLog) Add(s AgentStep) {
	if len(l.steps) == MaxSteps {
		copy(l.steps, l.steps[1:])
		l.steps[MaxSteps-1] = s
		return
	}
	l.steps = append(l.steps, s)
}

// Steps returns the retained steps, oldest first.
func (l *StepLog) Steps() []AgentStep {
	out := make([]AgentStep, len(l.steps))
	copy(out, l.steps)
	return out
}

// Len returns the number of retained steps.
func (l *StepLog) Len() int { return len(l.steps) }
