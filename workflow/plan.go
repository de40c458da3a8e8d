package workflow

import "strings"

// Plan is an immutable ordered sequence of stages.
type Plan struct {
	stages []Stage
}

func newPlan(stages []Stage) Plan {
	cp := make([]Stage, len(stages))
	copy(cp, stages)
	return Plan{stages: cp}
}

// Stages returns a copy of the plan's stages.
func (p Plan) Stages() []Stage {
	return newPlan(p.stages).stages
}

// Len returns the number of stages.
func (p Plan) Len() int { return len(p.stages) }

// First returns the first stage, false for an empty plan.
func (p Plan) First() (Stage, bool) {
	if len(p.stages) == 0 {
		return "", false
	}
	return p.stages[0], true
}

// Index returns the position of s, or -1.
func (p Plan) Index(s Stage) int {
	for i, st := range p.stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Contains reports whether s is part of the plan.
func (p Plan) Contains(s Stage) bool { return p.Index(s) >= 0 }

// Next returns the stage following s, false when s is last or absent.
func (p Plan) Next(s Stage) (Stage, bool) {
	i := p.Index(s)
	if i < 0 || i+1 >= len(p.stages) {
		return "", false
	}
	return p.stages[i+1], true
}

func (p Plan) String() string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = string(s)
	}
	return strings.Join(names, " -> ")
}
