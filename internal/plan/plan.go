// Package plan defines the canonical plan structure and its structural
// mutations. The list-of-steps form is canonical; the compact parallel-list
// form exists only for the serialization boundary.
package plan

import (
	"fmt"
)

type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
	StepWaiting StepStatus = "waiting"
	StepPlanned StepStatus = "planned"
	StepSkipped StepStatus = "skipped"
)

// Step is one ordinal unit of work. IDs are 1-based and stable: inserting
// steps shifts ordinal positions but never renumbers existing steps.
type Step struct {
	ID     int        `json:"id"`
	Title  string     `json:"title"`
	Brief  string     `json:"brief,omitempty"`
	Allow  []string   `json:"allow"`
	Status StepStatus `json:"status"`
	Role   string     `json:"role,omitempty"`
	Needs  []int      `json:"needs,omitempty"`
	Result string     `json:"result,omitempty"`
}

type Plan struct {
	Steps     []*Step  `json:"steps"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// New builds a plan from step templates, assigning 1-based ids and the
// pending status where unset.
func New(steps ...Step) *Plan {
	p := &Plan{}
	for i := range steps {
		s := steps[i]
		s.ID = i + 1
		if s.Status == "" {
			s.Status = StepPending
		}
		p.Steps = append(p.Steps, &s)
	}
	return p
}

func (p *Plan) maxID() int {
	max := 0
	for _, s := range p.Steps {
		if s.ID > max {
			max = s.ID
		}
	}
	return max
}

// Insert splices steps in at ordinal position at; every step at or after
// that position shifts forward, keeping its id and status.
func (p *Plan) Insert(at int, steps []Step) error {
	if at < 0 || at > len(p.Steps) {
		return fmt.Errorf("insert position %d out of range (plan has %d steps)", at, len(p.Steps))
	}
	next := p.maxID() + 1
	fresh := make([]*Step, 0, len(steps))
	for i := range steps {
		s := steps[i]
		s.ID = next
		next++
		if s.Status == "" {
			s.Status = StepPending
		}
		fresh = append(fresh, &s)
	}
	p.Steps = append(p.Steps[:at], append(fresh, p.Steps[at:]...)...)
	return nil
}

// FindByID returns the step with the given id, preferring ids over
// ordinals so deltas stay valid across insertions.
func (p *Plan) FindByID(id int) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// IndexOf returns the ordinal position of a step id, or -1.
func (p *Plan) IndexOf(id int) int {
	for i, s := range p.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// NextUnexecuted returns the ordinal of the first step still awaiting
// execution, or len(Steps) when nothing is left.
func (p *Plan) NextUnexecuted() int {
	for i, s := range p.Steps {
		switch s.Status {
		case StepPending, StepRunning, StepWaiting, StepPlanned:
			return i
		}
	}
	return len(p.Steps)
}

// AllDone reports whether every step finished (done or skipped).
func (p *Plan) AllDone() bool {
	for _, s := range p.Steps {
		if s.Status != StepDone && s.Status != StepSkipped {
			return false
		}
	}
	return len(p.Steps) > 0
}

// LastDone returns the ordinal of the last step marked done, or -1.
func (p *Plan) LastDone() int {
	last := -1
	for i, s := range p.Steps {
		if s.Status == StepDone {
			last = i
		}
	}
	return last
}

// Patch is a structural mutation applied mid-execution. Index must
// reference the next unexecuted step; patches targeting past steps are
// rejected by ApplyPatch.
type Patch struct {
	Index        int      `json:"index"`
	InsertSteps  []Step   `json:"insert_steps,omitempty"`
	Title        string   `json:"title,omitempty"`
	Brief        string   `json:"brief,omitempty"`
	Allow        []string `json:"allow,omitempty"`
	ArtifactsAdd []string `json:"artifacts_add,omitempty"`
}

// ApplyPatch mutates the plan. nextUnexecuted is the ordinal of the next
// step the loop has not run yet; any patch index before it is rejected.
func (p *Plan) ApplyPatch(patch *Patch, nextUnexecuted int) error {
	if patch == nil {
		return nil
	}
	if patch.Index < nextUnexecuted {
		return fmt.Errorf("patch targets step at ordinal %d which already executed (next unexecuted is %d)", patch.Index, nextUnexecuted)
	}
	if patch.Index > len(p.Steps) {
		return fmt.Errorf("patch index %d out of range (plan has %d steps)", patch.Index, len(p.Steps))
	}
	if len(patch.InsertSteps) > 0 {
		if err := p.Insert(patch.Index, patch.InsertSteps); err != nil {
			return err
		}
	} else if patch.Index < len(p.Steps) {
		s := p.Steps[patch.Index]
		if patch.Title != "" {
			s.Title = patch.Title
		}
		if patch.Brief != "" {
			s.Brief = patch.Brief
		}
		if patch.Allow != nil {
			s.Allow = patch.Allow
		}
	}
	p.Artifacts = append(p.Artifacts, patch.ArtifactsAdd...)
	return nil
}

// Delta is the incremental progress record emitted for a changed step.
// Consumers locate the step by id first, falling back to the ordinal.
type Delta struct {
	StepID  int        `json:"step_id"`
	Ordinal int        `json:"ordinal"`
	Status  StepStatus `json:"status,omitempty"`
	Title   string     `json:"title,omitempty"`
	Brief   string     `json:"brief,omitempty"`
}

// DeltaFor builds a status delta for the step at the given ordinal.
func (p *Plan) DeltaFor(ordinal int) Delta {
	s := p.Steps[ordinal]
	return Delta{StepID: s.ID, Ordinal: ordinal, Status: s.Status}
}
