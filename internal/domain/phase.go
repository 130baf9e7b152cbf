package domain

import (
	"fmt"
	"strings"
)

// Phase is a project's lifecycle phase.
type Phase string

const (
	PhasePrep     Phase = "prep"
	PhaseStaffing Phase = "staffing"
	PhasePreShow  Phase = "pre_show"
	PhaseActive   Phase = "active"
	PhasePostShow Phase = "post_show"
	PhaseComplete Phase = "complete"
	PhaseArchived Phase = "archived"
)

// phaseOrder is the total order of phases. Automatic transitions only ever move
// one position to the right.
var phaseOrder = []Phase{
	PhasePrep,
	PhaseStaffing,
	PhasePreShow,
	PhaseActive,
	PhasePostShow,
	PhaseComplete,
	PhaseArchived,
}

// AllPhases returns every phase in lifecycle order.
func AllPhases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// Index returns the position of p in the lifecycle, or -1 for unknown values.
func (p Phase) Index() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

func (p Phase) IsValid() bool { return p.Index() >= 0 }

// IsTerminal reports whether no automatic transition leaves p.
func (p Phase) IsTerminal() bool { return p == PhaseArchived }

// Next returns the immediate successor of p.
func (p Phase) Next() (Phase, bool) {
	idx := p.Index()
	if idx < 0 || idx+1 >= len(phaseOrder) {
		return "", false
	}
	return phaseOrder[idx+1], true
}

// Before reports whether p comes strictly earlier than other.
func (p Phase) Before(other Phase) bool {
	return p.Index() < other.Index()
}

// Display returns a human-readable label.
func (p Phase) Display() string {
	switch p {
	case PhasePrep:
		return "Prep"
	case PhaseStaffing:
		return "Staffing"
	case PhasePreShow:
		return "Pre-Show"
	case PhaseActive:
		return "Active"
	case PhasePostShow:
		return "Post-Show"
	case PhaseComplete:
		return "Complete"
	case PhaseArchived:
		return "Archived"
	default:
		return string(p)
	}
}

func (p Phase) String() string { return string(p) }

// ParsePhase accepts the canonical snake_case form as well as display and
// camel-case spellings ("PreShow", "pre-show", "Pre-Show").
func ParsePhase(raw string) (Phase, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "", "_", "", " ", "").Replace(key)
	for _, p := range phaseOrder {
		if strings.ReplaceAll(string(p), "_", "") == key {
			return p, nil
		}
	}
	return "", &ValidationError{Field: "phase", Message: fmt.Sprintf("unknown phase %q", raw)}
}

// Trigger is the cause of a transition.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerAutomatic Trigger = "automatic"
)

func (t Trigger) IsValid() bool {
	return t == TriggerManual || t == TriggerAutomatic
}

// SystemActor is recorded as the actor of evaluator-driven transitions.
const SystemActor = "system"
