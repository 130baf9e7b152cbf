// Package criteria checks phase exit conditions against a read-only snapshot of
// project readiness data. Every function is pure: the same Input always yields
// the same ValidationResult.
package criteria

import (
	"fmt"
	"sort"
	"strings"

	"callsheet/internal/domain"
)

// Input is the readiness snapshot a check runs against.
type Input struct {
	Project              domain.Project
	TeamAssignments      []domain.TeamAssignment
	StaffingRequirements []domain.StaffingRequirement
	TalentAssignments    []domain.TalentAssignment
	Timecards            []domain.Timecard
}

// Item keys referenced outside this package.
const (
	KeyTeamAssignments = "team_assignments"
	KeyShowEndDate     = "show_end_date"
	KeyTerminal        = "terminal_phase"
)

// ForTransition returns the exit criteria result for leaving phase from.
func ForTransition(from domain.Phase, in Input) domain.ValidationResult {
	switch from {
	case domain.PhasePrep:
		return VitalInfo(in)
	case domain.PhaseStaffing:
		return Staffing(in)
	case domain.PhasePreShow:
		return TalentAssignment(in)
	case domain.PhaseActive:
		return ShowEnded(in)
	case domain.PhasePostShow:
		return Timecards(in)
	case domain.PhaseComplete:
		return Archive(in)
	case domain.PhaseArchived:
		var c checklist
		c.check(false, true, domain.CriteriaItem{Key: KeyTerminal, Label: "Project is archived", Detail: "no phase follows archived"})
		return c.result()
	default:
		var c checklist
		c.check(false, true, domain.CriteriaItem{Key: "phase", Label: "Known phase", Detail: fmt.Sprintf("unknown phase %q", from)})
		return c.result()
	}
}

// VitalInfo requires the core project details and at least one team assignment.
func VitalInfo(in Input) domain.ValidationResult {
	var c checklist
	p := in.Project
	c.check(strings.TrimSpace(p.Name) != "", true, domain.CriteriaItem{Key: "vital.name", Label: "Project name"})
	c.check(strings.TrimSpace(p.Venue) != "", true, domain.CriteriaItem{Key: "vital.venue", Label: "Venue"})
	c.check(p.RehearsalStartDate != nil, true, domain.CriteriaItem{Key: "vital.rehearsal_start_date", Label: "Rehearsal start date"})
	c.check(p.ShowStartDate != nil, true, domain.CriteriaItem{Key: "vital.show_start_date", Label: "Show start date"})
	if p.RehearsalStartDate != nil && p.ShowStartDate != nil {
		ordered := !p.ShowStartDate.Before(*p.RehearsalStartDate)
		c.check(ordered, true, domain.CriteriaItem{
			Key:    "vital.date_order",
			Label:  "Rehearsals start before the show",
			Detail: fmt.Sprintf("rehearsal %s, show %s", p.RehearsalStartDate, p.ShowStartDate),
		})
	}
	c.check(len(in.TeamAssignments) > 0, true, domain.CriteriaItem{
		Key:    KeyTeamAssignments,
		Label:  "Team assigned",
		Detail: fmt.Sprintf("%d team assignment(s)", len(in.TeamAssignments)),
	})
	return c.result()
}

// Staffing requires every staffing requirement to be filled. Unconfirmed
// assignments count toward a role but are listed as pending.
func Staffing(in Input) domain.ValidationResult {
	var c checklist
	filled := map[string]int{}
	unconfirmed := 0
	for _, a := range in.TeamAssignments {
		filled[a.Role]++
		if !a.Confirmed {
			unconfirmed++
		}
	}
	if len(in.StaffingRequirements) == 0 {
		c.check(true, false, domain.CriteriaItem{Key: "staffing.requirements", Label: "Staffing requirements", Detail: "none defined"})
	}
	required := map[string]int{}
	for _, req := range in.StaffingRequirements {
		required[req.Role] += req.Required
	}
	for role, n := range required {
		if n <= 0 {
			continue
		}
		c.check(filled[role] >= n, true, domain.CriteriaItem{
			Key:    "staffing." + role,
			Label:  fmt.Sprintf("%s positions filled", role),
			Detail: fmt.Sprintf("%d/%d", filled[role], n),
		})
	}
	if unconfirmed > 0 {
		c.check(false, false, domain.CriteriaItem{
			Key:    "staffing.unconfirmed",
			Label:  "Team assignments confirmed",
			Detail: fmt.Sprintf("%d unconfirmed", unconfirmed),
		})
	}
	return c.result()
}

// TalentAssignment requires every talent to be assigned with an escort.
func TalentAssignment(in Input) domain.ValidationResult {
	var c checklist
	c.check(len(in.TalentAssignments) > 0, true, domain.CriteriaItem{
		Key:    "talent.roster",
		Label:  "Talent roster",
		Detail: fmt.Sprintf("%d talent", len(in.TalentAssignments)),
	})
	for _, t := range in.TalentAssignments {
		detail := "assigned"
		ok := t.Assigned && strings.TrimSpace(t.EscortID) != ""
		switch {
		case !t.Assigned:
			detail = "not assigned"
		case strings.TrimSpace(t.EscortID) == "":
			detail = "no escort"
		}
		c.check(ok, true, domain.CriteriaItem{Key: "talent." + t.TalentID, Label: "Talent " + t.TalentID, Detail: detail})
	}
	return c.result()
}

// ShowEnded requires a recorded show end date. The post-show time gate is
// evaluated separately.
func ShowEnded(in Input) domain.ValidationResult {
	var c checklist
	item := domain.CriteriaItem{Key: KeyShowEndDate, Label: "Show end date recorded"}
	if in.Project.ShowEndDate != nil {
		item.Detail = in.Project.ShowEndDate.String()
	}
	c.check(in.Project.ShowEndDate != nil, true, item)
	return c.result()
}

// Timecards requires every timecard to be approved and paid.
func Timecards(in Input) domain.ValidationResult {
	var c checklist
	if len(in.Timecards) == 0 {
		c.check(true, false, domain.CriteriaItem{Key: "timecards", Label: "Timecards", Detail: "none submitted"})
	}
	for _, tc := range in.Timecards {
		key := "timecard." + tc.ID
		label := "Timecard " + tc.ID
		if tc.Status != domain.TimecardApproved {
			c.check(false, true, domain.CriteriaItem{Key: key + ".approved", Label: label + " approved", Detail: string(tc.Status)})
			continue
		}
		c.check(tc.Paid, true, domain.CriteriaItem{Key: key + ".paid", Label: label + " paid"})
	}
	return c.result()
}

// Archive has no criteria; archiving is gated by time alone.
func Archive(Input) domain.ValidationResult {
	var c checklist
	c.check(true, false, domain.CriteriaItem{Key: "archive", Label: "Eligible for archive"})
	return c.result()
}

type checklist struct {
	completed []domain.CriteriaItem
	pending   []domain.CriteriaItem
	blockers  []domain.CriteriaItem
}

// check files item as completed when ok, otherwise as pending and, for
// blocking items, as a blocker too.
func (c *checklist) check(ok, blocking bool, item domain.CriteriaItem) {
	if ok {
		c.completed = append(c.completed, item)
		return
	}
	c.pending = append(c.pending, item)
	if blocking {
		c.blockers = append(c.blockers, item)
	}
}

func (c *checklist) result() domain.ValidationResult {
	return domain.ValidationResult{
		IsComplete:     len(c.blockers) == 0,
		CompletedItems: sorted(c.completed),
		PendingItems:   sorted(c.pending),
		Blockers:       sorted(c.blockers),
	}
}

func sorted(items []domain.CriteriaItem) []domain.CriteriaItem {
	out := make([]domain.CriteriaItem, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
