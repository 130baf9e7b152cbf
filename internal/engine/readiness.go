package engine

import (
	"context"
	"fmt"
	"strings"

	"callsheet/internal/domain"
	"callsheet/internal/events"
)

// ReadinessBundle is a snapshot of the readiness rows the criteria read.
// Loading a bundle replaces every readiness row the project had, so a row left
// out of the bundle is gone afterwards and loading the same bundle twice is
// harmless.
type ReadinessBundle struct {
	TeamAssignments      []domain.TeamAssignment      `json:"team_assignments,omitempty"`
	StaffingRequirements []domain.StaffingRequirement `json:"staffing_requirements,omitempty"`
	TalentAssignments    []domain.TalentAssignment    `json:"talent_assignments,omitempty"`
	Timecards            []domain.Timecard            `json:"timecards,omitempty"`
	Items                []domain.ReadinessItem       `json:"items,omitempty"`
}

func (b ReadinessBundle) count() int {
	return len(b.TeamAssignments) + len(b.StaffingRequirements) + len(b.TalentAssignments) + len(b.Timecards) + len(b.Items)
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func invalidRow(table string, i int, field, msg string) error {
	return &domain.ValidationError{Field: fmt.Sprintf("%s[%d].%s", table, i, field), Message: msg}
}

// Validate checks every row before anything is written. Timecards without a
// status are taken as drafts.
func (b ReadinessBundle) Validate() error {
	for i, a := range b.TeamAssignments {
		if blank(a.ID) {
			return invalidRow("team_assignments", i, "id", "id is required")
		}
		if blank(a.Role) {
			return invalidRow("team_assignments", i, "role", "role is required")
		}
	}
	for i, s := range b.StaffingRequirements {
		if blank(s.Role) {
			return invalidRow("staffing_requirements", i, "role", "role is required")
		}
		if s.Required < 0 {
			return invalidRow("staffing_requirements", i, "required", "required must not be negative")
		}
	}
	for i, t := range b.TalentAssignments {
		if blank(t.ID) {
			return invalidRow("talent_assignments", i, "id", "id is required")
		}
		if blank(t.TalentID) {
			return invalidRow("talent_assignments", i, "talent_id", "talent_id is required")
		}
	}
	for i, tc := range b.Timecards {
		if blank(tc.ID) {
			return invalidRow("timecards", i, "id", "id is required")
		}
		if tc.Status != "" && !tc.Status.IsValid() {
			return invalidRow("timecards", i, "status", "unknown timecard status "+string(tc.Status))
		}
	}
	for i, it := range b.Items {
		if !it.Phase.IsValid() {
			return invalidRow("items", i, "phase", "unknown phase "+string(it.Phase))
		}
		if blank(it.Key) {
			return invalidRow("items", i, "key", "key is required")
		}
	}
	return nil
}

// LoadReadiness replaces the readiness rows of projectID with b in one
// transaction. Rows always belong to projectID whatever project_id they carry.
func (e Engine) LoadReadiness(ctx context.Context, projectID string, b ReadinessBundle, actor string) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return &domain.ValidationError{Field: "project_id", Message: "project_id is required"}
	}
	if err := b.Validate(); err != nil {
		return err
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Persistence("get project", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Persistence("begin load readiness", err)
	}
	defer tx.Rollback()
	if err := e.Repo.ClearReadiness(ctx, tx, projectID); err != nil {
		return domain.Persistence("clear readiness", err)
	}
	for _, a := range b.TeamAssignments {
		a.ProjectID = projectID
		if err := e.Repo.InsertTeamAssignment(ctx, tx, a); err != nil {
			return domain.Persistence("write team assignment", err)
		}
	}
	for _, s := range b.StaffingRequirements {
		s.ProjectID = projectID
		if err := e.Repo.UpsertStaffingRequirement(ctx, tx, s); err != nil {
			return domain.Persistence("write staffing requirement", err)
		}
	}
	for _, t := range b.TalentAssignments {
		t.ProjectID = projectID
		if err := e.Repo.InsertTalentAssignment(ctx, tx, t); err != nil {
			return domain.Persistence("write talent assignment", err)
		}
	}
	for _, tc := range b.Timecards {
		tc.ProjectID = projectID
		if err := e.Repo.InsertTimecard(ctx, tx, tc); err != nil {
			return domain.Persistence("write timecard", err)
		}
	}
	for _, it := range b.Items {
		it.ProjectID = projectID
		if err := e.Repo.UpsertReadinessItem(ctx, tx, it); err != nil {
			return domain.Persistence("write readiness item", err)
		}
	}
	if err := e.Events.Append(ctx, tx, events.ReadinessLoaded, projectID, "project", projectID, actor, events.EventPayload{
		"rows": b.count(),
	}); err != nil {
		return domain.Persistence("append readiness event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Persistence("commit load readiness", err)
	}
	e.logger().Debug("readiness loaded", "project_id", projectID, "rows", b.count())
	return nil
}
