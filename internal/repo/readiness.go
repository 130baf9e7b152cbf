package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"callsheet/internal/criteria"
	"callsheet/internal/domain"
)

// ReadinessSnapshot loads everything the criteria checks read for a project.
func (r Repo) ReadinessSnapshot(ctx context.Context, projectID string) (criteria.Input, error) {
	var in criteria.Input
	p, err := r.GetProject(ctx, projectID)
	if err != nil {
		return in, err
	}
	in.Project = p
	if in.TeamAssignments, err = r.ListTeamAssignments(ctx, projectID); err != nil {
		return in, err
	}
	if in.StaffingRequirements, err = r.ListStaffingRequirements(ctx, projectID); err != nil {
		return in, err
	}
	if in.TalentAssignments, err = r.ListTalentAssignments(ctx, projectID); err != nil {
		return in, err
	}
	if in.Timecards, err = r.ListTimecards(ctx, projectID); err != nil {
		return in, err
	}
	return in, nil
}

func (r Repo) ListTeamAssignments(ctx context.Context, projectID string) ([]domain.TeamAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,user_id,role,confirmed FROM team_assignments WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TeamAssignment
	for rows.Next() {
		var a domain.TeamAssignment
		var confirmed int
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.UserID, &a.Role, &confirmed); err != nil {
			return nil, err
		}
		a.Confirmed = confirmed != 0
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) ListStaffingRequirements(ctx context.Context, projectID string) ([]domain.StaffingRequirement, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,role,required FROM staffing_requirements WHERE project_id=? ORDER BY role`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StaffingRequirement
	for rows.Next() {
		var s domain.StaffingRequirement
		if err := rows.Scan(&s.ProjectID, &s.Role, &s.Required); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ListTalentAssignments(ctx context.Context, projectID string) ([]domain.TalentAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,talent_id,COALESCE(escort_id,''),assigned FROM talent_assignments WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TalentAssignment
	for rows.Next() {
		var t domain.TalentAssignment
		var assigned int
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.TalentID, &t.EscortID, &assigned); err != nil {
			return nil, err
		}
		t.Assigned = assigned != 0
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListTimecards(ctx context.Context, projectID string) ([]domain.Timecard, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,user_id,status,paid FROM timecards WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Timecard
	for rows.Next() {
		var tc domain.Timecard
		var status string
		var paid int
		if err := rows.Scan(&tc.ID, &tc.ProjectID, &tc.UserID, &status, &paid); err != nil {
			return nil, err
		}
		tc.Status = domain.TimecardStatus(status)
		tc.Paid = paid != 0
		res = append(res, tc)
	}
	return res, rows.Err()
}

// ListReadinessItems returns the open checklist entries for a phase.
func (r Repo) ListReadinessItems(ctx context.Context, projectID string, phase domain.Phase, includeDone bool) ([]domain.ReadinessItem, error) {
	query := `SELECT project_id,phase,key,label,done FROM readiness_items WHERE project_id=? AND phase=?`
	if !includeDone {
		query += ` AND done=0`
	}
	query += ` ORDER BY key`
	rows, err := r.DB.QueryContext(ctx, query, projectID, string(phase))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReadinessItem
	for rows.Next() {
		var it domain.ReadinessItem
		var ph string
		var done int
		if err := rows.Scan(&it.ProjectID, &ph, &it.Key, &it.Label, &done); err != nil {
			return nil, err
		}
		it.Phase = domain.Phase(ph)
		it.Done = done != 0
		res = append(res, it)
	}
	return res, rows.Err()
}

// Writers for readiness rows. These belong to the wider application; they are
// used to load snapshots from files and to seed tests. Row ids are scoped to
// their project: the same id under two projects names two rows.

// ClearReadiness removes every readiness row of one project.
func (r Repo) ClearReadiness(ctx context.Context, tx *sql.Tx, projectID string) error {
	for _, table := range []string{"team_assignments", "staffing_requirements", "talent_assignments", "timecards", "readiness_items"} {
		if _, err := r.q(tx).ExecContext(ctx, `DELETE FROM `+table+` WHERE project_id=?`, projectID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

func (r Repo) InsertTeamAssignment(ctx context.Context, tx *sql.Tx, a domain.TeamAssignment) error {
	if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.Role) == "" {
		return errors.New("team assignment id and role required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO team_assignments(id,project_id,user_id,role,confirmed) VALUES (?,?,?,?,?)
ON CONFLICT(project_id,id) DO UPDATE SET user_id=excluded.user_id, role=excluded.role, confirmed=excluded.confirmed`,
		a.ID, a.ProjectID, a.UserID, a.Role, boolInt(a.Confirmed))
	return err
}

func (r Repo) UpsertStaffingRequirement(ctx context.Context, tx *sql.Tx, s domain.StaffingRequirement) error {
	if strings.TrimSpace(s.Role) == "" {
		return errors.New("staffing requirement role required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO staffing_requirements(project_id,role,required) VALUES (?,?,?)
ON CONFLICT(project_id,role) DO UPDATE SET required=excluded.required`, s.ProjectID, s.Role, s.Required)
	return err
}

func (r Repo) InsertTalentAssignment(ctx context.Context, tx *sql.Tx, t domain.TalentAssignment) error {
	if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.TalentID) == "" {
		return errors.New("talent assignment id and talent_id required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO talent_assignments(id,project_id,talent_id,escort_id,assigned) VALUES (?,?,?,?,?)
ON CONFLICT(project_id,id) DO UPDATE SET talent_id=excluded.talent_id, escort_id=excluded.escort_id, assigned=excluded.assigned`,
		t.ID, t.ProjectID, t.TalentID, nullable(t.EscortID), boolInt(t.Assigned))
	return err
}

func (r Repo) InsertTimecard(ctx context.Context, tx *sql.Tx, tc domain.Timecard) error {
	if strings.TrimSpace(tc.ID) == "" {
		return errors.New("timecard id required")
	}
	if tc.Status == "" {
		tc.Status = domain.TimecardDraft
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO timecards(id,project_id,user_id,status,paid) VALUES (?,?,?,?,?)
ON CONFLICT(project_id,id) DO UPDATE SET user_id=excluded.user_id, status=excluded.status, paid=excluded.paid`,
		tc.ID, tc.ProjectID, tc.UserID, string(tc.Status), boolInt(tc.Paid))
	return err
}

func (r Repo) UpsertReadinessItem(ctx context.Context, tx *sql.Tx, it domain.ReadinessItem) error {
	if !it.Phase.IsValid() {
		return &domain.ValidationError{Field: "phase", Message: "unknown phase " + string(it.Phase)}
	}
	if strings.TrimSpace(it.Key) == "" {
		return errors.New("readiness item key required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO readiness_items(project_id,phase,key,label,done) VALUES (?,?,?,?,?)
ON CONFLICT(project_id,phase,key) DO UPDATE SET label=excluded.label, done=excluded.done`,
		it.ProjectID, string(it.Phase), it.Key, it.Label, boolInt(it.Done))
	return err
}
