package repo

import (
	"context"
	"database/sql"
	"errors"

	"callsheet/internal/domain"
)

func scanPatch(row rowScanner) (domain.PhaseConfigPatch, error) {
	var (
		patch                domain.PhaseConfigPatch
		month, day, hour, on sql.NullInt64
		tz                   sql.NullString
	)
	if err := row.Scan(&month, &day, &hour, &on, &tz); err != nil {
		return patch, err
	}
	patch.ArchiveMonth = nullInt(month)
	patch.ArchiveDay = nullInt(day)
	patch.PostShowTransitionHour = nullInt(hour)
	if on.Valid {
		v := on.Int64 != 0
		patch.AutoTransitionsEnabled = &v
	}
	patch.Timezone = nullString(tz)
	return patch, nil
}

// GetProjectPhaseConfig returns the project's overrides. The project's own
// timezone is reported as the Timezone override. A project without an
// override row yields a patch holding only its timezone.
func (r Repo) GetProjectPhaseConfig(ctx context.Context, projectID string) (domain.PhaseConfigPatch, error) {
	row := r.DB.QueryRowContext(ctx, `
SELECT pc.archive_month, pc.archive_day, pc.post_show_transition_hour, pc.auto_transitions_enabled, p.timezone
FROM projects p LEFT JOIN project_phase_config pc ON pc.project_id = p.id
WHERE p.id=?`, projectID)
	patch, err := scanPatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return patch, &domain.NotFoundError{Kind: "project", ID: projectID}
	}
	return patch, err
}

// GetOrgPhaseConfig returns the organization defaults, empty when none are stored.
func (r Repo) GetOrgPhaseConfig(ctx context.Context, orgID string) (domain.PhaseConfigPatch, error) {
	row := r.DB.QueryRowContext(ctx, `
SELECT archive_month, archive_day, post_show_transition_hour, auto_transitions_enabled, timezone
FROM org_phase_config WHERE org_id=?`, orgID)
	patch, err := scanPatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PhaseConfigPatch{}, nil
	}
	return patch, err
}

// PutProjectPhaseConfigTx replaces the project's override row with patch and
// writes patch.Timezone to the project record.
func (r Repo) PutProjectPhaseConfigTx(ctx context.Context, tx *sql.Tx, projectID string, patch domain.PhaseConfigPatch, actor, now string) error {
	if err := r.SetProjectTimezoneTx(ctx, tx, projectID, patch.Timezone); err != nil {
		return err
	}
	_, err := r.q(tx).ExecContext(ctx, `
INSERT INTO project_phase_config(project_id,archive_month,archive_day,post_show_transition_hour,auto_transitions_enabled,updated_at,updated_by)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET
  archive_month=excluded.archive_month,
  archive_day=excluded.archive_day,
  post_show_transition_hour=excluded.post_show_transition_hour,
  auto_transitions_enabled=excluded.auto_transitions_enabled,
  updated_at=excluded.updated_at,
  updated_by=excluded.updated_by`,
		projectID, nullableIntPtr(patch.ArchiveMonth), nullableIntPtr(patch.ArchiveDay), nullableIntPtr(patch.PostShowTransitionHour),
		nullableBoolPtr(patch.AutoTransitionsEnabled), now, actor)
	return err
}

// PutOrgPhaseConfigTx replaces the organization's defaults with patch.
func (r Repo) PutOrgPhaseConfigTx(ctx context.Context, tx *sql.Tx, orgID string, patch domain.PhaseConfigPatch, actor, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `
INSERT INTO org_phase_config(org_id,archive_month,archive_day,post_show_transition_hour,auto_transitions_enabled,timezone,updated_at,updated_by)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(org_id) DO UPDATE SET
  archive_month=excluded.archive_month,
  archive_day=excluded.archive_day,
  post_show_transition_hour=excluded.post_show_transition_hour,
  auto_transitions_enabled=excluded.auto_transitions_enabled,
  timezone=excluded.timezone,
  updated_at=excluded.updated_at,
  updated_by=excluded.updated_by`,
		orgID, nullableIntPtr(patch.ArchiveMonth), nullableIntPtr(patch.ArchiveDay), nullableIntPtr(patch.PostShowTransitionHour),
		nullableBoolPtr(patch.AutoTransitionsEnabled), nullableStringPtr(patch.Timezone), now, actor)
	return err
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
