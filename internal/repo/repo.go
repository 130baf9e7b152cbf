package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"callsheet/internal/db"
	"callsheet/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound matches every not-found error returned by this package.
var ErrNotFound = domain.ErrNotFound

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// Ping checks that the database answers a trivial query.
func (r Repo) Ping(ctx context.Context) error {
	var one int
	return r.DB.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

const projectColumns = `id,org_id,name,COALESCE(description,''),COALESCE(venue,''),timezone,rehearsal_start_date,show_start_date,show_end_date,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var (
		p                        domain.Project
		tz, rehearsal, show, end sql.NullString
		createdAt                string
	)
	if err := row.Scan(&p.ID, &p.OrgID, &p.Name, &p.Description, &p.Venue, &tz, &rehearsal, &show, &end, &createdAt); err != nil {
		return p, err
	}
	p.Timezone = nullString(tz)
	var err error
	if p.RehearsalStartDate, err = nullDate(rehearsal); err != nil {
		return p, err
	}
	if p.ShowStartDate, err = nullDate(show); err != nil {
		return p, err
	}
	if p.ShowEndDate, err = nullDate(end); err != nil {
		return p, err
	}
	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		p.CreatedAt = ts
	}
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,org_id,name,description,venue,timezone,rehearsal_start_date,show_start_date,show_end_date,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, nullable(p.Description), nullable(p.Venue), nullableStringPtr(p.Timezone),
		nullableDate(p.RehearsalStartDate), nullableDate(p.ShowStartDate), nullableDate(p.ShowEndDate),
		p.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return p, &domain.NotFoundError{Kind: "project", ID: id}
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context, orgID string) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if orgID != "" {
		query += ` WHERE org_id=?`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProjectTx applies the non-nil fields of patch.
func (r Repo) UpdateProjectTx(ctx context.Context, tx *sql.Tx, id string, patch domain.ProjectPatch) error {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	if patch.Name != nil {
		set("name", strings.TrimSpace(*patch.Name))
	}
	if patch.Description != nil {
		set("description", nullable(*patch.Description))
	}
	if patch.Venue != nil {
		set("venue", nullable(*patch.Venue))
	}
	if patch.RehearsalStartDate != nil {
		set("rehearsal_start_date", nullableDate(patch.RehearsalStartDate))
	}
	if patch.ShowStartDate != nil {
		set("show_start_date", nullableDate(patch.ShowStartDate))
	}
	if patch.ShowEndDate != nil {
		set("show_end_date", nullableDate(patch.ShowEndDate))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return &domain.NotFoundError{Kind: "project", ID: id}
	}
	return nil
}

// SetProjectTimezoneTx sets or clears (nil or empty) the project's own timezone.
func (r Repo) SetProjectTimezoneTx(ctx context.Context, tx *sql.Tx, id string, tz *string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE projects SET timezone=? WHERE id=?`, nullableStringPtr(tz), id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return &domain.NotFoundError{Kind: "project", ID: id}
	}
	return nil
}

// Phase state.

const phaseStateSelect = `SELECT s.project_id, p.org_id, s.current_phase, s.phase_updated_at, p.timezone,
  p.rehearsal_start_date, p.show_end_date,
  COALESCE(pc.auto_transitions_enabled, oc.auto_transitions_enabled, ?) AS auto_enabled
FROM project_phase_state s
JOIN projects p ON p.id = s.project_id
LEFT JOIN project_phase_config pc ON pc.project_id = s.project_id
LEFT JOIN org_phase_config oc ON oc.org_id = p.org_id`

func scanPhaseState(row rowScanner) (domain.ProjectPhaseState, error) {
	var (
		st                 domain.ProjectPhaseState
		phase, version     string
		tz, rehearsal, end sql.NullString
		auto               int
	)
	if err := row.Scan(&st.ProjectID, &st.OrgID, &phase, &version, &tz, &rehearsal, &end, &auto); err != nil {
		return st, err
	}
	st.CurrentPhase = domain.Phase(phase)
	if !st.CurrentPhase.IsValid() {
		return st, fmt.Errorf("project %s has invalid stored phase %q", st.ProjectID, phase)
	}
	var err error
	if st.PhaseUpdatedAt, err = db.ParseTime(version); err != nil {
		return st, err
	}
	st.Timezone = nullString(tz)
	if st.RehearsalStartDate, err = nullDate(rehearsal); err != nil {
		return st, err
	}
	if st.ShowEndDate, err = nullDate(end); err != nil {
		return st, err
	}
	st.AutoTransitionsEnabled = auto != 0
	return st, nil
}

// InsertPhaseStateTx creates the phase row for a new project.
func (r Repo) InsertPhaseStateTx(ctx context.Context, tx *sql.Tx, projectID string, phase domain.Phase, version time.Time) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO project_phase_state(project_id,current_phase,phase_updated_at) VALUES (?,?,?)`,
		projectID, string(phase), db.FormatTime(version))
	return err
}

// GetPhaseState reads a project's phase row. defaultAuto is used when neither
// the project nor its organization configures auto transitions.
func (r Repo) GetPhaseState(ctx context.Context, projectID string, defaultAuto bool) (domain.ProjectPhaseState, error) {
	return r.GetPhaseStateTx(ctx, nil, projectID, defaultAuto)
}

func (r Repo) GetPhaseStateTx(ctx context.Context, tx *sql.Tx, projectID string, defaultAuto bool) (domain.ProjectPhaseState, error) {
	st, err := scanPhaseState(r.q(tx).QueryRowContext(ctx, phaseStateSelect+` WHERE s.project_id=?`, boolInt(defaultAuto), projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return st, &domain.NotFoundError{Kind: "project phase state", ID: projectID}
	}
	return st, err
}

// CompareAndSwapPhaseTx moves the project to next only if its version still
// equals expected. It reports whether the row was written.
func (r Repo) CompareAndSwapPhaseTx(ctx context.Context, tx *sql.Tx, projectID string, expected time.Time, next domain.Phase, version time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE project_phase_state SET current_phase=?, phase_updated_at=? WHERE project_id=? AND phase_updated_at=?`,
		string(next), db.FormatTime(version), projectID, db.FormatTime(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type PhaseStateFilter struct {
	OrgID string
	// Phases restricts results to projects currently in one of these phases.
	Phases []domain.Phase
	// ExcludeArchived drops terminal projects.
	ExcludeArchived bool
	// AutoOnly keeps projects whose effective auto flag is on.
	AutoOnly    bool
	DefaultAuto bool
}

// ListPhaseStates returns phase rows ordered by project id.
func (r Repo) ListPhaseStates(ctx context.Context, f PhaseStateFilter) ([]domain.ProjectPhaseState, error) {
	clauses := []string{"1=1"}
	args := []any{boolInt(f.DefaultAuto)}
	if f.OrgID != "" {
		clauses = append(clauses, "p.org_id=?")
		args = append(args, f.OrgID)
	}
	if f.ExcludeArchived {
		clauses = append(clauses, "s.current_phase<>?")
		args = append(args, string(domain.PhaseArchived))
	}
	if len(f.Phases) > 0 {
		marks := make([]string, 0, len(f.Phases))
		for _, ph := range f.Phases {
			marks = append(marks, "?")
			args = append(args, string(ph))
		}
		clauses = append(clauses, "s.current_phase IN ("+strings.Join(marks, ",")+")")
	}
	if f.AutoOnly {
		clauses = append(clauses, "COALESCE(pc.auto_transitions_enabled, oc.auto_transitions_enabled, ?)=1")
		args = append(args, boolInt(f.DefaultAuto))
	}
	query := phaseStateSelect + ` WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY s.project_id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectPhaseState
	for rows.Next() {
		st, err := scanPhaseState(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// Events outbox.

// LatestEventsFrom returns events newest first, starting below cursor when set.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, optionally for one project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if strings.TrimSpace(*v) == "" {
		return nil
	}
	return strings.TrimSpace(*v)
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	return boolInt(*v)
}

func nullableDate(d *domain.Date) any {
	if d == nil || d.IsZero() {
		return nil
	}
	return d.String()
}

func nullString(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

func nullDate(v sql.NullString) (*domain.Date, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	d, err := domain.ParseDate(v.String)
	if err != nil {
		return nil, fmt.Errorf("stored date: %w", err)
	}
	return &d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
