package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"callsheet/internal/db"
	"callsheet/internal/domain"
)

// Event types appended to the outbox.
const (
	PhaseTransitioned  = "phase.transitioned"
	PhaseConfigUpdated = "phase.config.updated"
	ProjectCreated     = "project.created"
	ProjectUpdated     = "project.updated"
	ReadinessLoaded    = "readiness.loaded"
	RoleGranted        = "rbac.role.granted"
	RoleRevoked        = "rbac.role.revoked"
	APIKeyCreated      = "apikey.created"
	APIKeyRevoked      = "apikey.revoked"
)

// Writer appends outbox events and owns the transition audit trail.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	ts := w.now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// Record appends rec to the audit trail and a phase.transitioned event to the
// outbox. It must run inside the transaction that changed the phase.
func (w Writer) Record(ctx context.Context, tx *sql.Tx, rec domain.TransitionRecord) error {
	if tx == nil {
		return errors.New("transition record requires a transaction")
	}
	if rec.ID == "" || rec.ProjectID == "" {
		return errors.New("transition record id and project_id required")
	}
	if !rec.FromPhase.IsValid() || !rec.ToPhase.IsValid() {
		return fmt.Errorf("transition record has invalid phases %q -> %q", rec.FromPhase, rec.ToPhase)
	}
	if !rec.Trigger.IsValid() {
		return fmt.Errorf("transition record has invalid trigger %q", rec.Trigger)
	}
	if strings.TrimSpace(rec.Actor) == "" {
		return errors.New("transition record actor required")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO transition_records(id,project_id,from_phase,to_phase,trigger,actor,reason,occurred_at,forced) VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.ProjectID, string(rec.FromPhase), string(rec.ToPhase), string(rec.Trigger), rec.Actor,
		nullable(rec.Reason), db.FormatTime(rec.OccurredAt), boolInt(rec.Forced))
	if err != nil {
		return fmt.Errorf("insert transition record: %w", err)
	}
	return w.Append(ctx, tx, PhaseTransitioned, rec.ProjectID, "project", rec.ProjectID, rec.Actor, EventPayload{
		"record_id":   rec.ID,
		"from":        rec.FromPhase,
		"to":          rec.ToPhase,
		"trigger":     rec.Trigger,
		"forced":      rec.Forced,
		"reason":      rec.Reason,
		"occurred_at": rec.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
}

// HistoryPage is one page of transition records, most recent first.
type HistoryPage struct {
	Items      []domain.TransitionRecord `json:"items"`
	NextCursor string                    `json:"next_cursor,omitempty"`
}

// History returns a project's records most recent first. A limit of zero or
// less returns everything after the cursor.
func (w Writer) History(ctx context.Context, projectID string, limit int, cursor string) (HistoryPage, error) {
	clauses := []string{"project_id=?"}
	args := []any{projectID}
	if cursor != "" {
		ts, id, err := ParseCursor(cursor)
		if err != nil {
			return HistoryPage{}, err
		}
		clauses = append(clauses, "(occurred_at < ? OR (occurred_at = ? AND id < ?))")
		args = append(args, ts, ts, id)
	}
	query := `SELECT id,project_id,from_phase,to_phase,trigger,actor,COALESCE(reason,''),occurred_at,forced FROM transition_records WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY occurred_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit+1)
	}
	items, err := w.query(ctx, query, args...)
	if err != nil {
		return HistoryPage{}, err
	}
	page := HistoryPage{Items: items}
	if limit > 0 && len(items) > limit {
		page.Items = items[:limit]
		page.NextCursor = EncodeCursor(items[limit-1])
	}
	if page.Items == nil {
		page.Items = []domain.TransitionRecord{}
	}
	return page, nil
}

// Sequence returns every record of a project oldest first.
func (w Writer) Sequence(ctx context.Context, projectID string) ([]domain.TransitionRecord, error) {
	return w.query(ctx, `SELECT id,project_id,from_phase,to_phase,trigger,actor,COALESCE(reason,''),occurred_at,forced FROM transition_records WHERE project_id=? ORDER BY occurred_at ASC, id ASC`, projectID)
}

func (w Writer) query(ctx context.Context, query string, args ...any) ([]domain.TransitionRecord, error) {
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionRecord
	for rows.Next() {
		var (
			rec                         domain.TransitionRecord
			from, to, trigger, occurred string
			forced                      int
		)
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &from, &to, &trigger, &rec.Actor, &rec.Reason, &occurred, &forced); err != nil {
			return nil, err
		}
		rec.FromPhase = domain.Phase(from)
		rec.ToPhase = domain.Phase(to)
		rec.Trigger = domain.Trigger(trigger)
		rec.Forced = forced != 0
		if rec.OccurredAt, err = db.ParseTime(occurred); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// EncodeCursor returns the cursor that continues after rec.
func EncodeCursor(rec domain.TransitionRecord) string {
	return db.FormatTime(rec.OccurredAt) + "|" + rec.ID
}

// ParseCursor splits a history cursor into its timestamp and id.
func ParseCursor(cursor string) (string, string, error) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &domain.ValidationError{Field: "cursor", Message: "invalid cursor"}
	}
	if _, err := db.ParseTime(parts[0]); err != nil {
		return "", "", &domain.ValidationError{Field: "cursor", Message: "invalid cursor"}
	}
	return parts[0], parts[1], nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
