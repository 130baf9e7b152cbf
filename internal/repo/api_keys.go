package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"callsheet/internal/domain"
)

const apiKeyColumns = `id, actor_id, COALESCE(name,''), key_hash, created_at, COALESCE(last_used_at,'')`

// HashAPIKey is the lookup digest stored in place of the key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var k domain.APIKey
	err := row.Scan(&k.ID, &k.ActorID, &k.Name, &k.KeyHash, &k.CreatedAt, &k.LastUsedAt)
	return k, err
}

func (r Repo) InsertAPIKeyTx(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return errors.New("api key id required")
	case key.ActorID == "":
		return errors.New("api key actor required")
	case key.KeyHash == "":
		return errors.New("api key hash required")
	case key.CreatedAt == "":
		return errors.New("api key created_at required")
	}
	_, err := r.q(tx).ExecContext(ctx,
		`INSERT INTO api_keys(id, actor_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

// APIKeyByHash resolves a presented key digest.
func (r Repo) APIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	k, err := scanAPIKey(r.DB.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, &domain.NotFoundError{Kind: "api key", ID: "(hash)"}
	}
	return k, err
}

// TouchAPIKey records the time a key last authenticated a request.
func (r Repo) TouchAPIKey(ctx context.Context, id, at string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=?`, at, id)
	return err
}

// ListAPIKeys returns keys newest first; an empty actorID lists all of them.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at DESC, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []domain.APIKey{}
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteAPIKeyTx removes a key and returns the actor it belonged to.
func (r Repo) DeleteAPIKeyTx(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var actorID string
	err := r.q(tx).QueryRowContext(ctx, `SELECT actor_id FROM api_keys WHERE id=?`, id).Scan(&actorID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &domain.NotFoundError{Kind: "api key", ID: id}
	}
	if err != nil {
		return "", err
	}
	if _, err := r.q(tx).ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id); err != nil {
		return "", err
	}
	return actorID, nil
}
