package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/arx-os/bim-collab/internal/model"
)

// VersionRepo implements VersionRepository using PostgreSQL.
type VersionRepo struct{ db *DB }

// NewVersionRepo constructs a version archive repository.
func NewVersionRepo(db *DB) *VersionRepo { return &VersionRepo{db: db} }

// SaveVersion inserts the version row and its folded changes in one transaction.
func (r *VersionRepo) SaveVersion(
	ctx context.Context, sessionID uuid.UUID, modelID string, v *model.Version,
) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const insVersion = `INSERT INTO versions
		(version_id, session_id, model_id, version_number, created_at, user_id, description, parent_version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	var parent any
	if v.ParentVersion != uuid.Nil {
		parent = v.ParentVersion
	}
	if _, err = tx.Exec(ctx, insVersion,
		v.VersionID, sessionID, modelID, v.VersionNumber, v.Timestamp, v.UserID, v.Description, parent,
	); err != nil {
		return fmt.Errorf("insert version %s: %w", v.VersionID, err)
	}

	const insChange = `INSERT INTO version_changes
		(change_id, version_id, user_id, created_at, change_type, element_id, element_type, old_value, new_value, description)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	for i := range v.Changes {
		c := &v.Changes[i]
		oldVal, merr := json.Marshal(c.OldValue)
		if merr != nil {
			return fmt.Errorf("marshal old value of %s: %w", c.ChangeID, merr)
		}
		newVal, merr := json.Marshal(c.NewValue)
		if merr != nil {
			return fmt.Errorf("marshal new value of %s: %w", c.ChangeID, merr)
		}
		if _, err = tx.Exec(ctx, insChange,
			c.ChangeID, v.VersionID, c.UserID, c.Timestamp, string(c.ChangeType),
			c.ElementID, c.ElementType, oldVal, newVal, c.Description,
		); err != nil {
			return fmt.Errorf("insert change %s: %w", c.ChangeID, err)
		}
	}
	return nil
}

// ListVersions returns archived version metadata ordered by version number.
func (r *VersionRepo) ListVersions(ctx context.Context, sessionID uuid.UUID) ([]model.Version, error) {
	const q = `SELECT version_id, version_number, created_at, user_id, description, parent_version
		FROM versions WHERE session_id=$1 ORDER BY version_number`
	rows, err := r.db.Pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Version
	for rows.Next() {
		var v model.Version
		var parent *uuid.UUID
		if err := rows.Scan(&v.VersionID, &v.VersionNumber, &v.Timestamp, &v.UserID, &v.Description, &parent); err != nil {
			return nil, err
		}
		if parent != nil {
			v.ParentVersion = *parent
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
