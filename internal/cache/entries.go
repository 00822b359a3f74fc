package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/starford/healthvault/internal/models"
)

// Upload is a successfully anchored record as seen by its uploader.
type Upload struct {
	ID             string          `json:"id"`
	RecordID       models.RecordID `json:"record_id"`
	Patient        models.Identity `json:"patient"`
	Uploader       models.Identity `json:"uploader"`
	ContentPointer string          `json:"content_pointer"`
	IntegrityHash  models.Hash     `json:"integrity_hash"`
	RecordLabel    string          `json:"record_label"`
	CreatedAt      time.Time       `json:"created_at"`
}

// View notes that a viewer opened a record. It carries metadata only.
type View struct {
	ID             string          `json:"id"`
	RecordID       models.RecordID `json:"record_id"`
	Viewer         models.Identity `json:"viewer"`
	Patient        models.Identity `json:"patient"`
	ContentPointer string          `json:"content_pointer"`
	RecordType     models.Hash     `json:"record_type"`
	ViewedAt       time.Time       `json:"viewed_at"`
}

// AppendUpload records u and trims the uploader's history to the limit.
func (db *DB) AppendUpload(ctx context.Context, u Upload) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	owner := string(u.Uploader.Normalize())
	return db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO uploads (id, record_id, patient, uploader, content_pointer, integrity_hash, record_label, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, u.ID, uint64(u.RecordID), string(u.Patient.Normalize()), owner, u.ContentPointer, u.IntegrityHash.Hex(), u.RecordLabel, u.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("cache: insert upload: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM uploads WHERE uploader = ? AND seq NOT IN (
				SELECT seq FROM uploads WHERE uploader = ? ORDER BY seq DESC LIMIT ?
			)
		`, owner, owner, db.limits.Uploads)
		if err != nil {
			return fmt.Errorf("cache: trim uploads: %w", err)
		}
		return nil
	})
}

// RecentUploads returns the uploader's cached uploads, newest first.
func (db *DB) RecentUploads(ctx context.Context, uploader models.Identity) ([]Upload, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, record_id, patient, uploader, content_pointer, integrity_hash, record_label, created_at
		FROM uploads WHERE uploader = ? ORDER BY seq DESC LIMIT ?
	`, string(uploader.Normalize()), db.limits.Uploads)
	if err != nil {
		return nil, fmt.Errorf("cache: list uploads: %w", err)
	}
	defer rows.Close()

	out := []Upload{}
	for rows.Next() {
		var (
			u       Upload
			id      uint64
			patient string
			owner   string
			hash    string
		)
		if err := rows.Scan(&u.ID, &id, &patient, &owner, &u.ContentPointer, &hash, &u.RecordLabel, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("cache: scan upload: %w", err)
		}
		u.RecordID = models.RecordID(id)
		u.Patient = models.Identity(patient)
		u.Uploader = models.Identity(owner)
		u.IntegrityHash, _ = models.ParseHash(hash)
		out = append(out, u)
	}
	return out, rows.Err()
}

// AppendView records v and trims the viewer's history to the limit.
func (db *DB) AppendView(ctx context.Context, v View) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	owner := string(v.Viewer.Normalize())
	return db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO views (id, record_id, viewer, patient, content_pointer, record_type, viewed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, v.ID, uint64(v.RecordID), owner, string(v.Patient.Normalize()), v.ContentPointer, v.RecordType.Hex(), v.ViewedAt.UTC())
		if err != nil {
			return fmt.Errorf("cache: insert view: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM views WHERE viewer = ? AND seq NOT IN (
				SELECT seq FROM views WHERE viewer = ? ORDER BY seq DESC LIMIT ?
			)
		`, owner, owner, db.limits.Views)
		if err != nil {
			return fmt.Errorf("cache: trim views: %w", err)
		}
		return nil
	})
}

// RecentViews returns the viewer's cached views, newest first.
func (db *DB) RecentViews(ctx context.Context, viewer models.Identity) ([]View, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, record_id, viewer, patient, content_pointer, record_type, viewed_at
		FROM views WHERE viewer = ? ORDER BY seq DESC LIMIT ?
	`, string(viewer.Normalize()), db.limits.Views)
	if err != nil {
		return nil, fmt.Errorf("cache: list views: %w", err)
	}
	defer rows.Close()

	out := []View{}
	for rows.Next() {
		var (
			v       View
			id      uint64
			owner   string
			patient string
			rtype   string
		)
		if err := rows.Scan(&v.ID, &id, &owner, &patient, &v.ContentPointer, &rtype, &v.ViewedAt); err != nil {
			return nil, fmt.Errorf("cache: scan view: %w", err)
		}
		v.RecordID = models.RecordID(id)
		v.Viewer = models.Identity(owner)
		v.Patient = models.Identity(patient)
		v.RecordType, _ = models.ParseHash(rtype)
		out = append(out, v)
	}
	return out, rows.Err()
}

// AppendAudit stores audit entries, ignoring ones already present, and trims
// the table to the audit limit by ledger order. The cache follows one ledger
// instance: rows recorded against another instance are removed.
func (db *DB) AppendAudit(ctx context.Context, events []models.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	ledger := events[len(events)-1].Ledger
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM audit WHERE ledger <> ?`, ledger); err != nil {
			return fmt.Errorf("cache: drop stale audit: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO audit (ledger, event_key, kind, block_number, log_index, record_id, tx_hash, event_values, observed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("cache: prepare audit insert: %w", err)
		}
		defer stmt.Close()
		for _, ev := range events {
			if ev.Ledger != ledger {
				continue
			}
			d := ev.Details
			values, _ := json.Marshal(d.Values)
			if _, err := stmt.ExecContext(ctx, ev.Ledger, d.Key(), string(ev.Kind), d.BlockNumber, d.LogIndex, uint64(d.RecordID), d.TxHash, string(values), ev.Timestamp.UTC()); err != nil {
				return fmt.Errorf("cache: insert audit: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM audit WHERE seq NOT IN (
				SELECT seq FROM audit ORDER BY block_number DESC, log_index DESC, kind DESC LIMIT ?
			)
		`, db.limits.Audit)
		if err != nil {
			return fmt.Errorf("cache: trim audit: %w", err)
		}
		return nil
	})
}

// RecentAudit returns cached audit entries, newest first.
func (db *DB) RecentAudit(ctx context.Context) ([]models.AuditEvent, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT ledger, kind, block_number, log_index, record_id, tx_hash, event_values, observed_at
		FROM audit ORDER BY block_number DESC, log_index DESC, kind DESC LIMIT ?
	`, db.limits.Audit)
	if err != nil {
		return nil, fmt.Errorf("cache: list audit: %w", err)
	}
	defer rows.Close()

	out := []models.AuditEvent{}
	for rows.Next() {
		var (
			ev     models.AuditEvent
			kind   string
			id     uint64
			values string
		)
		if err := rows.Scan(&ev.Ledger, &kind, &ev.Details.BlockNumber, &ev.Details.LogIndex, &id, &ev.Details.TxHash, &values, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("cache: scan audit: %w", err)
		}
		ev.Kind = models.EventKind(kind)
		ev.Details.Kind = ev.Kind
		ev.Details.RecordID = models.RecordID(id)
		_ = json.Unmarshal([]byte(values), &ev.Details.Values)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
