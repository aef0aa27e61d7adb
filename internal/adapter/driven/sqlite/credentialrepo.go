package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/model"
	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*CredentialRepo)(nil)

// CredentialRepo is the SQLite implementation of the CredentialStore port.
// PIN codes are never written to the database.
type CredentialRepo struct {
	db *DB
}

// NewCredentialRepo creates a new CredentialRepo backed by the given DB.
func NewCredentialRepo(db *DB) *CredentialRepo {
	return &CredentialRepo{db: db}
}

// Insert persists a new credential row.
func (r *CredentialRepo) Insert(ctx context.Context, cred model.Credential) error {
	const query = `INSERT INTO credentials (slot, name, code_type, expiry, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	createdAt := cred.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := cred.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err := r.db.Writer.ExecContext(ctx, query,
		cred.Slot,
		cred.Name,
		string(cred.Type),
		formatDate(cred.Expiry),
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("insert credential slot %d: %w", cred.Slot, driven.ErrSlotTaken)
		}
		return fmt.Errorf("insert credential slot %d: %w", cred.Slot, err)
	}

	return nil
}

// Get returns the credential stored in slot, or nil if the slot is empty.
func (r *CredentialRepo) Get(ctx context.Context, slot int) (*model.Credential, error) {
	const query = `SELECT slot, name, code_type, expiry, created_at, updated_at
		FROM credentials WHERE slot = ?`

	cred, err := scanCredential(r.db.Reader.QueryRowContext(ctx, query, slot))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential slot %d: %w", slot, err)
	}

	return &cred, nil
}

// List returns every credential ordered by slot.
func (r *CredentialRepo) List(ctx context.Context) ([]model.Credential, error) {
	const query = `SELECT slot, name, code_type, expiry, created_at, updated_at
		FROM credentials ORDER BY slot ASC`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	creds := []model.Credential{}
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}

	return creds, nil
}

// Slots returns the occupied slot numbers in ascending order.
func (r *CredentialRepo) Slots(ctx context.Context) ([]int, error) {
	const query = `SELECT slot FROM credentials ORDER BY slot ASC`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list occupied slots: %w", err)
	}
	defer rows.Close()

	slots := []int{}
	for rows.Next() {
		var slot int
		if err := rows.Scan(&slot); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slots: %w", err)
	}

	return slots, nil
}

// UpdateExpiry replaces the expiry date of the credential in slot.
func (r *CredentialRepo) UpdateExpiry(ctx context.Context, slot int, expiry *civil.Date, updatedAt time.Time) error {
	const query = `UPDATE credentials SET expiry = ?, updated_at = ? WHERE slot = ?`

	result, err := r.db.Writer.ExecContext(ctx, query, formatDate(expiry), formatTime(updatedAt), slot)
	if err != nil {
		return fmt.Errorf("update expiry slot %d: %w", slot, err)
	}

	return requireAffected(result, slot)
}

// Delete removes the credential row for slot.
func (r *CredentialRepo) Delete(ctx context.Context, slot int) error {
	const query = `DELETE FROM credentials WHERE slot = ?`

	result, err := r.db.Writer.ExecContext(ctx, query, slot)
	if err != nil {
		return fmt.Errorf("delete credential slot %d: %w", slot, err)
	}

	return requireAffected(result, slot)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (model.Credential, error) {
	var (
		cred                 model.Credential
		codeType             string
		expiry               sql.NullString
		createdAt, updatedAt string
	)

	if err := row.Scan(&cred.Slot, &cred.Name, &codeType, &expiry, &createdAt, &updatedAt); err != nil {
		return model.Credential{}, err
	}
	cred.Type = model.CodeType(codeType)

	if expiry.Valid {
		d, err := civil.ParseDate(expiry.String)
		if err != nil {
			return model.Credential{}, fmt.Errorf("parse expiry for slot %d: %w", cred.Slot, err)
		}
		cred.Expiry = &d
	}

	var err error
	cred.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return model.Credential{}, fmt.Errorf("parse created_at for slot %d: %w", cred.Slot, err)
	}
	cred.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return model.Credential{}, fmt.Errorf("parse updated_at for slot %d: %w", cred.Slot, err)
	}

	return cred, nil
}

func requireAffected(result sql.Result, slot int) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected for slot %d: %w", slot, err)
	}
	if rows == 0 {
		return fmt.Errorf("slot %d: %w", slot, driven.ErrCredentialNotFound)
	}
	return nil
}

// formatDate returns nil for a missing date so the column stores NULL.
func formatDate(d *civil.Date) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime accepts the RFC 3339 values written by formatTime as well as the
// SQLite CURRENT_TIMESTAMP layout.
func parseTime(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}
