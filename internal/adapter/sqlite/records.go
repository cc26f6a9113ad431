package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"hoist/internal/lease"
	"hoist/internal/rollout"
)

var _ rollout.RecordStore = (*Store)(nil)

// ErrDuplicateRecord is returned by Begin for an ID already stored.
var ErrDuplicateRecord = errors.New("rollout record already exists")

const recordColumns = `id, host, container, artifact, previous, phase, reason, message,
	rolled_back, service_down, warnings, attempt, started_at, finished_at, image_id`

func (s *Store) Begin(ctx context.Context, rec rollout.Record) error {
	warnings, err := json.Marshal(nonNil(rec.Warnings))
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rollout_records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Host, rec.Container, rec.Artifact, rec.Previous,
		rec.Phase.String(), rec.Reason.String(), rec.Message,
		boolInt(rec.RolledBack), boolInt(rec.ServiceDown), string(warnings), rec.Attempt,
		formatTime(rec.StartedAt), formatTime(rec.FinishedAt), rec.ImageID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("begin rollout record %q: %w", rec.ID, ErrDuplicateRecord)
		}
		return fmt.Errorf("insert rollout record: %w", err)
	}
	return nil
}

func (s *Store) Finish(ctx context.Context, rec rollout.Record) error {
	warnings, err := json.Marshal(nonNil(rec.Warnings))
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE rollout_records SET
		   previous = ?, phase = ?, reason = ?, message = ?,
		   rolled_back = ?, service_down = ?, warnings = ?, attempt = ?, finished_at = ?,
		   image_id = ?
		 WHERE id = ?`,
		rec.Previous, rec.Phase.String(), rec.Reason.String(), rec.Message,
		boolInt(rec.RolledBack), boolInt(rec.ServiceDown), string(warnings), rec.Attempt,
		formatTime(rec.FinishedAt), rec.ImageID, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update rollout record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rollout record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("rollout record %q not found", rec.ID)
	}
	return nil
}

func (s *Store) LastSuccessful(ctx context.Context, key lease.Key) (rollout.Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM rollout_records
		 WHERE host = ? AND container = ? AND phase = ?
		 ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		key.Host, key.Container, rollout.PhaseRunning.String(),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rollout.Record{}, false, nil
	}
	if err != nil {
		return rollout.Record{}, false, err
	}
	return rec, true, nil
}

// List returns records for key, newest first. A limit <= 0 returns all.
func (s *Store) List(ctx context.Context, key lease.Key, limit int) ([]rollout.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM rollout_records
		 WHERE host = ? AND container = ?
		 ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		key.Host, key.Container, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list rollout records: %w", err)
	}
	defer rows.Close()

	var out []rollout.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rollout records: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (rollout.Record, error) {
	var (
		rec                 rollout.Record
		phase, reason       string
		rolledBack, down    int
		warnings            string
		startedAt, finished string
	)
	err := row.Scan(
		&rec.ID, &rec.Host, &rec.Container, &rec.Artifact, &rec.Previous,
		&phase, &reason, &rec.Message, &rolledBack, &down, &warnings, &rec.Attempt,
		&startedAt, &finished, &rec.ImageID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return rollout.Record{}, err
	}
	if err != nil {
		return rollout.Record{}, fmt.Errorf("scan rollout record: %w", err)
	}

	var ok bool
	if rec.Phase, ok = rollout.ParsePhase(phase); !ok {
		return rollout.Record{}, fmt.Errorf("rollout record %q: invalid phase %q", rec.ID, phase)
	}
	if rec.Reason, ok = rollout.ParseReason(reason); !ok {
		return rollout.Record{}, fmt.Errorf("rollout record %q: invalid reason %q", rec.ID, reason)
	}
	rec.RolledBack = rolledBack != 0
	rec.ServiceDown = down != 0
	if err := json.Unmarshal([]byte(warnings), &rec.Warnings); err != nil {
		return rollout.Record{}, fmt.Errorf("rollout record %q: unmarshal warnings: %w", rec.ID, err)
	}
	if len(rec.Warnings) == 0 {
		rec.Warnings = nil
	}
	if rec.StartedAt, err = parseTime(startedAt); err != nil {
		return rollout.Record{}, fmt.Errorf("rollout record %q: parse started_at: %w", rec.ID, err)
	}
	if rec.FinishedAt, err = parseTime(finished); err != nil {
		return rollout.Record{}, fmt.Errorf("rollout record %q: parse finished_at: %w", rec.ID, err)
	}
	return rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
