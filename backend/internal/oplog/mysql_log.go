package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"nexusServer/backend/internal/crdt"
)

// MySQLLog is the durable implementation, one instance per project.
type MySQLLog struct {
	db        *sql.DB
	projectID string
}

// EnsureSchema creates the log table if it does not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS operation_log (
			project_id VARCHAR(64)     NOT NULL,
			seq        BIGINT UNSIGNED NOT NULL,
			op_json    MEDIUMTEXT      NOT NULL,
			PRIMARY KEY (project_id, seq)
		)`)
	return err
}

func NewMySQLLog(db *sql.DB, projectID string) *MySQLLog {
	return &MySQLLog{db: db, projectID: projectID}
}

func (l *MySQLLog) Append(ctx context.Context, seq uint64, op crdt.Operation) error {
	b, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal op: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO operation_log (project_id, seq, op_json) VALUES (?, ?, ?)`,
		l.projectID, seq, string(b),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// duplicate append of the same seq: the single-writer actor
			// only retries after a lost ack, the record is already there
			return nil
		}
		return err
	}
	return nil
}

func (l *MySQLLog) ReadFrom(ctx context.Context, seq uint64, limit int) ([]Record, error) {
	q := `SELECT seq, op_json FROM operation_log WHERE project_id = ? AND seq >= ? ORDER BY seq`
	args := []any{l.projectID, seq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var raw string
		if err := rows.Scan(&r.Seq, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &r.Op); err != nil {
			// a record that cannot decode is log corruption; surface it,
			// never skip silently
			return nil, fmt.Errorf("corrupt log record seq %d: %w", r.Seq, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *MySQLLog) Tail(ctx context.Context) (uint64, error) {
	var tail sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM operation_log WHERE project_id = ?`,
		l.projectID,
	).Scan(&tail)
	if err != nil {
		return 0, err
	}
	if !tail.Valid {
		return 0, nil
	}
	return uint64(tail.Int64), nil
}

func (l *MySQLLog) Compact(ctx context.Context, beforeSeq uint64) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM operation_log WHERE project_id = ? AND seq < ?`,
		l.projectID, beforeSeq,
	)
	return err
}
