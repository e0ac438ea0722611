// Package audit persists enclave.AuditRecords to an rqlite cluster. It is
// one of the external collaborators the specification explicitly treats as
// outside the core: the HPS and Session never import this package, they
// only depend on the enclave.AuditLogger interface it implements.
package audit

import (
	"context"
	"fmt"

	"github.com/rqlite/gorqlite"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/enclaverun/pkg/enclave"
)

var _ enclave.AuditLogger = (*RQLiteLogger)(nil)

// RQLiteLogger writes every AuditRecord as a row in the
// provisioning_audit_log table.
type RQLiteLogger struct {
	conn   *gorqlite.Connection
	logger *zap.Logger
}

// Open connects to an rqlite HTTP endpoint and ensures the audit table
// exists.
func Open(ctx context.Context, url string, logger *zap.Logger) (*RQLiteLogger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := gorqlite.Open(url)
	if err != nil {
		return nil, fmt.Errorf("open rqlite connection: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS provisioning_audit_log (
			session_id TEXT NOT NULL,
			operation  TEXT NOT NULL,
			from_state INTEGER NOT NULL,
			to_state   INTEGER NOT NULL,
			error      TEXT,
			at         DATETIME NOT NULL
		)
	`
	if _, err := conn.WriteOneParameterized(gorqlite.ParameterizedStatement{Query: schema}); err != nil {
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	return &RQLiteLogger{conn: conn, logger: logger}, nil
}

// Log writes record as a new row.
func (l *RQLiteLogger) Log(ctx context.Context, record enclave.AuditRecord) error {
	var errText any
	if record.Err != nil {
		errText = record.Err.Error()
	}

	stmt := gorqlite.ParameterizedStatement{
		Query: `INSERT INTO provisioning_audit_log (session_id, operation, from_state, to_state, error, at)
		         VALUES (?, ?, ?, ?, ?, ?)`,
		Arguments: []any{record.SessionID, record.Operation, int(record.From), int(record.To), errText, record.At},
	}
	if _, err := l.conn.WriteOneParameterized(stmt); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

// Recent returns the most recent audit rows for a session, newest first,
// up to limit rows.
func (l *RQLiteLogger) Recent(ctx context.Context, sessionID string, limit int) ([]enclave.AuditRecord, error) {
	stmt := gorqlite.ParameterizedStatement{
		Query: `SELECT session_id, operation, from_state, to_state, error, at
		         FROM provisioning_audit_log WHERE session_id = ? ORDER BY at DESC LIMIT ?`,
		Arguments: []any{sessionID, limit},
	}
	result, err := l.conn.QueryOneParameterized(stmt)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}

	var records []enclave.AuditRecord
	for result.Next() {
		var rec enclave.AuditRecord
		var from, to int
		var errText *string
		if err := result.Scan(&rec.SessionID, &rec.Operation, &from, &to, &errText, &rec.At); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		rec.From = enclave.LifecycleState(from)
		rec.To = enclave.LifecycleState(to)
		records = append(records, rec)
	}
	return records, nil
}

// Close closes the underlying rqlite connection.
func (l *RQLiteLogger) Close() {
	l.conn.Close()
}
