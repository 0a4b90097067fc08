package ledger

import (
	"context"
	"database/sql"
	"hash/crc32"
)

// Hash32 maps an identifier to a non-negative 31-bit key for advisory
// locking. Tenant and execution ids are hashed separately — never combined
// into a single key — to avoid bucket over-collision.
func Hash32(value string) int32 {
	return int32(crc32.ChecksumIEEE([]byte(value)) & 0x7FFFFFFF)
}

// AdvisoryLockExecution takes a transaction-scoped Postgres advisory lock
// keyed on (hash32(tenant_id), hash32(execution_id)). The lock is released
// automatically when the transaction commits or rolls back, serializing
// writers for one execution across processes.
func AdvisoryLockExecution(ctx context.Context, tx *sql.Tx, tenantID, executionID string) error {
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1, $2)",
		Hash32(tenantID), Hash32(executionID))
	return err
}

// WithExecutionLock runs op inside a transaction holding the execution's
// advisory lock. The transaction commits if op returns nil.
func WithExecutionLock(ctx context.Context, db *sql.DB, tenantID, executionID string, op func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := AdvisoryLockExecution(ctx, tx, tenantID, executionID); err != nil {
		return err
	}
	if err := op(tx); err != nil {
		return err
	}
	return tx.Commit()
}
