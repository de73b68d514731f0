package repository

import (
	"context"
	"fmt"

	"github.com/mbathe/eyeflow-sub003/common/db"
	"github.com/mbathe/eyeflow-sub003/core/audit"
)

// AuditEventRepository persists the audit chain on the central side. Rows
// are append-only; there is no update path.
type AuditEventRepository struct {
	db *db.DB
}

// NewAuditEventRepository creates a new audit event repository
func NewAuditEventRepository(database *db.DB) *AuditEventRepository {
	return &AuditEventRepository{db: database}
}

const auditEventColumns = `event_id, sequence_num, node_id, event_type,
	workflow_id, workflow_version, execution_id, instruction_id,
	ts, input_hash, output_hash, duration_ms, details,
	prev_hash, self_hash, signature, public_key`

// Insert appends one audit event. The (node_id, sequence_num) unique
// constraint makes redelivery from the offline buffer idempotent.
func (r *AuditEventRepository) Insert(ctx context.Context, ev *audit.Event) error {
	query := `
		INSERT INTO audit_events (` + auditEventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (node_id, sequence_num) DO NOTHING
	`

	_, err := r.db.Exec(ctx, query,
		ev.EventID, ev.SequenceNum, ev.NodeID, ev.EventType,
		ev.WorkflowID, ev.WorkflowVersion, ev.ExecutionID, ev.InstructionID,
		ev.Timestamp, ev.InputHash, ev.OutputHash, ev.DurationMS, ev.Details,
		ev.PrevHash, ev.SelfHash, ev.Signature, ev.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

func scanAuditEvent(row interface{ Scan(...interface{}) error }) (*audit.Event, error) {
	ev := &audit.Event{}
	err := row.Scan(
		&ev.EventID,
		&ev.SequenceNum,
		&ev.NodeID,
		&ev.EventType,
		&ev.WorkflowID,
		&ev.WorkflowVersion,
		&ev.ExecutionID,
		&ev.InstructionID,
		&ev.Timestamp,
		&ev.InputHash,
		&ev.OutputHash,
		&ev.DurationMS,
		&ev.Details,
		&ev.PrevHash,
		&ev.SelfHash,
		&ev.Signature,
		&ev.PublicKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit event: %w", err)
	}
	return ev, nil
}

// ChainForNode returns a node's events ordered by sequence number, the
// form VerifyChain consumes
func (r *AuditEventRepository) ChainForNode(ctx context.Context, nodeID string, fromSeq uint64, limit int) ([]*audit.Event, error) {
	query := `
		SELECT ` + auditEventColumns + `
		FROM audit_events
		WHERE node_id = $1 AND sequence_num >= $2
		ORDER BY sequence_num ASC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, nodeID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit chain: %w", err)
	}
	defer rows.Close()

	var events []*audit.Event
	for rows.Next() {
		ev, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return events, nil
}

// ListByExecution returns every audit event of one execution in chain order
func (r *AuditEventRepository) ListByExecution(ctx context.Context, executionID string) ([]*audit.Event, error) {
	query := `
		SELECT ` + auditEventColumns + `
		FROM audit_events
		WHERE execution_id = $1
		ORDER BY sequence_num ASC
	`

	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*audit.Event
	for rows.Next() {
		ev, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return events, nil
}

// LastSequence returns the highest persisted sequence number for a node
func (r *AuditEventRepository) LastSequence(ctx context.Context, nodeID string) (uint64, string, error) {
	query := `
		SELECT sequence_num, self_hash
		FROM audit_events
		WHERE node_id = $1
		ORDER BY sequence_num DESC
		LIMIT 1
	`

	var seq uint64
	var hash string
	err := r.db.QueryRow(ctx, query, nodeID).Scan(&seq, &hash)
	if err != nil {
		return 0, audit.GenesisHash, nil
	}
	return seq, hash, nil
}
