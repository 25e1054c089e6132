package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/omniplexity/substrate/pkg/fault"
	"github.com/omniplexity/substrate/pkg/model"
)

const approvalColumns = `approval_id, run_id, correlation_id, tool_id, tool_version, tool_call_event_id, inputs, status, decided_by, created_at, decided_at`

func scanApproval(scan func(dest ...any) error) (*model.Approval, error) {
	var a model.Approval
	var callEventID, decidedBy, decidedAt sql.NullString
	var inputs, status, createdAt string
	if err := scan(&a.ApprovalID, &a.RunID, &a.CorrelationID, &a.ToolID, &a.ToolVersion,
		&callEventID, &inputs, &status, &decidedBy, &createdAt, &decidedAt); err != nil {
		return nil, err
	}
	a.ToolCallEventID = callEventID.String
	a.Inputs = json.RawMessage(inputs)
	a.Status = model.ApprovalStatus(status)
	a.DecidedBy = decidedBy.String
	a.CreatedAt = parseTime(createdAt)
	if decidedAt.Valid {
		t := parseTime(decidedAt.String)
		a.DecidedAt = &t
	}
	return &a, nil
}

// CreateApproval inserts a pending approval. At most one pending approval may
// exist per correlation; a second insert returns the existing one.
func (s *Store) CreateApproval(ctx context.Context, a *model.Approval) (*model.Approval, error) {
	existing, err := s.pendingForCorrelation(ctx, a.RunID, a.CorrelationID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	inputs := string(a.Inputs)
	if inputs == "" {
		inputs = "{}"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, run_id, correlation_id, tool_id, tool_version, tool_call_event_id, inputs, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ApprovalID, a.RunID, a.CorrelationID, a.ToolID, a.ToolVersion,
		nullStr(a.ToolCallEventID), inputs, string(a.Status), fmtTime(a.CreatedAt))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) pendingForCorrelation(ctx context.Context, runID, correlationID string) (*model.Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE run_id = $1 AND correlation_id = $2 AND status = 'pending'`, runID, correlationID)
	return scanApproval(row.Scan)
}

// GetApproval retrieves an approval by id.
func (s *Store) GetApproval(ctx context.Context, approvalID string) (*model.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE approval_id = $1`, approvalID)
	a, err := scanApproval(row.Scan)
	if err != nil {
		return nil, notFound(err, fault.New(fault.KindApprovalNotFound, "approval %s not found", approvalID))
	}
	return a, nil
}

// ListApprovals returns approvals for a run, newest first.
func (s *Store) ListApprovals(ctx context.Context, runID string) ([]model.Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals WHERE run_id = $1 ORDER BY created_at DESC`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var approvals []model.Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, *a)
	}
	return approvals, rows.Err()
}

// DecideApproval transitions pending → approved|denied. Deciding a
// non-pending approval fails.
func (s *Store) DecideApproval(ctx context.Context, approvalID string, status model.ApprovalStatus, decidedBy string, at time.Time) (*model.Approval, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = $1, decided_by = $2, decided_at = $3
		WHERE approval_id = $4 AND status = 'pending'`,
		string(status), decidedBy, fmtTime(at), approvalID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Either missing or already decided; disambiguate for the caller.
		if _, getErr := s.GetApproval(ctx, approvalID); getErr != nil {
			return nil, getErr
		}
		return nil, fault.New(fault.KindApprovalDenied, "approval %s already decided", approvalID)
	}
	return s.GetApproval(ctx, approvalID)
}

// ApprovedExists reports whether an approved decision exists for the tuple.
// Consulted by the policy engine's approval gate.
func (s *Store) ApprovedExists(ctx context.Context, runID, toolID, toolVersion string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM approvals
		WHERE run_id = $1 AND tool_id = $2 AND tool_version = $3 AND status = 'approved'
		LIMIT 1`, runID, toolID, toolVersion).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
