package repo

import (
	"context"
	"database/sql"
	"fmt"

	"bitacora/internal/domain"
)

func (r Repo) InsertReviewTask(ctx context.Context, tx *sql.Tx, t domain.ReviewTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO review_tasks(id,entry_id,reviewer_id,status,assigned_at,completed_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.EntryID, t.ReviewerID, string(t.Status), t.AssignedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) ListReviewTasks(ctx context.Context, entryID string) ([]domain.ReviewTask, error) {
	return r.listReviewTasks(ctx, nil, entryID)
}

func (r Repo) ListReviewTasksTx(ctx context.Context, tx *sql.Tx, entryID string) ([]domain.ReviewTask, error) {
	return r.listReviewTasks(ctx, tx, entryID)
}

func (r Repo) listReviewTasks(ctx context.Context, tx *sql.Tx, entryID string) ([]domain.ReviewTask, error) {
	query := `SELECT id,entry_id,reviewer_id,status,assigned_at,completed_at FROM review_tasks WHERE entry_id=? ORDER BY assigned_at ASC, id ASC`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, entryID)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, entryID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewTask
	for rows.Next() {
		var t domain.ReviewTask
		var status string
		var completedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.EntryID, &t.ReviewerID, &status, &t.AssignedAt, &completedAt); err != nil {
			return nil, err
		}
		t.Status = domain.TaskStatus(status)
		if completedAt.Valid {
			t.CompletedAt = &completedAt.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CompleteReviewTask marks a pending task completed. Completing an already
// completed task affects zero rows; the caller treats that as a no-op.
func (r Repo) CompleteReviewTask(ctx context.Context, tx *sql.Tx, taskID, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE review_tasks SET status=?, completed_at=? WHERE id=? AND status=?`,
		string(domain.TaskCompleted), completedAt, taskID, string(domain.TaskPending))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) InsertSignatureTask(ctx context.Context, tx *sql.Tx, t domain.SignatureTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO signature_tasks(id,entry_id,signer_id,status,consent,signed_at,created_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.EntryID, t.SignerID, string(t.Status), nullable(t.Consent), nullableStringPtr(t.SignedAt), t.CreatedAt)
	return err
}

func (r Repo) ListSignatureTasks(ctx context.Context, entryID string) ([]domain.SignatureTask, error) {
	return r.listSignatureTasks(ctx, nil, entryID)
}

func (r Repo) ListSignatureTasksTx(ctx context.Context, tx *sql.Tx, entryID string) ([]domain.SignatureTask, error) {
	return r.listSignatureTasks(ctx, tx, entryID)
}

func (r Repo) listSignatureTasks(ctx context.Context, tx *sql.Tx, entryID string) ([]domain.SignatureTask, error) {
	query := `SELECT id,entry_id,signer_id,status,consent,signed_at,created_at FROM signature_tasks WHERE entry_id=? ORDER BY created_at ASC, id ASC`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, entryID)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, entryID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SignatureTask
	for rows.Next() {
		var t domain.SignatureTask
		var status string
		var consent, signedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.EntryID, &t.SignerID, &status, &consent, &signedAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Status = domain.TaskStatus(status)
		if consent.Valid {
			t.Consent = consent.String
		}
		if signedAt.Valid {
			t.SignedAt = &signedAt.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ResolveSignatureTask moves a pending signature task to a terminal status.
// The pending guard makes terminal statuses unoverwritable: resolving a task
// that is no longer pending affects zero rows.
func (r Repo) ResolveSignatureTask(ctx context.Context, tx *sql.Tx, taskID string, to domain.TaskStatus, consent string, signedAt *string) (bool, error) {
	if !to.TerminalSignature() {
		return false, fmt.Errorf("status %s is not terminal for a signature task", to)
	}
	res, err := tx.ExecContext(ctx, `UPDATE signature_tasks SET status=?, consent=?, signed_at=? WHERE id=? AND status=?`,
		string(to), nullable(consent), nullableStringPtr(signedAt), taskID, string(domain.TaskPending))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelSignatureTasks cancels the pending tasks of signers removed from the
// required set. Cancelled rows stay behind as audit trail.
func (r Repo) CancelSignatureTasks(ctx context.Context, tx *sql.Tx, entryID string, signerIDs []string) error {
	for _, id := range signerIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE signature_tasks SET status=? WHERE entry_id=? AND signer_id=? AND status=?`,
			string(domain.TaskCancelled), entryID, id, string(domain.TaskPending)); err != nil {
			return err
		}
	}
	return nil
}

// ListLegacySignatures reads the historical flat signature list. New code
// paths never write this table.
func (r Repo) ListLegacySignatures(ctx context.Context, entryID string) ([]domain.Signature, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT entry_id,signer_id,signed_at,task_status FROM signatures WHERE entry_id=? ORDER BY position ASC, signer_id ASC`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signature
	for rows.Next() {
		var s domain.Signature
		var signedAt, taskStatus sql.NullString
		if err := rows.Scan(&s.EntryID, &s.SignerID, &signedAt, &taskStatus); err != nil {
			return nil, err
		}
		if signedAt.Valid {
			s.SignedAt = &signedAt.String
		}
		if taskStatus.Valid {
			s.TaskStatus = taskStatus.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
