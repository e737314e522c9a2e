// Package workflow drives log entries through the review and signature
// lifecycle. Every operation runs in one transaction: authorize against a
// fresh snapshot, mutate, append the audit event, commit.
package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bitacora/internal/creds"
	"bitacora/internal/domain"
	"bitacora/internal/events"
	"bitacora/internal/perm"
	"bitacora/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

// Result carries the entry after an operation. AlreadyDone reports that the
// operation found nothing left to do and changed nothing.
type Result struct {
	Entry       domain.LogEntry
	AlreadyDone bool
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func newID() string {
	return uuid.NewString()
}

func (e *Engine) snapshot(ctx context.Context, tx *sql.Tx, entryID string) (perm.Snapshot, error) {
	entry, err := e.Repo.GetEntryTx(ctx, tx, entryID)
	if err != nil {
		return perm.Snapshot{}, err
	}
	reviews, err := e.Repo.ListReviewTasksTx(ctx, tx, entryID)
	if err != nil {
		return perm.Snapshot{}, err
	}
	sigs, err := e.Repo.ListSignatureTasksTx(ctx, tx, entryID)
	if err != nil {
		return perm.Snapshot{}, err
	}
	return perm.Snapshot{Entry: entry, ReviewTasks: reviews, SignatureTasks: sigs}, nil
}

// checkVersion enforces the caller's optimistic precondition. Zero means the
// caller did not state one and takes the entry as found.
func checkVersion(entry domain.LogEntry, expected int64) error {
	if expected > 0 && entry.Version != expected {
		return repo.ErrVersionConflict
	}
	return nil
}

// authorize maps a table denial onto a typed error. Status failures are
// transition errors, everything else is a permission failure; AlreadyDone is
// the caller's to handle before calling this.
func authorize(op perm.Operation, c perm.Caller, snap perm.Snapshot) error {
	d := perm.Allows(op, c, snap)
	if d.Allowed || d.AlreadyDone {
		return nil
	}
	if !perm.StatusAllows(op, snap.Entry.Status) {
		return &InvalidTransitionError{Op: op, From: snap.Entry.Status, Reason: d.Reason}
	}
	return &PermissionDeniedError{Op: op, UserID: c.UserID, Reason: d.Reason}
}

type CreateEntryInput struct {
	AuthorID            string
	EntryDate           string
	Title               string
	Body                string
	ReviewerID          *string
	RequiredSignatories []string
	SkipAuthorAsSigner  bool
}

func (e *Engine) CreateEntry(ctx context.Context, in CreateEntryInput) (domain.LogEntry, error) {
	if in.Title == "" {
		return domain.LogEntry{}, &ValidationError{Field: "title", Reason: "required"}
	}
	if _, err := time.Parse("2006-01-02", in.EntryDate); err != nil {
		return domain.LogEntry{}, &ValidationError{Field: "entry_date", Reason: "must be YYYY-MM-DD"}
	}
	if _, err := e.Repo.GetUser(ctx, in.AuthorID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.LogEntry{}, &ValidationError{Field: "author_id", Reason: "unknown user"}
		}
		return domain.LogEntry{}, err
	}
	signers := dedupe(in.RequiredSignatories)
	known, err := e.Repo.GetUsers(ctx, signers)
	if err != nil {
		return domain.LogEntry{}, err
	}
	for _, id := range signers {
		if _, ok := known[id]; !ok {
			return domain.LogEntry{}, &ValidationError{Field: "required_signatories", Reason: "unknown user " + id}
		}
	}

	now := e.ts()
	entry := domain.LogEntry{
		ID:                  newID(),
		EntryDate:           in.EntryDate,
		Title:               in.Title,
		Body:                in.Body,
		Status:              domain.StatusDraft,
		AuthorID:            in.AuthorID,
		ReviewerID:          in.ReviewerID,
		RequiredSignatories: signers,
		SkipAuthorAsSigner:  in.SkipAuthorAsSigner,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LogEntry{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertEntry(ctx, tx, entry); err != nil {
		return domain.LogEntry{}, err
	}
	if err := e.Repo.SetEntrySigners(ctx, tx, entry.ID, signers); err != nil {
		return domain.LogEntry{}, err
	}
	if err := e.Events.Append(ctx, tx, "entry.created", entry.ID, "entry", entry.ID, in.AuthorID, events.EventPayload{
		"entry_date": in.EntryDate,
		"signers":    signers,
	}); err != nil {
		return domain.LogEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.LogEntry{}, err
	}
	return entry, nil
}

// UpdatePatch is a partial content update. Nil fields keep their value.
type UpdatePatch struct {
	EntryDate                 *string
	Title                     *string
	Body                      *string
	ContractorObservations    *string
	InterventoriaObservations *string
}

// UpdateEntry applies a content patch under the edit rules. Observation
// fields have their own party predicates; everything else follows canEdit.
func (e *Engine) UpdateEntry(ctx context.Context, c perm.Caller, entryID string, patch UpdatePatch, expectedVersion int64) (domain.LogEntry, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LogEntry{}, err
	}
	defer tx.Rollback()

	snap, err := e.snapshot(ctx, tx, entryID)
	if err != nil {
		return domain.LogEntry{}, err
	}
	if err := checkVersion(snap.Entry, expectedVersion); err != nil {
		return domain.LogEntry{}, err
	}
	author, err := e.Repo.GetUser(ctx, snap.Entry.AuthorID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.LogEntry{}, err
	}

	wantsContent := patch.EntryDate != nil || patch.Title != nil || patch.Body != nil
	if wantsContent && !perm.CanEdit(c, snap) {
		return domain.LogEntry{}, &PermissionDeniedError{Op: "edit", UserID: c.UserID, Reason: "entry not editable by caller"}
	}
	if patch.ContractorObservations != nil && !perm.CanEditContractorResponses(c, snap, author) {
		return domain.LogEntry{}, &PermissionDeniedError{Op: "edit", UserID: c.UserID, Reason: "contractor observations not editable by caller"}
	}
	if patch.InterventoriaObservations != nil && !perm.CanEditInterventoriaResponses(c, snap, author) {
		return domain.LogEntry{}, &PermissionDeniedError{Op: "edit", UserID: c.UserID, Reason: "interventoria observations not editable by caller"}
	}

	entry := snap.Entry
	if patch.EntryDate != nil {
		if _, err := time.Parse("2006-01-02", *patch.EntryDate); err != nil {
			return domain.LogEntry{}, &ValidationError{Field: "entry_date", Reason: "must be YYYY-MM-DD"}
		}
		entry.EntryDate = *patch.EntryDate
	}
	if patch.Title != nil {
		if *patch.Title == "" {
			return domain.LogEntry{}, &ValidationError{Field: "title", Reason: "required"}
		}
		entry.Title = *patch.Title
	}
	if patch.Body != nil {
		entry.Body = *patch.Body
	}
	if patch.ContractorObservations != nil {
		entry.ContractorObservations = *patch.ContractorObservations
	}
	if patch.InterventoriaObservations != nil {
		entry.InterventoriaObservations = *patch.InterventoriaObservations
	}

	if err := e.commitEntry(ctx, tx, entry, "entry.updated", c.UserID, nil); err != nil {
		return domain.LogEntry{}, err
	}
	entry.Version++
	if err := tx.Commit(); err != nil {
		return domain.LogEntry{}, err
	}
	return entry, nil
}

// SendToContractor hands a draft to the contractor party for its review pass.
func (e *Engine) SendToContractor(ctx context.Context, c perm.Caller, entryID string, expectedVersion int64) (Result, error) {
	return e.transition(ctx, c, entryID, expectedVersion, perm.OpSendToContractor, domain.StatusSubmitted, "entry.sent_to_contractor",
		func(entry *domain.LogEntry, snap perm.Snapshot) (events.EventPayload, error) {
			entry.ReturnReason = nil
			return nil, nil
		})
}

// CompleteContractorReview records the contractor party's pass over the entry.
func (e *Engine) CompleteContractorReview(ctx context.Context, c perm.Caller, entryID, observations string, expectedVersion int64) (Result, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	snap, err := e.snapshot(ctx, tx, entryID)
	if err != nil {
		return Result{}, err
	}
	if err := checkVersion(snap.Entry, expectedVersion); err != nil {
		return Result{}, err
	}
	if err := authorize(perm.OpCompleteContractorReview, c, snap); err != nil {
		return Result{}, err
	}
	if snap.Entry.ContractorReviewCompleted && observations == "" {
		return Result{Entry: snap.Entry, AlreadyDone: true}, nil
	}

	entry := snap.Entry
	entry.ContractorReviewCompleted = true
	if observations != "" {
		entry.ContractorObservations = observations
	}
	if err := e.commitEntry(ctx, tx, entry, "entry.contractor_review_completed", c.UserID, nil); err != nil {
		return Result{}, err
	}
	entry.Version++
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Entry: entry}, nil
}

// SendForReview opens the review round. With required signatories the round
// is per-signatory: each signer lacking a review task gets a pending one and
// pending_review_by gates signing until all complete. With only a designated
// reviewer the single-reviewer task is created instead.
func (e *Engine) SendForReview(ctx context.Context, c perm.Caller, entryID string, expectedVersion int64) (Result, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	snap, err := e.snapshot(ctx, tx, entryID)
	if err != nil {
		return Result{}, err
	}
	if err := checkVersion(snap.Entry, expectedVersion); err != nil {
		return Result{}, err
	}
	if snap.Entry.Status == domain.StatusNeedsReview {
		if !perm.IdentityAllows(perm.OpSendForReview, c, snap) {
			return Result{}, &PermissionDeniedError{Op: perm.OpSendForReview, UserID: c.UserID, Reason: "caller not allowed for this operation"}
		}
		return Result{Entry: snap.Entry, AlreadyDone: true}, nil
	}
	if err := authorize(perm.OpSendForReview, c, snap); err != nil {
		return Result{}, err
	}

	entry := snap.Entry
	entry.Status = domain.StatusNeedsReview
	now := e.ts()

	var assigned []string
	if len(entry.RequiredSignatories) > 0 {
		pending := domain.PendingReviewAllSigners
		entry.PendingReviewBy = &pending
		for _, signerID := range entry.RequiredSignatories {
			if hasReviewTask(snap.ReviewTasks, signerID) {
				continue
			}
			if err := e.Repo.InsertReviewTask(ctx, tx, domain.ReviewTask{
				ID: newID(), EntryID: entry.ID, ReviewerID: signerID,
				Status: domain.TaskPending, AssignedAt: now,
			}); err != nil {
				return Result{}, err
			}
			assigned = append(assigned, signerID)
		}
	} else if entry.ReviewerID != nil && !hasReviewTask(snap.ReviewTasks, *entry.ReviewerID) {
		if err := e.Repo.InsertReviewTask(ctx, tx, domain.ReviewTask{
			ID: newID(), EntryID: entry.ID, ReviewerID: *entry.ReviewerID,
			Status: domain.TaskPending, AssignedAt: now,
		}); err != nil {
			return Result{}, err
		}
		assigned = append(assigned, *entry.ReviewerID)
	}

	if err := e.commitEntry(ctx, tx, entry, "entry.sent_for_review", c.UserID, events.EventPayload{"reviewers": assigned}); err != nil {
		return Result{}, err
	}
	entry.Version++
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Entry: entry}, nil
}

// ApproveReview completes the caller's review task. Completing twice is a
// no-op reported through AlreadyDone. When the last task completes the
// per-signatory gate clears.
func (e *Engine) ApproveReview(ctx context.Context, c perm.Caller, entryID string, expectedVersion int64) (Result, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	snap, err := e.snapshot(ctx, tx, entryID)
	if err != nil {
		return Result{}, err
	}
	if err := checkVersion(snap.Entry, expectedVersion); err != nil {
		return Result{}, err
	}
	d := perm.Allows(perm.OpApproveReview, c, snap)
	if d.AlreadyDone {
		return Result{Entry: snap.Entry, AlreadyDone: true}, nil
	}
	if !d.Allowed {
		return Result{}, &MissingTaskError{EntryID: entryID, UserID: c.UserID, Kind: "review"}
	}

	task := perm.PendingReviewTaskFor(snap, c.UserID)
	done, err := e.Repo.CompleteReviewTask(ctx, tx, task.ID, e.ts())
	if err != nil {
		return Result{}, err
	}
	if !done {
		// someone completed it between snapshot and write
		return Result{Entry: snap.Entry, AlreadyDone: true}, nil
	}

	reviews, err := e.Repo.ListReviewTasksTx(ctx, tx, entryID)
	if err != nil {
		return Result{}, err
	}
	entry := snap.Entry
	if domain.AllReviewsComplete(reviews) {
		entry.PendingReviewBy = nil
	}
	if err := e.commitEntry(ctx, tx, entry, "review.completed", c.UserID, events.EventPayload{
		"task_id":       task.ID,
		"all_completed": domain.AllReviewsComplete(reviews),
	}); err != nil {
		return Result{}, err
	}
	entry.Version++
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Entry: entry}, nil
}

// ReturnToContractor sends the entry back for rework, optionally with a
// reason. The contractor review flag resets so the round runs again.
func (e *Engine) ReturnToContractor(ctx context.Context, c perm.Caller, entryID, reason string, expectedVersion int64) (Result, error) {
	return e.transition(ctx, c, entryID, expectedVersion, perm.OpReturnToContractor, domain.StatusSubmitted, "entry.returned",
		func(entry *domain.LogEntry, snap perm.Snapshot) (events.EventPayload, error) {
			entry.ReturnReason = nil
			if reason != "" {
				entry.ReturnReason = &reason
			}
			entry.ContractorReviewCompleted = false
			entry.PendingReviewBy = nil
			return events.EventPayload{"reason": reason}, nil
		})
}

// ApproveForSignature moves a reviewed entry to APPROVED and opens one
// signature task per required signatory. Approving an already approved entry
// reports AlreadyDone and changes nothing.
func (e *Engine) ApproveForSignature(ctx context.Context, c perm.Caller, entryID string, expectedVersion int64) (Result, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	snap, err := e.snapshot(ctx, tx, entryID)
	if err != nil {
		return Result{}, err
	}
	if err := checkVersion(snap.Entry, expectedVersion); err != nil {
		return Result{}, err
	}
	d := perm.CanApprove(c, snap)
	if d.AlreadyDone {
		return Result{Entry: snap.Entry, AlreadyDone: true}, nil
	}
	if !d.Allowed {
		if !perm.StatusAllows(perm.OpApproveForSignature, snap.Entry.Status) {
			return Result{}, &InvalidTransitionError{Op: perm.OpApproveForSignature, From: snap.Entry.Status, Reason: d.Reason}
		}
		return Result{}, &PermissionDeniedError{Op: perm.OpApproveForSignature, UserID: c.UserID, Reason: d.Reason}
	}

	entry := snap.Entry
	entry.Status = domain.StatusApproved
	now := e.ts()

	var opened []string
	for _, signerID := range entry.RequiredSignatories {
		if signerID == entry.AuthorID && entry.SkipAuthorAsSigner {
			continue
		}
		if hasSignatureTask(snap.SignatureTasks, signerID) {
			continue
		}
		if err := e.Repo.InsertSignatureTask(ctx, tx, domain.SignatureTask{
			ID: newID(), EntryID: entry.ID, SignerID: signerID,
			Status: domain.TaskPending, CreatedAt: now,
		}); err != nil {
			return Result{}, err
		}
		opened = append(opened, signerID)
	}

	if err := e.commitEntry(ctx, tx, entry, "entry.approved", c.UserID, events.EventPayload{"signature_tasks": opened}); err != nil {
		return Result{}, err
	}
	entry.Version++
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Entry: entry}, nil
}

// Sign captures the caller's signature. The signer re-proves identity with a
// credential and records explicit consent text. When the last pending task
// resolves SIGNED and nobody declined, the entry flips to SIGNED.
func (e *Engine) Sign(ctx context.Context, c perm.Caller, entryID, consent, credential string, expectedVersion int64) (Result, error) {
	if consent == "" {
		return Result{}, &ValidationError{Field: "consent", Reason: "required"}
	}

	hash, err := e.Repo.PasswordHash(ctx, c.UserID)
	if err != nil {
		return Result{}, err
	}
	if err := creds.Verify(hash, credential); err != nil {
		return Result{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	snap, err := e.snapshot(ctx, tx, entryID)
	if err != nil {
		return Result{}, err
	}
	if err := checkVersion(snap.Entry, expectedVersion); err != nil {
		return Result{}, err
	}
	if err := e.authorizeSignature(perm.OpSign, c, snap); err != nil {
		return Result{}, err
	}

	task := perm.PendingSignatureTaskFor(snap, c.UserID)
	now := e.ts()
	ok, err := e.Repo.ResolveSignatureTask(ctx, tx, task.ID, domain.TaskSigned, consent, &now)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, repo.ErrVersionConflict
	}

	sigs, err := e.Repo.ListSignatureTasksTx(ctx, tx, entryID)
	if err != nil {
		return Result{}, err
	}
	entry := snap.Entry
	evtType := "signature.captured"
	if allResolvedSigned(sigs) {
		entry.Status = domain.StatusSigned
		evtType = "entry.signed"
	}
	if err := e.commitEntry(ctx, tx, entry, evtType, c.UserID, events.EventPayload{"task_id": task.ID}); err != nil {
		return Result{}, err
	}
	entry.Version++
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Entry: entry}, nil
}

// DeclineSignature resolves the caller's pending task DECLINED. The entry
// stays APPROVED; resolution is a human decision recorded in the audit trail.
func (e *Engine) DeclineSignature(ctx context.Context, c perm.Caller, entryID, reason string, expectedVersion int64) (Result, error) {
	if reason == "" {
		return Result{}, &ValidationError{Field: "reason", Reason: "required"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	snap, err := e.snapshot(ctx, tx, entryID)
	if err != nil {
		return Result{}, err
	}
	if err := checkVersion(snap.Entry, expectedVersion); err != nil {
		return Result{}, err
	}
	if err := e.authorizeSignature(perm.OpDeclineSignature, c, snap); err != nil {
		return Result{}, err
	}

	task := perm.PendingSignatureTaskFor(snap, c.UserID)
	ok, err := e.Repo.ResolveSignatureTask(ctx, tx, task.ID, domain.TaskDeclined, "", nil)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, repo.ErrVersionConflict
	}

	entry := snap.Entry
	if err := e.commitEntry(ctx, tx, entry, "signature.declined", c.UserID, events.EventPayload{
		"task_id": task.ID,
		"reason":  reason,
	}); err != nil {
		return Result{}, err
	}
	entry.Version++
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Entry: entry}, nil
}

func (e *Engine) authorizeSignature(op perm.Operation, c perm.Caller, snap perm.Snapshot) error {
	d := perm.Allows(op, c, snap)
	if d.Allowed {
		return nil
	}
	if perm.StatusAllows(op, snap.Entry.Status) && !hasSignatureTask(snap.SignatureTasks, c.UserID) {
		return &MissingTaskError{EntryID: snap.Entry.ID, UserID: c.UserID, Kind: "signature"}
	}
	return authorize(op, c, snap)
}

// SetRequiredSignatories replaces the signer set. Removed signers' pending
// signature tasks are cancelled; the set freezes once anyone has signed.
func (e *Engine) SetRequiredSignatories(ctx context.Context, c perm.Caller, entryID string, signerIDs []string, expectedVersion int64) (Result, error) {
	signers := dedupe(signerIDs)
	if len(signers) == 0 {
		return Result{}, &ValidationError{Field: "required_signatories", Reason: "at least one signer required"}
	}
	known, err := e.Repo.GetUsers(ctx, signers)
	if err != nil {
		return Result{}, err
	}
	for _, id := range signers {
		if _, ok := known[id]; !ok {
			return Result{}, &ValidationError{Field: "required_signatories", Reason: "unknown user " + id}
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	snap, err := e.snapshot(ctx, tx, entryID)
	if err != nil {
		return Result{}, err
	}
	if err := checkVersion(snap.Entry, expectedVersion); err != nil {
		return Result{}, err
	}
	if err := authorize(perm.OpEditSignatories, c, snap); err != nil {
		return Result{}, err
	}

	keep := map[string]bool{}
	for _, id := range signers {
		keep[id] = true
	}
	var removed []string
	for _, id := range snap.Entry.RequiredSignatories {
		if !keep[id] {
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		if err := e.Repo.CancelSignatureTasks(ctx, tx, entryID, removed); err != nil {
			return Result{}, err
		}
	}
	if err := e.Repo.SetEntrySigners(ctx, tx, entryID, signers); err != nil {
		return Result{}, err
	}

	entry := snap.Entry
	entry.RequiredSignatories = signers
	if err := e.commitEntry(ctx, tx, entry, "entry.signers_changed", c.UserID, events.EventPayload{
		"signers": signers,
		"removed": removed,
	}); err != nil {
		return Result{}, err
	}
	entry.Version++
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Entry: entry}, nil
}

// RejectEntry terminates the workflow. Pending signature tasks are cancelled.
func (e *Engine) RejectEntry(ctx context.Context, c perm.Caller, entryID, reason string, expectedVersion int64) (Result, error) {
	if reason == "" {
		return Result{}, &ValidationError{Field: "reason", Reason: "required"}
	}
	return e.transition(ctx, c, entryID, expectedVersion, perm.OpRejectEntry, domain.StatusRejected, "entry.rejected",
		func(entry *domain.LogEntry, snap perm.Snapshot) (events.EventPayload, error) {
			entry.ReturnReason = &reason
			entry.PendingReviewBy = nil
			return events.EventPayload{"reason": reason}, nil
		})
}

// transition is the shared shape of the simple status moves: snapshot, version
// check, authorize, mutate, persist, one event.
func (e *Engine) transition(ctx context.Context, c perm.Caller, entryID string, expectedVersion int64,
	op perm.Operation, to domain.EntryStatus, evtType string,
	mutate func(*domain.LogEntry, perm.Snapshot) (events.EventPayload, error)) (Result, error) {

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	snap, err := e.snapshot(ctx, tx, entryID)
	if err != nil {
		return Result{}, err
	}
	if err := checkVersion(snap.Entry, expectedVersion); err != nil {
		return Result{}, err
	}
	if snap.Entry.Status == to {
		if !perm.IdentityAllows(op, c, snap) {
			return Result{}, &PermissionDeniedError{Op: op, UserID: c.UserID, Reason: "caller not allowed for this operation"}
		}
		return Result{Entry: snap.Entry, AlreadyDone: true}, nil
	}
	if err := authorize(op, c, snap); err != nil {
		return Result{}, err
	}

	entry := snap.Entry
	entry.Status = to
	var payload events.EventPayload
	if mutate != nil {
		payload, err = mutate(&entry, snap)
		if err != nil {
			return Result{}, err
		}
	}
	if op == perm.OpRejectEntry {
		var pendingSigners []string
		for _, t := range snap.SignatureTasks {
			if t.Status == domain.TaskPending {
				pendingSigners = append(pendingSigners, t.SignerID)
			}
		}
		if len(pendingSigners) > 0 {
			if err := e.Repo.CancelSignatureTasks(ctx, tx, entryID, pendingSigners); err != nil {
				return Result{}, err
			}
		}
	}

	if err := e.commitEntry(ctx, tx, entry, evtType, c.UserID, payload); err != nil {
		return Result{}, err
	}
	entry.Version++
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Entry: entry}, nil
}

// commitEntry persists the entry guarded by its snapshot version and appends
// the audit event in the same transaction.
func (e *Engine) commitEntry(ctx context.Context, tx *sql.Tx, entry domain.LogEntry, evtType, actorID string, payload events.EventPayload) error {
	entry.UpdatedAt = e.ts()
	if err := e.Repo.UpdateEntry(ctx, tx, entry, entry.Version); err != nil {
		return err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["status"] = string(entry.Status)
	if err := e.Events.Append(ctx, tx, evtType, entry.ID, "entry", entry.ID, actorID, payload); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func hasReviewTask(tasks []domain.ReviewTask, reviewerID string) bool {
	for _, t := range tasks {
		if t.ReviewerID == reviewerID {
			return true
		}
	}
	return false
}

func hasSignatureTask(tasks []domain.SignatureTask, signerID string) bool {
	for _, t := range tasks {
		if t.SignerID == signerID {
			return true
		}
	}
	return false
}

// allResolvedSigned reports whether signing is finished: no task pending, at
// least one signed, and nobody declined.
func allResolvedSigned(tasks []domain.SignatureTask) bool {
	signed := 0
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskPending, domain.TaskDeclined:
			return false
		case domain.TaskSigned:
			signed++
		}
	}
	return signed > 0
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
