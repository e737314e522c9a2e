// Package perm computes what a caller may do to a log entry. Every predicate
// is a pure function of the caller identity and an entry snapshot; nothing in
// here touches storage.
package perm

import (
	"bitacora/internal/domain"
)

// Operation names one workflow action subject to authorization.
type Operation string

const (
	OpSendToContractor         Operation = "send_to_contractor"
	OpSendForReview            Operation = "send_for_review"
	OpApproveReview            Operation = "approve_review"
	OpCompleteContractorReview Operation = "complete_contractor_review"
	OpReturnToContractor       Operation = "return_to_contractor"
	OpApproveForSignature      Operation = "approve_for_signature"
	OpSign                     Operation = "sign"
	OpDeclineSignature         Operation = "decline_signature"
	OpEditSignatories          Operation = "edit_signatories"
	OpRejectEntry              Operation = "reject_entry"
)

// Caller is the authenticated identity requesting an operation.
type Caller struct {
	UserID string
	Role   domain.Role
}

// Snapshot is everything the evaluator needs about one entry at one instant.
type Snapshot struct {
	Entry          domain.LogEntry
	ReviewTasks    []domain.ReviewTask
	SignatureTasks []domain.SignatureTask
	ReadOnly       bool
}

// Decision is the outcome of a predicate. AlreadyDone distinguishes the
// idempotent "nothing left to do" case from a denial so double submits never
// surface as failures.
type Decision struct {
	Allowed     bool
	AlreadyDone bool
	Reason      string
}

func allow() Decision               { return Decision{Allowed: true} }
func deny(reason string) Decision   { return Decision{Reason: reason} }
func alreadyDone(r string) Decision { return Decision{AlreadyDone: true, Reason: r} }

// rule is one row of the operation table: which statuses the operation is
// legal from and who may invoke it. New operations are new rows, not new code.
type rule struct {
	from          []domain.EntryStatus
	roles         []domain.Role
	allowAuthor   bool
	allowAssigned bool // holder of a pending task on the entry
}

var opTable = map[Operation]rule{
	OpSendToContractor:         {from: []domain.EntryStatus{domain.StatusDraft}, roles: []domain.Role{domain.RoleAdmin}, allowAuthor: true},
	OpSendForReview:            {from: []domain.EntryStatus{domain.StatusDraft, domain.StatusSubmitted}, roles: []domain.Role{domain.RoleAdmin}, allowAuthor: true},
	OpApproveReview:            {from: anyStatus, allowAssigned: true},
	OpCompleteContractorReview: {from: []domain.EntryStatus{domain.StatusSubmitted}, roles: []domain.Role{domain.RoleContractorRep, domain.RoleAdmin}},
	OpReturnToContractor:       {from: []domain.EntryStatus{domain.StatusNeedsReview}, roles: []domain.Role{domain.RoleAdmin}, allowAuthor: true},
	OpApproveForSignature:      {from: []domain.EntryStatus{domain.StatusNeedsReview}, roles: []domain.Role{domain.RoleAdmin}, allowAuthor: true},
	OpSign:                     {from: []domain.EntryStatus{domain.StatusApproved, domain.StatusSigned}, allowAssigned: true},
	OpDeclineSignature:         {from: []domain.EntryStatus{domain.StatusApproved, domain.StatusSigned}, allowAssigned: true},
	OpEditSignatories:          {from: []domain.EntryStatus{domain.StatusDraft, domain.StatusSubmitted, domain.StatusNeedsReview, domain.StatusApproved}, roles: []domain.Role{domain.RoleAdmin}, allowAuthor: true},
	OpRejectEntry:              {from: []domain.EntryStatus{domain.StatusDraft, domain.StatusSubmitted, domain.StatusNeedsReview, domain.StatusApproved}, roles: []domain.Role{domain.RoleAdmin}},
}

var anyStatus = []domain.EntryStatus{
	domain.StatusDraft, domain.StatusSubmitted, domain.StatusNeedsReview,
	domain.StatusApproved, domain.StatusSigned, domain.StatusRejected,
}

// StatusAllows reports whether the operation is legal from the given status,
// independent of who asks.
func StatusAllows(op Operation, status domain.EntryStatus) bool {
	r, ok := opTable[op]
	if !ok {
		return false
	}
	for _, s := range r.from {
		if s == status {
			return true
		}
	}
	return false
}

// Allows evaluates the table row for op plus the operation-specific gates.
func Allows(op Operation, c Caller, snap Snapshot) Decision {
	r, ok := opTable[op]
	if !ok {
		return deny("unknown operation")
	}
	if !StatusAllows(op, snap.Entry.Status) {
		if op == OpApproveForSignature && snap.Entry.Status == domain.StatusApproved && identityAllowed(r, c, snap) {
			return alreadyDone("entry already approved")
		}
		return deny("operation not allowed from status " + string(snap.Entry.Status))
	}
	if !identityAllowed(r, c, snap) {
		return deny("caller not allowed for this operation")
	}
	switch op {
	case OpApproveForSignature:
		if !snap.Entry.ContractorReviewCompleted {
			return deny("contractor review not completed")
		}
	case OpSign, OpDeclineSignature:
		if snap.Entry.PendingReviewBy != nil {
			return deny("per-signatory review round still open")
		}
		if !domain.AllReviewsComplete(snap.ReviewTasks) {
			return deny("reviews not complete")
		}
		if PendingSignatureTaskFor(snap, c.UserID) == nil {
			return deny("no pending signature task for caller")
		}
	case OpApproveReview:
		if PendingReviewTaskFor(snap, c.UserID) == nil {
			if hasCompletedReview(snap, c.UserID) {
				return alreadyDone("review already completed")
			}
			return deny("no pending review task for caller")
		}
	case OpEditSignatories:
		if domain.AnySigned(snap.SignatureTasks) {
			return deny("signatory set frozen after first signature")
		}
	}
	return allow()
}

// IdentityAllows reports whether the caller satisfies the identity rule for
// op, ignoring the entry status. Idempotent repeats check this before
// reporting success.
func IdentityAllows(op Operation, c Caller, snap Snapshot) bool {
	r, ok := opTable[op]
	return ok && identityAllowed(r, c, snap)
}

func identityAllowed(r rule, c Caller, snap Snapshot) bool {
	for _, role := range r.roles {
		if c.Role == role {
			return true
		}
	}
	if r.allowAuthor && c.UserID == snap.Entry.AuthorID {
		return true
	}
	if r.allowAssigned {
		if PendingReviewTaskFor(snap, c.UserID) != nil || PendingSignatureTaskFor(snap, c.UserID) != nil {
			return true
		}
		// assigned but already finished still counts as identity; the
		// operation gates decide whether anything is left to do
		if hasCompletedReview(snap, c.UserID) || hasSignatureTask(snap, c.UserID) {
			return true
		}
	}
	return false
}

// CanEdit reports whether the caller may still edit entry content.
func CanEdit(c Caller, snap Snapshot) bool {
	if snap.ReadOnly || !snap.Entry.Status.Editable() {
		return false
	}
	if c.Role == domain.RoleContractorRep {
		return false
	}
	if c.UserID == snap.Entry.AuthorID {
		return true
	}
	if !isAssigneeOrRequired(c.UserID, snap) {
		return false
	}
	return !authorHasSigned(snap)
}

// CanApprove decides approval for signature, with a distinguished
// already-approved outcome.
func CanApprove(c Caller, snap Snapshot) Decision {
	return Allows(OpApproveForSignature, c, snap)
}

// CanSign reports whether the caller may sign right now.
func CanSign(c Caller, snap Snapshot) bool {
	if snap.ReadOnly {
		return false
	}
	return Allows(OpSign, c, snap).Allowed
}

// CanApproveReview covers both review modes: per-signatory rounds while
// pending_review_by is set, the legacy designated reviewer otherwise.
func CanApproveReview(c Caller, snap Snapshot) bool {
	if snap.ReadOnly {
		return false
	}
	task := PendingReviewTaskFor(snap, c.UserID)
	if task == nil {
		return false
	}
	if snap.Entry.PendingReviewBy != nil && *snap.Entry.PendingReviewBy == domain.PendingReviewAllSigners {
		return true
	}
	// legacy mode: single designated reviewer, gated by needs_review
	return snap.Entry.ReviewerID != nil && *snap.Entry.ReviewerID == c.UserID &&
		snap.Entry.Status == domain.StatusNeedsReview
}

// CanEditContractorResponses governs the contractor-side observation fields.
// The responding party may add observations before any signature lands; a
// party can never retouch its own past observations after authoring.
func CanEditContractorResponses(c Caller, snap Snapshot, author domain.User) bool {
	return canEditPartyResponses(c, snap, author, domain.RoleContractorRep, domain.EntityContratista)
}

// CanEditInterventoriaResponses is the supervising-entity counterpart.
func CanEditInterventoriaResponses(c Caller, snap Snapshot, author domain.User) bool {
	return canEditPartyResponses(c, snap, author, domain.RoleSupervisor, domain.EntityInterventoria)
}

func canEditPartyResponses(c Caller, snap Snapshot, author domain.User, party domain.Role, partyEntity domain.Entity) bool {
	if snap.ReadOnly {
		return false
	}
	if snap.Entry.Status != domain.StatusSubmitted && snap.Entry.Status != domain.StatusApproved {
		return false
	}
	if domain.AnySigned(snap.SignatureTasks) {
		return false
	}
	if c.Role != party {
		return false
	}
	oppositeAuthored := author.Role != party && author.Entity != partyEntity
	return oppositeAuthored || PendingReviewTaskFor(snap, c.UserID) != nil
}

// PendingReviewTaskFor returns the caller's pending review task, if any.
func PendingReviewTaskFor(snap Snapshot, userID string) *domain.ReviewTask {
	for i := range snap.ReviewTasks {
		t := &snap.ReviewTasks[i]
		if t.ReviewerID == userID && t.Status == domain.TaskPending {
			return t
		}
	}
	return nil
}

// PendingSignatureTaskFor returns the caller's pending signature task, if any.
func PendingSignatureTaskFor(snap Snapshot, userID string) *domain.SignatureTask {
	for i := range snap.SignatureTasks {
		t := &snap.SignatureTasks[i]
		if t.SignerID == userID && t.Status == domain.TaskPending {
			return t
		}
	}
	return nil
}

func hasCompletedReview(snap Snapshot, userID string) bool {
	for _, t := range snap.ReviewTasks {
		if t.ReviewerID == userID && t.Status == domain.TaskCompleted {
			return true
		}
	}
	return false
}

func hasSignatureTask(snap Snapshot, userID string) bool {
	for _, t := range snap.SignatureTasks {
		if t.SignerID == userID {
			return true
		}
	}
	return false
}

func isAssigneeOrRequired(userID string, snap Snapshot) bool {
	if snap.Entry.ReviewerID != nil && *snap.Entry.ReviewerID == userID {
		return true
	}
	for _, id := range snap.Entry.RequiredSignatories {
		if id == userID {
			return true
		}
	}
	return false
}

func authorHasSigned(snap Snapshot) bool {
	for _, t := range snap.SignatureTasks {
		if t.SignerID == snap.Entry.AuthorID && t.Status == domain.TaskSigned {
			return true
		}
	}
	return false
}
