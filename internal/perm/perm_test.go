package perm_test

import (
	"testing"

	"bitacora/internal/domain"
	"bitacora/internal/perm"
)

func ptr(s string) *string { return &s }

func entrySnap(status domain.EntryStatus, mut ...func(*perm.Snapshot)) perm.Snapshot {
	snap := perm.Snapshot{
		Entry: domain.LogEntry{
			ID:                  "e1",
			Status:              status,
			AuthorID:            "author",
			RequiredSignatories: []string{"author", "signer2"},
		},
	}
	for _, f := range mut {
		f(&snap)
	}
	return snap
}

func TestStatusAllows(t *testing.T) {
	cases := []struct {
		op     perm.Operation
		status domain.EntryStatus
		want   bool
	}{
		{perm.OpSendToContractor, domain.StatusDraft, true},
		{perm.OpSendToContractor, domain.StatusSubmitted, false},
		{perm.OpSendForReview, domain.StatusSubmitted, true},
		{perm.OpSendForReview, domain.StatusApproved, false},
		{perm.OpCompleteContractorReview, domain.StatusSubmitted, true},
		{perm.OpCompleteContractorReview, domain.StatusDraft, false},
		{perm.OpReturnToContractor, domain.StatusNeedsReview, true},
		{perm.OpReturnToContractor, domain.StatusApproved, false},
		{perm.OpApproveForSignature, domain.StatusNeedsReview, true},
		{perm.OpApproveForSignature, domain.StatusSigned, false},
		{perm.OpSign, domain.StatusApproved, true},
		{perm.OpSign, domain.StatusSigned, true},
		{perm.OpSign, domain.StatusNeedsReview, false},
		{perm.OpRejectEntry, domain.StatusApproved, true},
		{perm.OpRejectEntry, domain.StatusSigned, false},
		{perm.OpEditSignatories, domain.StatusNeedsReview, true},
		{perm.OpEditSignatories, domain.StatusApproved, true},
		{perm.OpEditSignatories, domain.StatusSigned, false},
	}
	for _, tc := range cases {
		if got := perm.StatusAllows(tc.op, tc.status); got != tc.want {
			t.Fatalf("StatusAllows(%s, %s) = %v, want %v", tc.op, tc.status, got, tc.want)
		}
	}
}

func TestAllowsIdentity(t *testing.T) {
	snap := entrySnap(domain.StatusDraft)
	author := perm.Caller{UserID: "author", Role: domain.RoleResident}
	stranger := perm.Caller{UserID: "other", Role: domain.RoleResident}
	admin := perm.Caller{UserID: "boss", Role: domain.RoleAdmin}

	if d := perm.Allows(perm.OpSendToContractor, author, snap); !d.Allowed {
		t.Fatalf("author should submit own draft: %s", d.Reason)
	}
	if d := perm.Allows(perm.OpSendToContractor, stranger, snap); d.Allowed {
		t.Fatal("stranger must not submit another user's draft")
	}
	if d := perm.Allows(perm.OpSendToContractor, admin, snap); !d.Allowed {
		t.Fatalf("admin should submit any draft: %s", d.Reason)
	}
}

func TestContractorReviewRoles(t *testing.T) {
	snap := entrySnap(domain.StatusSubmitted)
	rep := perm.Caller{UserID: "rep", Role: domain.RoleContractorRep}
	resident := perm.Caller{UserID: "author", Role: domain.RoleResident}

	if d := perm.Allows(perm.OpCompleteContractorReview, rep, snap); !d.Allowed {
		t.Fatalf("contractor rep should review: %s", d.Reason)
	}
	if d := perm.Allows(perm.OpCompleteContractorReview, resident, snap); d.Allowed {
		t.Fatal("resident must not complete the contractor review")
	}
}

func TestApproveForSignatureGates(t *testing.T) {
	author := perm.Caller{UserID: "author", Role: domain.RoleResident}

	snap := entrySnap(domain.StatusNeedsReview)
	if d := perm.Allows(perm.OpApproveForSignature, author, snap); d.Allowed {
		t.Fatal("approval must wait for the contractor review")
	}

	snap.Entry.ContractorReviewCompleted = true
	if d := perm.Allows(perm.OpApproveForSignature, author, snap); !d.Allowed {
		t.Fatalf("approval should pass once contractor review done: %s", d.Reason)
	}

	snap.Entry.Status = domain.StatusApproved
	d := perm.Allows(perm.OpApproveForSignature, author, snap)
	if d.Allowed || !d.AlreadyDone {
		t.Fatalf("re-approval should report already done, got %+v", d)
	}

	// the already-done shortcut is for callers who could have approved
	stranger := perm.Caller{UserID: "other", Role: domain.RoleContractorRep}
	if d := perm.Allows(perm.OpApproveForSignature, stranger, snap); d.Allowed || d.AlreadyDone {
		t.Fatalf("stranger must not get a success report on an approved entry, got %+v", d)
	}
}

func TestSignGates(t *testing.T) {
	signer := perm.Caller{UserID: "signer2", Role: domain.RoleSupervisor}

	snap := entrySnap(domain.StatusApproved, func(s *perm.Snapshot) {
		s.SignatureTasks = []domain.SignatureTask{
			{ID: "s1", EntryID: "e1", SignerID: "signer2", Status: domain.TaskPending},
		}
	})
	if !perm.CanSign(signer, snap) {
		t.Fatal("pending signer should be able to sign")
	}

	// open review round blocks signing
	blocked := snap
	blocked.Entry.PendingReviewBy = ptr(domain.PendingReviewAllSigners)
	if perm.CanSign(signer, blocked) {
		t.Fatal("open review round must block signing")
	}

	// pending review task blocks signing
	blocked = snap
	blocked.ReviewTasks = []domain.ReviewTask{
		{ID: "r1", EntryID: "e1", ReviewerID: "signer2", Status: domain.TaskPending},
	}
	if perm.CanSign(signer, blocked) {
		t.Fatal("incomplete reviews must block signing")
	}

	// no pending task means no signature
	noTask := entrySnap(domain.StatusApproved)
	if perm.CanSign(signer, noTask) {
		t.Fatal("signer without a pending task must not sign")
	}

	// resolved task is never reopened
	resolved := entrySnap(domain.StatusSigned, func(s *perm.Snapshot) {
		s.SignatureTasks = []domain.SignatureTask{
			{ID: "s1", EntryID: "e1", SignerID: "signer2", Status: domain.TaskSigned},
		}
	})
	if perm.CanSign(signer, resolved) {
		t.Fatal("already-signed task must not allow signing again")
	}
}

func TestSignAllowedOnPartiallySignedEntry(t *testing.T) {
	// legacy entries can sit in signed while some tasks are still pending
	signer := perm.Caller{UserID: "signer2", Role: domain.RoleSupervisor}
	snap := entrySnap(domain.StatusSigned, func(s *perm.Snapshot) {
		s.SignatureTasks = []domain.SignatureTask{
			{ID: "s1", EntryID: "e1", SignerID: "author", Status: domain.TaskSigned},
			{ID: "s2", EntryID: "e1", SignerID: "signer2", Status: domain.TaskPending},
		}
	})
	if !perm.CanSign(signer, snap) {
		t.Fatal("pending signer on a signed entry should still sign")
	}
}

func TestApproveReview(t *testing.T) {
	reviewer := perm.Caller{UserID: "signer2", Role: domain.RoleSupervisor}

	snap := entrySnap(domain.StatusNeedsReview, func(s *perm.Snapshot) {
		s.Entry.PendingReviewBy = ptr(domain.PendingReviewAllSigners)
		s.ReviewTasks = []domain.ReviewTask{
			{ID: "r1", EntryID: "e1", ReviewerID: "signer2", Status: domain.TaskPending},
		}
	})
	if !perm.CanApproveReview(reviewer, snap) {
		t.Fatal("pending reviewer in per-signatory round should approve")
	}

	d := perm.Allows(perm.OpApproveReview, reviewer, snap)
	if !d.Allowed {
		t.Fatalf("approve review should be allowed: %s", d.Reason)
	}

	// completed review reports already done, not denial
	snap.ReviewTasks[0].Status = domain.TaskCompleted
	d = perm.Allows(perm.OpApproveReview, reviewer, snap)
	if d.Allowed || !d.AlreadyDone {
		t.Fatalf("completed review should be already done, got %+v", d)
	}

	// legacy mode: designated reviewer gated by needs_review
	legacy := entrySnap(domain.StatusNeedsReview, func(s *perm.Snapshot) {
		s.Entry.ReviewerID = ptr("rev1")
		s.ReviewTasks = []domain.ReviewTask{
			{ID: "r1", EntryID: "e1", ReviewerID: "rev1", Status: domain.TaskPending},
		}
	})
	if !perm.CanApproveReview(perm.Caller{UserID: "rev1", Role: domain.RoleSupervisor}, legacy) {
		t.Fatal("designated reviewer should approve in needs_review")
	}
	legacy.Entry.Status = domain.StatusDraft
	if perm.CanApproveReview(perm.Caller{UserID: "rev1", Role: domain.RoleSupervisor}, legacy) {
		t.Fatal("legacy reviewer must wait for needs_review")
	}
}

func TestCanEdit(t *testing.T) {
	author := perm.Caller{UserID: "author", Role: domain.RoleResident}
	rep := perm.Caller{UserID: "rep", Role: domain.RoleContractorRep}
	signer := perm.Caller{UserID: "signer2", Role: domain.RoleSupervisor}

	snap := entrySnap(domain.StatusDraft)
	if !perm.CanEdit(author, snap) {
		t.Fatal("author should edit a draft")
	}
	if perm.CanEdit(rep, snap) {
		t.Fatal("contractor rep never edits content")
	}
	if !perm.CanEdit(signer, snap) {
		t.Fatal("required signatory should edit")
	}
	if perm.CanEdit(perm.Caller{UserID: "other", Role: domain.RoleResident}, snap) {
		t.Fatal("unrelated user must not edit")
	}

	// author signature freezes edits for assignees
	frozen := entrySnap(domain.StatusApproved, func(s *perm.Snapshot) {
		s.SignatureTasks = []domain.SignatureTask{
			{ID: "s1", EntryID: "e1", SignerID: "author", Status: domain.TaskSigned},
		}
	})
	if perm.CanEdit(signer, frozen) {
		t.Fatal("assignee edits must freeze once the author signed")
	}
	if !perm.CanEdit(author, frozen) {
		t.Fatal("author retains edit rights while status is editable")
	}

	// terminal and read-only states block everyone
	if perm.CanEdit(author, entrySnap(domain.StatusSigned)) {
		t.Fatal("signed entries are immutable")
	}
	ro := entrySnap(domain.StatusDraft, func(s *perm.Snapshot) { s.ReadOnly = true })
	if perm.CanEdit(author, ro) {
		t.Fatal("read-only snapshot blocks edits")
	}
}

func TestEditSignatoriesFrozenAfterFirstSignature(t *testing.T) {
	author := perm.Caller{UserID: "author", Role: domain.RoleResident}

	snap := entrySnap(domain.StatusNeedsReview)
	if d := perm.Allows(perm.OpEditSignatories, author, snap); !d.Allowed {
		t.Fatalf("signer set should be editable before signatures: %s", d.Reason)
	}

	// still editable once approved, while signature tasks sit pending
	snap = entrySnap(domain.StatusApproved, func(s *perm.Snapshot) {
		s.SignatureTasks = []domain.SignatureTask{
			{ID: "s1", EntryID: "e1", SignerID: "signer2", Status: domain.TaskPending},
		}
	})
	if d := perm.Allows(perm.OpEditSignatories, author, snap); !d.Allowed {
		t.Fatalf("signer set should be editable on approved entries: %s", d.Reason)
	}

	snap.SignatureTasks = []domain.SignatureTask{
		{ID: "s1", EntryID: "e1", SignerID: "signer2", Status: domain.TaskSigned},
	}
	if d := perm.Allows(perm.OpEditSignatories, author, snap); d.Allowed {
		t.Fatal("signer set must freeze after the first signature")
	}
}

func TestRejectEntryAdminOnly(t *testing.T) {
	snap := entrySnap(domain.StatusNeedsReview)
	admin := perm.Caller{UserID: "boss", Role: domain.RoleAdmin}
	author := perm.Caller{UserID: "author", Role: domain.RoleResident}

	if d := perm.Allows(perm.OpRejectEntry, admin, snap); !d.Allowed {
		t.Fatalf("admin should reject: %s", d.Reason)
	}
	if d := perm.Allows(perm.OpRejectEntry, author, snap); d.Allowed {
		t.Fatal("author must not reject own entry")
	}
}

func TestPartyResponseEditing(t *testing.T) {
	author := domain.User{ID: "author", Role: domain.RoleResident, Entity: domain.EntityIDU}
	rep := perm.Caller{UserID: "rep", Role: domain.RoleContractorRep}
	supervisor := perm.Caller{UserID: "sup", Role: domain.RoleSupervisor}

	snap := entrySnap(domain.StatusSubmitted)
	if !perm.CanEditContractorResponses(rep, snap, author) {
		t.Fatal("contractor rep should respond to an opposing party's entry")
	}
	if !perm.CanEditInterventoriaResponses(supervisor, snap, author) {
		t.Fatal("supervisor should respond to an opposing party's entry")
	}
	if perm.CanEditContractorResponses(supervisor, snap, author) {
		t.Fatal("supervisor must not edit contractor observations")
	}

	// wrong status
	draft := entrySnap(domain.StatusDraft)
	if perm.CanEditContractorResponses(rep, draft, author) {
		t.Fatal("responses only editable in submitted or approved")
	}

	// signatures freeze observations
	signedSnap := entrySnap(domain.StatusApproved, func(s *perm.Snapshot) {
		s.SignatureTasks = []domain.SignatureTask{
			{ID: "s1", EntryID: "e1", SignerID: "author", Status: domain.TaskSigned},
		}
	})
	if perm.CanEditContractorResponses(rep, signedSnap, author) {
		t.Fatal("observations must freeze once any signature lands")
	}

	// same-party author: only a pending review task grants access
	contractorAuthor := domain.User{ID: "author", Role: domain.RoleContractorRep, Entity: domain.EntityContratista}
	if perm.CanEditContractorResponses(rep, snap, contractorAuthor) {
		t.Fatal("same-party response needs a pending review task")
	}
	withTask := entrySnap(domain.StatusSubmitted, func(s *perm.Snapshot) {
		s.ReviewTasks = []domain.ReviewTask{
			{ID: "r1", EntryID: "e1", ReviewerID: "rep", Status: domain.TaskPending},
		}
	})
	if !perm.CanEditContractorResponses(rep, withTask, contractorAuthor) {
		t.Fatal("pending review task should grant same-party response access")
	}
}
