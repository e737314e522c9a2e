package reconcile_test

import (
	"testing"

	"bitacora/internal/domain"
	"bitacora/internal/reconcile"
)

func ptr(s string) *string { return &s }

func TestTaskSupersedesLegacy(t *testing.T) {
	tasks := []domain.SignatureTask{
		{ID: "t1", EntryID: "e1", SignerID: "u1", Status: domain.TaskPending},
	}
	legacy := []domain.Signature{
		{EntryID: "e1", SignerID: "u1", SignedAt: ptr("2024-01-01T00:00:00Z"), TaskStatus: "signed"},
	}
	got := reconcile.Participants(tasks, legacy, nil, nil)
	if len(got) != 1 {
		t.Fatalf("want 1 participant, got %d", len(got))
	}
	p := got[0]
	if p.Status != domain.TaskPending || p.Source != reconcile.FromTask {
		t.Fatalf("task record must win over legacy: %+v", p)
	}
	if p.SignedAt != nil {
		t.Fatalf("non-signed participant must not carry signed_at: %+v", p)
	}
}

func TestLegacyOnlySigner(t *testing.T) {
	legacy := []domain.Signature{
		{EntryID: "e1", SignerID: "u2", SignedAt: ptr("2024-02-01T00:00:00Z")},
	}
	got := reconcile.Participants(nil, legacy, nil, nil)
	if len(got) != 1 {
		t.Fatalf("want 1 participant, got %d", len(got))
	}
	p := got[0]
	if p.Source != reconcile.FromLegacy || p.Status != domain.TaskSigned {
		t.Fatalf("legacy signed record expected: %+v", p)
	}
	if p.SignedAt == nil || *p.SignedAt != "2024-02-01T00:00:00Z" {
		t.Fatalf("signed_at lost in merge: %+v", p)
	}
}

func TestLegacyStatusLabels(t *testing.T) {
	cases := []struct {
		legacy domain.Signature
		want   domain.TaskStatus
	}{
		{domain.Signature{SignerID: "a", TaskStatus: "firmado"}, domain.TaskSigned},
		{domain.Signature{SignerID: "b", TaskStatus: "rechazado"}, domain.TaskDeclined},
		{domain.Signature{SignerID: "c", TaskStatus: "anulado"}, domain.TaskCancelled},
		{domain.Signature{SignerID: "d", TaskStatus: "pendiente"}, domain.TaskPending},
		{domain.Signature{SignerID: "e", SignedAt: ptr("2024-01-01T00:00:00Z")}, domain.TaskSigned},
		{domain.Signature{SignerID: "f"}, domain.TaskPending},
	}
	for _, tc := range cases {
		got := reconcile.Participants(nil, []domain.Signature{tc.legacy}, nil, nil)
		if len(got) != 1 || got[0].Status != tc.want {
			t.Fatalf("legacy %q: got %+v, want status %s", tc.legacy.TaskStatus, got, tc.want)
		}
	}
}

func TestRequiredListFillsGaps(t *testing.T) {
	tasks := []domain.SignatureTask{
		{ID: "t1", EntryID: "e1", SignerID: "u1", Status: domain.TaskSigned, SignedAt: ptr("2024-01-02T00:00:00Z")},
	}
	required := []domain.User{{ID: "u1"}, {ID: "u3"}}
	got := reconcile.Participants(tasks, nil, required, nil)
	if len(got) != 2 {
		t.Fatalf("want 2 participants, got %d", len(got))
	}
	byID := map[string]reconcile.Participant{}
	for _, p := range got {
		byID[p.SignerID] = p
	}
	if byID["u1"].Source != reconcile.FromTask || byID["u1"].Status != domain.TaskSigned {
		t.Fatalf("task row downgraded: %+v", byID["u1"])
	}
	if byID["u3"].Source != reconcile.FromRequiredList || byID["u3"].Status != domain.TaskPending {
		t.Fatalf("required-only signer should appear pending: %+v", byID["u3"])
	}
}

func TestDuplicateTasksKeepMostSevere(t *testing.T) {
	tasks := []domain.SignatureTask{
		{ID: "t1", EntryID: "e1", SignerID: "u1", Status: domain.TaskPending},
		{ID: "t2", EntryID: "e1", SignerID: "u1", Status: domain.TaskSigned, SignedAt: ptr("2024-03-01T00:00:00Z")},
	}
	got := reconcile.Participants(tasks, nil, nil, nil)
	if len(got) != 1 {
		t.Fatalf("duplicates must collapse, got %d rows", len(got))
	}
	if got[0].Status != domain.TaskSigned {
		t.Fatalf("merge must keep the most severe status: %+v", got[0])
	}

	// order independent
	tasks[0], tasks[1] = tasks[1], tasks[0]
	got = reconcile.Participants(tasks, nil, nil, nil)
	if got[0].Status != domain.TaskSigned {
		t.Fatalf("merge order changed the outcome: %+v", got[0])
	}
}

func TestUserEnrichment(t *testing.T) {
	tasks := []domain.SignatureTask{
		{ID: "t1", EntryID: "e1", SignerID: "u1", Status: domain.TaskPending},
	}
	users := map[string]domain.User{
		"u1": {ID: "u1", FullName: "María Pérez", Cargo: "Residente de obra", Entity: domain.EntityInterventoria},
	}
	got := reconcile.Participants(tasks, nil, nil, users)
	p := got[0]
	if p.FullName != "María Pérez" || p.Cargo != "Residente de obra" || p.Entity != domain.EntityInterventoria {
		t.Fatalf("user fields not merged: %+v", p)
	}
}

func TestOrderFollowsTaskList(t *testing.T) {
	tasks := []domain.SignatureTask{
		{ID: "t1", EntryID: "e1", SignerID: "zeta", Status: domain.TaskPending},
		{ID: "t2", EntryID: "e1", SignerID: "alpha", Status: domain.TaskPending},
	}
	required := []domain.User{{ID: "alpha"}, {ID: "zeta"}}
	got := reconcile.Participants(tasks, nil, required, nil)
	if got[0].SignerID != "zeta" || got[1].SignerID != "alpha" {
		t.Fatalf("task order must drive display order: %+v", got)
	}

	// with no tasks, the required list decides
	got = reconcile.Participants(nil, nil, required, nil)
	if got[0].SignerID != "alpha" || got[1].SignerID != "zeta" {
		t.Fatalf("required order must drive display order: %+v", got)
	}
}

func TestCallerCanSign(t *testing.T) {
	tasks := []domain.SignatureTask{
		{ID: "t1", EntryID: "e1", SignerID: "u1", Status: domain.TaskPending},
		{ID: "t2", EntryID: "e1", SignerID: "u2", Status: domain.TaskSigned},
	}
	if !reconcile.CallerCanSign(tasks, nil, nil, "u1", false) {
		t.Fatal("pending task holder should sign")
	}
	if reconcile.CallerCanSign(tasks, nil, nil, "u2", false) {
		t.Fatal("resolved task holder must not sign")
	}
	if reconcile.CallerCanSign(tasks, nil, nil, "u1", true) {
		t.Fatal("read-only view never offers signing")
	}

	// pre-task entries fall back to required list minus legacy signatures
	required := []domain.User{{ID: "u3"}, {ID: "u4"}}
	legacy := []domain.Signature{{EntryID: "e1", SignerID: "u4", SignedAt: ptr("2024-01-01T00:00:00Z")}}
	if !reconcile.CallerCanSign(nil, legacy, required, "u3", false) {
		t.Fatal("required signer without a legacy signature should sign")
	}
	if reconcile.CallerCanSign(nil, legacy, required, "u4", false) {
		t.Fatal("legacy-signed signer must not sign again")
	}
	if reconcile.CallerCanSign(nil, legacy, required, "u5", false) {
		t.Fatal("non-required caller must not sign")
	}
}
