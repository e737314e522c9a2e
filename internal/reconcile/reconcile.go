// Package reconcile merges the three generations of signer records attached
// to a log entry (signature tasks, legacy flat signatures, the declared
// required-signatory list) into one ordered, de-duplicated participant view.
// Everything here is a pure function of its inputs.
package reconcile

import (
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"bitacora/internal/domain"
)

// Source tags where a participant record came from.
type Source string

const (
	FromTask         Source = "task"
	FromLegacy       Source = "legacy"
	FromRequiredList Source = "required"
)

// Participant is the reconciled view of one distinct signer.
type Participant struct {
	SignerID string            `json:"signer_id"`
	FullName string            `json:"full_name,omitempty"`
	Cargo    string            `json:"cargo,omitempty"`
	Entity   domain.Entity     `json:"entity,omitempty"`
	Status   domain.TaskStatus `json:"status" enum:"pending,signed,declined,cancelled"`
	SignedAt *string           `json:"signed_at,omitempty" format:"date-time"`
	Source   Source            `json:"source" enum:"task,legacy,required"`
}

// severity is the total order used to resolve status conflicts: a merge can
// only move a participant's displayed status forward, never revert it.
var severity = map[domain.TaskStatus]int{
	domain.TaskCancelled: 0,
	domain.TaskPending:   1,
	domain.TaskDeclined:  2,
	domain.TaskSigned:    3,
}

var spanishCollator = collate.New(language.Spanish, collate.IgnoreCase)

// Participants builds the ordered participant list. Task data always wins
// over legacy and required-list data for the same signer id; a legacy
// signature only contributes a row when no task exists for that signer.
func Participants(tasks []domain.SignatureTask, legacy []domain.Signature, required []domain.User, users map[string]domain.User) []Participant {
	byID := map[string]*Participant{}
	order := map[string]int{}
	next := 0

	rank := func(id string) {
		if _, ok := order[id]; !ok {
			order[id] = next
			next++
		}
	}

	// display order follows first appearance in the task list; with no tasks
	// at all, the required list decides
	if len(tasks) > 0 {
		for _, t := range tasks {
			rank(t.SignerID)
		}
	} else {
		for _, u := range required {
			rank(u.ID)
		}
	}

	taskSigners := map[string]bool{}
	for _, t := range tasks {
		taskSigners[t.SignerID] = true
		rank(t.SignerID)
		p, ok := byID[t.SignerID]
		if !ok {
			p = &Participant{SignerID: t.SignerID, Status: t.Status, Source: FromTask}
			byID[t.SignerID] = p
		}
		// duplicate tasks for one signer should not exist, but stale reads
		// may hand us both generations of the same row: keep the most severe
		if severity[t.Status] >= severity[p.Status] {
			p.Status = t.Status
			p.SignedAt = t.SignedAt
		}
	}

	for _, s := range legacy {
		if taskSigners[s.SignerID] {
			continue // task presence fully supersedes the legacy record
		}
		rank(s.SignerID)
		status := legacyStatus(s)
		p, ok := byID[s.SignerID]
		if !ok {
			byID[s.SignerID] = &Participant{SignerID: s.SignerID, Status: status, SignedAt: s.SignedAt, Source: FromLegacy}
			continue
		}
		if p.Source == FromLegacy && severity[status] > severity[p.Status] {
			p.Status = status
			p.SignedAt = s.SignedAt
		}
	}

	for _, u := range required {
		rank(u.ID)
		if _, ok := byID[u.ID]; ok {
			continue // never downgrade an existing record to declared intent
		}
		byID[u.ID] = &Participant{SignerID: u.ID, Status: domain.TaskPending, Source: FromRequiredList}
	}

	out := make([]Participant, 0, len(byID))
	for _, p := range byID {
		if u, ok := users[p.SignerID]; ok {
			p.FullName = u.FullName
			p.Cargo = u.Cargo
			p.Entity = u.Entity
		}
		if p.Status != domain.TaskSigned {
			p.SignedAt = nil // a pending row must never carry a stale timestamp
		}
		out = append(out, *p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := order[out[i].SignerID], order[out[j].SignerID]
		if ri != rj {
			return ri < rj
		}
		return spanishCollator.CompareString(out[i].FullName, out[j].FullName) < 0
	})
	return out
}

// CallerCanSign decides whether the caller gets a live sign action from the
// reconciled view: either a pending task of their own, or, on entries that
// predate signature tasks entirely, membership in the required list with no
// legacy signature yet.
func CallerCanSign(tasks []domain.SignatureTask, legacy []domain.Signature, required []domain.User, callerID string, readOnly bool) bool {
	if readOnly {
		return false
	}
	if len(tasks) > 0 {
		for _, t := range tasks {
			if t.SignerID == callerID && t.Status == domain.TaskPending {
				return true
			}
		}
		return false
	}
	inRequired := false
	for _, u := range required {
		if u.ID == callerID {
			inRequired = true
			break
		}
	}
	if !inRequired {
		return false
	}
	for _, s := range legacy {
		if s.SignerID == callerID {
			return false
		}
	}
	return true
}

func legacyStatus(s domain.Signature) domain.TaskStatus {
	switch strings.ToLower(strings.TrimSpace(s.TaskStatus)) {
	case "signed", "firmado":
		return domain.TaskSigned
	case "declined", "rechazado":
		return domain.TaskDeclined
	case "cancelled", "canceled", "anulado":
		return domain.TaskCancelled
	case "pending", "pendiente":
		return domain.TaskPending
	}
	if s.SignedAt != nil && *s.SignedAt != "" {
		return domain.TaskSigned
	}
	return domain.TaskPending
}
