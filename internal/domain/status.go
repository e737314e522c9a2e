package domain

import (
	"fmt"
	"strings"
)

// EntryStatus is the canonical lifecycle state of a log entry.
type EntryStatus string

const (
	StatusDraft       EntryStatus = "draft"
	StatusSubmitted   EntryStatus = "submitted"
	StatusNeedsReview EntryStatus = "needs_review"
	StatusApproved    EntryStatus = "approved"
	StatusSigned      EntryStatus = "signed"
	StatusRejected    EntryStatus = "rejected"
)

// statusAliases maps legacy display labels (several generations of Spanish UI
// strings) to canonical statuses. Alias strings never leak past this table.
var statusAliases = map[string]EntryStatus{
	"draft":        StatusDraft,
	"borrador":     StatusDraft,
	"submitted":    StatusSubmitted,
	"radicado":     StatusSubmitted,
	"radicada":     StatusSubmitted,
	"enviado":      StatusSubmitted,
	"needs_review": StatusNeedsReview,
	"en revision":  StatusNeedsReview,
	"en revisión":  StatusNeedsReview,
	"revision":     StatusNeedsReview,
	"revisión":     StatusNeedsReview,
	"approved":     StatusApproved,
	"aprobado":     StatusApproved,
	"aprobada":     StatusApproved,
	"signed":       StatusSigned,
	"firmado":      StatusSigned,
	"firmada":      StatusSigned,
	"rejected":     StatusRejected,
	"rechazado":    StatusRejected,
	"rechazada":    StatusRejected,
}

// NormalizeStatus collapses a raw status string, including legacy display
// labels, to its canonical value. Unknown strings are an error rather than a
// new state.
func NormalizeStatus(raw string) (EntryStatus, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if s, ok := statusAliases[key]; ok {
		return s, nil
	}
	return "", fmt.Errorf("unknown entry status %q", raw)
}

// Editable reports whether entry content may still change in this status.
func (s EntryStatus) Editable() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusNeedsReview, StatusApproved:
		return true
	}
	return false
}

// Terminal reports whether no further lifecycle transition is possible.
func (s EntryStatus) Terminal() bool {
	return s == StatusSigned || s == StatusRejected
}

// TaskStatus covers both review and signature task states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskSigned    TaskStatus = "signed"
	TaskDeclined  TaskStatus = "declined"
	TaskCancelled TaskStatus = "cancelled"
)

// TerminalSignature reports whether a signature task status may never be
// overwritten.
func (s TaskStatus) TerminalSignature() bool {
	return s == TaskSigned || s == TaskDeclined || s == TaskCancelled
}

// Role is the normalized project role of a participant.
type Role string

const (
	RoleResident      Role = "resident"
	RoleSupervisor    Role = "supervisor"
	RoleContractorRep Role = "contractor_rep"
	RoleAdmin         Role = "admin"
)

var roleAliases = map[string]Role{
	"resident":       RoleResident,
	"residente":      RoleResident,
	"supervisor":     RoleSupervisor,
	"interventor":    RoleSupervisor,
	"interventoria":  RoleSupervisor,
	"interventoría":  RoleSupervisor,
	"contractor_rep": RoleContractorRep,
	"contratista":    RoleContractorRep,
	"contractor":     RoleContractorRep,
	"admin":          RoleAdmin,
	"administrador":  RoleAdmin,
}

// NormalizeRole maps historical role labels onto the canonical enum.
func NormalizeRole(raw string) (Role, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if r, ok := roleAliases[key]; ok {
		return r, nil
	}
	return "", fmt.Errorf("unknown project role %q", raw)
}

// Entity is the organization a participant acts for.
type Entity string

const (
	EntityIDU           Entity = "IDU"
	EntityInterventoria Entity = "INTERVENTORIA"
	EntityContratista   Entity = "CONTRATISTA"
)

// NormalizeEntity maps entity labels (accented variants included) onto the
// canonical constants. Empty input stays empty: entity is optional.
func NormalizeEntity(raw string) (Entity, error) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	switch key {
	case "":
		return "", nil
	case "IDU":
		return EntityIDU, nil
	case "INTERVENTORIA", "INTERVENTORÍA":
		return EntityInterventoria, nil
	case "CONTRATISTA":
		return EntityContratista, nil
	}
	return "", fmt.Errorf("unknown entity %q", raw)
}
