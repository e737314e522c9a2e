package server

import (
	"encoding/json"

	"bitacora/internal/domain"
	"bitacora/internal/reconcile"
)

// Request payloads

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type CreateUserRequest struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
	Entity   string `json:"entity,omitempty"`
	Cargo    string `json:"cargo,omitempty"`
	Password string `json:"password,omitempty"`
}

type CreateEntryRequest struct {
	EntryDate           string   `json:"entry_date" format:"date"`
	Title               string   `json:"title"`
	Body                *string  `json:"body,omitempty"`
	ReviewerID          *string  `json:"reviewer_id,omitempty"`
	RequiredSignatories []string `json:"required_signatories,omitempty"`
	SkipAuthorAsSigner  *bool    `json:"skip_author_as_signer,omitempty"`
}

type UpdateEntryRequest struct {
	EntryDate                 *string `json:"entry_date,omitempty" format:"date"`
	Title                     *string `json:"title,omitempty"`
	Body                      *string `json:"body,omitempty"`
	ContractorObservations    *string `json:"contractor_observations,omitempty"`
	InterventoriaObservations *string `json:"interventoria_observations,omitempty"`
	Version                   int64   `json:"version,omitempty"`
}

type ActionRequest struct {
	Version int64 `json:"version,omitempty"`
}

type ReasonRequest struct {
	Reason  string `json:"reason,omitempty"`
	Version int64  `json:"version,omitempty"`
}

type ContractorReviewRequest struct {
	Observations string `json:"observations,omitempty"`
	Version      int64  `json:"version,omitempty"`
}

type SignRequest struct {
	Consent  string `json:"consent"`
	Password string `json:"password"`
	Version  int64  `json:"version,omitempty"`
}

type SetSignersRequest struct {
	RequiredSignatories []string `json:"required_signatories"`
	Version             int64    `json:"version,omitempty"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Key    string `json:"key"`
}

// Response payloads

type LoginResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

type UserResponse struct {
	ID        string `json:"id"`
	FullName  string `json:"full_name"`
	Role      string `json:"role" enum:"resident,supervisor,contractor_rep,admin"`
	Entity    string `json:"entity,omitempty"`
	Cargo     string `json:"cargo,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EntryResponse struct {
	ID                        string   `json:"id"`
	EntryDate                 string   `json:"entry_date" format:"date"`
	Title                     string   `json:"title"`
	Body                      string   `json:"body,omitempty"`
	Status                    string   `json:"status" enum:"draft,submitted,needs_review,approved,signed,rejected"`
	AuthorID                  string   `json:"author_id"`
	ReviewerID                *string  `json:"reviewer_id,omitempty"`
	RequiredSignatories       []string `json:"required_signatories"`
	SkipAuthorAsSigner        bool     `json:"skip_author_as_signer"`
	PendingReviewBy           *string  `json:"pending_review_by,omitempty"`
	ContractorReviewCompleted bool     `json:"contractor_review_completed"`
	ContractorObservations    string   `json:"contractor_observations,omitempty"`
	InterventoriaObservations string   `json:"interventoria_observations,omitempty"`
	ReturnReason              *string  `json:"return_reason,omitempty"`
	Version                   int64    `json:"version"`
	CreatedAt                 string   `json:"created_at" format:"date-time"`
	UpdatedAt                 string   `json:"updated_at" format:"date-time"`
}

type ParticipantResponse struct {
	SignerID string  `json:"signer_id"`
	FullName string  `json:"full_name,omitempty"`
	Cargo    string  `json:"cargo,omitempty"`
	Entity   string  `json:"entity,omitempty"`
	Status   string  `json:"status" enum:"pending,signed,declined,cancelled"`
	SignedAt *string `json:"signed_at,omitempty" format:"date-time"`
}

// PermissionsResponse tells the caller which actions the UI may offer.
type PermissionsResponse struct {
	CanEdit                       bool `json:"can_edit"`
	CanSign                       bool `json:"can_sign"`
	CanApprove                    bool `json:"can_approve"`
	AlreadyApproved               bool `json:"already_approved"`
	CanApproveReview              bool `json:"can_approve_review"`
	CanEditContractorResponses    bool `json:"can_edit_contractor_responses"`
	CanEditInterventoriaResponses bool `json:"can_edit_interventoria_responses"`
}

type EntryDetailResponse struct {
	Entry          EntryResponse         `json:"entry"`
	Participants   []ParticipantResponse `json:"participants"`
	ReviewTasks    []ReviewTaskResponse  `json:"review_tasks"`
	Permissions    PermissionsResponse   `json:"permissions"`
	AllReviewsDone bool                  `json:"all_reviews_done"`
}

type ReviewTaskResponse struct {
	ID          string  `json:"id"`
	ReviewerID  string  `json:"reviewer_id"`
	Status      string  `json:"status" enum:"pending,completed"`
	AssignedAt  string  `json:"assigned_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type ActionResponse struct {
	Entry       EntryResponse `json:"entry"`
	AlreadyDone bool          `json:"already_done"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntryID    string         `json:"entry_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type paginatedEntries struct {
	Items      []EntryResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		FullName:  u.FullName,
		Role:      string(u.Role),
		Entity:    string(u.Entity),
		Cargo:     u.Cargo,
		CreatedAt: u.CreatedAt,
	}
}

func entryResponse(e domain.LogEntry) EntryResponse {
	signers := e.RequiredSignatories
	if signers == nil {
		signers = []string{}
	}
	return EntryResponse{
		ID:                        e.ID,
		EntryDate:                 e.EntryDate,
		Title:                     e.Title,
		Body:                      e.Body,
		Status:                    string(e.Status),
		AuthorID:                  e.AuthorID,
		ReviewerID:                e.ReviewerID,
		RequiredSignatories:       signers,
		SkipAuthorAsSigner:        e.SkipAuthorAsSigner,
		PendingReviewBy:           e.PendingReviewBy,
		ContractorReviewCompleted: e.ContractorReviewCompleted,
		ContractorObservations:    e.ContractorObservations,
		InterventoriaObservations: e.InterventoriaObservations,
		ReturnReason:              e.ReturnReason,
		Version:                   e.Version,
		CreatedAt:                 e.CreatedAt,
		UpdatedAt:                 e.UpdatedAt,
	}
}

func mapEntries(items []domain.LogEntry) []EntryResponse {
	res := []EntryResponse{}
	for _, e := range items {
		res = append(res, entryResponse(e))
	}
	return res
}

func participantResponses(ps []reconcile.Participant) []ParticipantResponse {
	res := []ParticipantResponse{}
	for _, p := range ps {
		res = append(res, ParticipantResponse{
			SignerID: p.SignerID,
			FullName: p.FullName,
			Cargo:    p.Cargo,
			Entity:   string(p.Entity),
			Status:   string(p.Status),
			SignedAt: p.SignedAt,
		})
	}
	return res
}

func reviewTaskResponses(tasks []domain.ReviewTask) []ReviewTaskResponse {
	res := []ReviewTaskResponse{}
	for _, t := range tasks {
		res = append(res, ReviewTaskResponse{
			ID:          t.ID,
			ReviewerID:  t.ReviewerID,
			Status:      string(t.Status),
			AssignedAt:  t.AssignedAt,
			CompletedAt: t.CompletedAt,
		})
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntryID:    e.EntryID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}
