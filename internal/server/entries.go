package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"bitacora/internal/domain"
	"bitacora/internal/perm"
	"bitacora/internal/reconcile"
	"bitacora/internal/repo"
	"bitacora/internal/workflow"
)

func registerEntries(api huma.API, e *workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entry",
		Method:        http.MethodPost,
		Path:          "/entries",
		Summary:       "Create log entry",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateEntryRequest `json:"body"`
	}) (*struct {
		Body EntryResponse `json:"body"`
	}, error) {
		c, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if c.Role == domain.RoleContractorRep {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "contractor representatives may not author entries", nil)
		}
		in := workflow.CreateEntryInput{
			AuthorID:            c.UserID,
			EntryDate:           input.Body.EntryDate,
			Title:               input.Body.Title,
			ReviewerID:          input.Body.ReviewerID,
			RequiredSignatories: input.Body.RequiredSignatories,
		}
		if input.Body.Body != nil {
			in.Body = *input.Body.Body
		}
		if input.Body.SkipAuthorAsSigner != nil {
			in.SkipAuthorAsSigner = *input.Body.SkipAuthorAsSigner
		}
		entry, err := e.CreateEntry(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntryResponse `json:"body"`
		}{Body: entryResponse(entry)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entries",
		Method:      http.MethodGet,
		Path:        "/entries",
		Summary:     "List log entries",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		AuthorID string `query:"author_id"`
		SignerID string `query:"signer_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEntries `json:"body"`
	}, error) {
		if _, authErr := callerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		status := ""
		if input.Status != "" {
			s, err := domain.NormalizeStatus(input.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			status = string(s)
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		entries, err := e.Repo.ListEntries(ctx, repo.EntryFilters{
			Status:          status,
			AuthorID:        input.AuthorID,
			SignerID:        input.SignerID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEntries{Items: []EntryResponse{}}
		if len(entries) > limit {
			resp.NextCursor = composeCursor(entries[limit].CreatedAt, entries[limit].ID)
			entries = entries[:limit]
		}
		resp.Items = mapEntries(entries)
		return &struct {
			Body paginatedEntries `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entry",
		Method:      http.MethodGet,
		Path:        "/entries/{id}",
		Summary:     "Entry detail with participants and caller permissions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EntryDetailResponse `json:"body"`
	}, error) {
		c, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		detail, err := entryDetail(ctx, e, c, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntryDetailResponse `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-entry",
		Method:      http.MethodPatch,
		Path:        "/entries/{id}",
		Summary:     "Update entry content",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body UpdateEntryRequest `json:"body"`
	}) (*struct {
		Body EntryResponse `json:"body"`
	}, error) {
		c, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.UpdateEntry(ctx, c, input.ID, workflow.UpdatePatch{
			EntryDate:                 input.Body.EntryDate,
			Title:                     input.Body.Title,
			Body:                      input.Body.Body,
			ContractorObservations:    input.Body.ContractorObservations,
			InterventoriaObservations: input.Body.InterventoriaObservations,
		}, input.Body.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntryResponse `json:"body"`
		}{Body: entryResponse(entry)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-entry",
		Method:      http.MethodDelete,
		Path:        "/entries/{id}",
		Summary:     "Delete draft entry",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		c, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.Repo.GetEntry(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if c.Role != domain.RoleAdmin && c.UserID != entry.AuthorID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "only the author or an admin may delete an entry", nil)
		}
		if entry.Status != domain.StatusDraft {
			return nil, newAPIError(http.StatusUnprocessableEntity, "invalid_transition", "only draft entries may be deleted", nil)
		}
		if err := e.Repo.DeleteEntry(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "entry-participants",
		Method:      http.MethodGet,
		Path:        "/entries/{id}/participants",
		Summary:     "Reconciled signer list",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []ParticipantResponse `json:"body"`
	}, error) {
		if _, authErr := callerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		participants, err := loadParticipants(ctx, e, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ParticipantResponse `json:"body"`
		}{Body: participantResponses(participants)}, nil
	})
}

func registerEntryActions(api huma.API, e *workflow.Engine) {
	registerAction(api, "send-entry-to-contractor", "/entries/{id}/send-to-contractor", "Submit entry to the contractor party",
		func(ctx context.Context, c perm.Caller, id string, body ReasonRequest) (workflow.Result, error) {
			return e.SendToContractor(ctx, c, id, body.Version)
		})
	registerAction(api, "send-entry-for-review", "/entries/{id}/send-for-review", "Open the review round",
		func(ctx context.Context, c perm.Caller, id string, body ReasonRequest) (workflow.Result, error) {
			return e.SendForReview(ctx, c, id, body.Version)
		})
	registerAction(api, "approve-entry-review", "/entries/{id}/approve-review", "Complete the caller's review task",
		func(ctx context.Context, c perm.Caller, id string, body ReasonRequest) (workflow.Result, error) {
			return e.ApproveReview(ctx, c, id, body.Version)
		})
	registerAction(api, "return-entry", "/entries/{id}/return", "Return entry to the contractor for rework",
		func(ctx context.Context, c perm.Caller, id string, body ReasonRequest) (workflow.Result, error) {
			return e.ReturnToContractor(ctx, c, id, body.Reason, body.Version)
		})
	registerAction(api, "approve-entry", "/entries/{id}/approve", "Approve entry for signature",
		func(ctx context.Context, c perm.Caller, id string, body ReasonRequest) (workflow.Result, error) {
			return e.ApproveForSignature(ctx, c, id, body.Version)
		})
	registerAction(api, "decline-entry-signature", "/entries/{id}/decline", "Decline the caller's signature task",
		func(ctx context.Context, c perm.Caller, id string, body ReasonRequest) (workflow.Result, error) {
			return e.DeclineSignature(ctx, c, id, body.Reason, body.Version)
		})
	registerAction(api, "reject-entry", "/entries/{id}/reject", "Reject entry",
		func(ctx context.Context, c perm.Caller, id string, body ReasonRequest) (workflow.Result, error) {
			return e.RejectEntry(ctx, c, id, body.Reason, body.Version)
		})

	huma.Register(api, huma.Operation{
		OperationID: "complete-contractor-review",
		Method:      http.MethodPost,
		Path:        "/entries/{id}/contractor-review",
		Summary:     "Record the contractor party's review",
		Errors:      actionErrors(),
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body ContractorReviewRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		c, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CompleteContractorReview(ctx, c, input.ID, input.Body.Observations, input.Body.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return actionBody(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-entry",
		Method:      http.MethodPost,
		Path:        "/entries/{id}/sign",
		Summary:     "Capture the caller's signature",
		Errors:      actionErrors(),
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body SignRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		c, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Sign(ctx, c, input.ID, input.Body.Consent, input.Body.Password, input.Body.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return actionBody(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-entry-signers",
		Method:      http.MethodPut,
		Path:        "/entries/{id}/signers",
		Summary:     "Replace the required-signatory set",
		Errors:      actionErrors(),
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body SetSignersRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		c, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SetRequiredSignatories(ctx, c, input.ID, input.Body.RequiredSignatories, input.Body.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return actionBody(res), nil
	})
}

type actionFn func(ctx context.Context, c perm.Caller, id string, body ReasonRequest) (workflow.Result, error)

func registerAction(api huma.API, opID, path, summary string, fn actionFn) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        path,
		Summary:     summary,
		Errors:      actionErrors(),
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		c, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := fn(ctx, c, input.ID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return actionBody(res), nil
	})
}

func actionErrors() []int {
	return []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
		http.StatusInternalServerError,
	}
}

func actionBody(res workflow.Result) *struct {
	Body ActionResponse `json:"body"`
} {
	return &struct {
		Body ActionResponse `json:"body"`
	}{Body: ActionResponse{Entry: entryResponse(res.Entry), AlreadyDone: res.AlreadyDone}}
}

func entryDetail(ctx context.Context, e *workflow.Engine, c perm.Caller, entryID string) (EntryDetailResponse, error) {
	entry, err := e.Repo.GetEntry(ctx, entryID)
	if err != nil {
		return EntryDetailResponse{}, err
	}
	reviews, err := e.Repo.ListReviewTasks(ctx, entryID)
	if err != nil {
		return EntryDetailResponse{}, err
	}
	sigs, err := e.Repo.ListSignatureTasks(ctx, entryID)
	if err != nil {
		return EntryDetailResponse{}, err
	}
	legacy, err := e.Repo.ListLegacySignatures(ctx, entryID)
	if err != nil {
		return EntryDetailResponse{}, err
	}
	required, users, err := loadSignerUsers(ctx, e, entry, sigs, legacy)
	if err != nil {
		return EntryDetailResponse{}, err
	}
	author, err := e.Repo.GetUser(ctx, entry.AuthorID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return EntryDetailResponse{}, err
	}

	snap := perm.Snapshot{
		Entry:          entry,
		ReviewTasks:    reviews,
		SignatureTasks: sigs,
		ReadOnly:       entry.Status == domain.StatusRejected,
	}
	approve := perm.CanApprove(c, snap)
	detail := EntryDetailResponse{
		Entry:        entryResponse(entry),
		Participants: participantResponses(reconcile.Participants(sigs, legacy, required, users)),
		ReviewTasks:  reviewTaskResponses(reviews),
		Permissions: PermissionsResponse{
			CanEdit:                       perm.CanEdit(c, snap),
			CanSign:                       perm.CanSign(c, snap),
			CanApprove:                    approve.Allowed,
			AlreadyApproved:               approve.AlreadyDone,
			CanApproveReview:              perm.CanApproveReview(c, snap),
			CanEditContractorResponses:    perm.CanEditContractorResponses(c, snap, author),
			CanEditInterventoriaResponses: perm.CanEditInterventoriaResponses(c, snap, author),
		},
		AllReviewsDone: domain.AllReviewsComplete(reviews),
	}
	return detail, nil
}

func loadParticipants(ctx context.Context, e *workflow.Engine, entryID string) ([]reconcile.Participant, error) {
	entry, err := e.Repo.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	sigs, err := e.Repo.ListSignatureTasks(ctx, entryID)
	if err != nil {
		return nil, err
	}
	legacy, err := e.Repo.ListLegacySignatures(ctx, entryID)
	if err != nil {
		return nil, err
	}
	required, users, err := loadSignerUsers(ctx, e, entry, sigs, legacy)
	if err != nil {
		return nil, err
	}
	return reconcile.Participants(sigs, legacy, required, users), nil
}

// loadSignerUsers resolves every user id the reconciler might surface:
// required signatories, task holders, and legacy signers.
func loadSignerUsers(ctx context.Context, e *workflow.Engine, entry domain.LogEntry, sigs []domain.SignatureTask, legacy []domain.Signature) ([]domain.User, map[string]domain.User, error) {
	ids := append([]string{}, entry.RequiredSignatories...)
	for _, t := range sigs {
		ids = append(ids, t.SignerID)
	}
	for _, s := range legacy {
		ids = append(ids, s.SignerID)
	}
	users, err := e.Repo.GetUsers(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	var required []domain.User
	for _, id := range entry.RequiredSignatories {
		if u, ok := users[id]; ok {
			required = append(required, u)
		} else {
			required = append(required, domain.User{ID: id})
		}
	}
	return required, users, nil
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
