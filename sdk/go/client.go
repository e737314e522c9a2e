package bitacorasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Bitacora HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Entry represents the API log-entry model (partial).
type Entry struct {
	ID                  string   `json:"id"`
	EntryDate           string   `json:"entry_date"`
	Title               string   `json:"title"`
	Body                string   `json:"body"`
	Status              string   `json:"status"`
	AuthorID            string   `json:"author_id"`
	RequiredSignatories []string `json:"required_signatories"`
	PendingReviewBy     *string  `json:"pending_review_by,omitempty"`
	ReturnReason        string   `json:"return_reason,omitempty"`
	Version             int64    `json:"version"`
	CreatedAt           string   `json:"created_at"`
	UpdatedAt           string   `json:"updated_at"`
}

// Participant is one row of an entry's signature board.
type Participant struct {
	SignerID string  `json:"signer_id"`
	FullName string  `json:"full_name,omitempty"`
	Cargo    string  `json:"cargo,omitempty"`
	Entity   string  `json:"entity,omitempty"`
	Status   string  `json:"status"`
	SignedAt *string `json:"signed_at,omitempty"`
}

// ActionResult wraps the outcome of a workflow action.
type ActionResult struct {
	Entry       Entry `json:"entry"`
	AlreadyDone bool  `json:"already_done"`
}

// Event represents an audit log record.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	EntryID string         `json:"entry_id,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEntries wraps list responses with cursors.
type PaginatedEntries struct {
	Items      []Entry `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Login exchanges user credentials for a bearer token and stores it on the
// client for subsequent calls.
func (c *Client) Login(ctx context.Context, userID, password string) error {
	body := map[string]any{
		"user_id":  userID,
		"password": password,
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// CreateEntry creates a draft entry.
func (c *Client) CreateEntry(ctx context.Context, entryDate, title, body string, signers []string) (Entry, error) {
	req := map[string]any{
		"entry_date":           entryDate,
		"title":                title,
		"body":                 body,
		"required_signatories": signers,
	}
	var resp Entry
	err := c.do(ctx, http.MethodPost, "entries", req, &resp)
	return resp, err
}

// GetEntry fetches an entry by id.
func (c *Client) GetEntry(ctx context.Context, id string) (Entry, error) {
	var resp struct {
		Entry Entry `json:"entry"`
	}
	err := c.do(ctx, http.MethodGet, "entries/"+url.PathEscape(id), nil, &resp)
	return resp.Entry, err
}

// Entries returns a paginated entry listing.
func (c *Client) Entries(ctx context.Context, status string, limit int, cursor string) (PaginatedEntries, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "entries"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedEntries
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Participants returns the signature board for an entry.
func (c *Client) Participants(ctx context.Context, id string) ([]Participant, error) {
	var resp []Participant
	endpoint := fmt.Sprintf("entries/%s/participants", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SendToContractor submits a draft entry to the contractor party.
func (c *Client) SendToContractor(ctx context.Context, id string, version int64) (ActionResult, error) {
	return c.action(ctx, id, "send-to-contractor", map[string]any{"version": version})
}

// CompleteContractorReview records the contractor party's review.
func (c *Client) CompleteContractorReview(ctx context.Context, id, observations string, version int64) (ActionResult, error) {
	return c.action(ctx, id, "contractor-review", map[string]any{
		"observations": observations,
		"version":      version,
	})
}

// SendForReview opens the review round.
func (c *Client) SendForReview(ctx context.Context, id string, version int64) (ActionResult, error) {
	return c.action(ctx, id, "send-for-review", map[string]any{"version": version})
}

// ApproveReview completes the caller's review task.
func (c *Client) ApproveReview(ctx context.Context, id string, version int64) (ActionResult, error) {
	return c.action(ctx, id, "approve-review", map[string]any{"version": version})
}

// ReturnToContractor sends the entry back, optionally with a reason.
func (c *Client) ReturnToContractor(ctx context.Context, id, reason string, version int64) (ActionResult, error) {
	return c.action(ctx, id, "return", map[string]any{
		"reason":  reason,
		"version": version,
	})
}

// Approve moves the entry to the approved state and opens signature tasks.
func (c *Client) Approve(ctx context.Context, id string, version int64) (ActionResult, error) {
	return c.action(ctx, id, "approve", map[string]any{"version": version})
}

// Sign captures the caller's electronic signature.
func (c *Client) Sign(ctx context.Context, id, consent, password string, version int64) (ActionResult, error) {
	return c.action(ctx, id, "sign", map[string]any{
		"consent":  consent,
		"password": password,
		"version":  version,
	})
}

// DeclineSignature declines the caller's signature task.
func (c *Client) DeclineSignature(ctx context.Context, id, reason string, version int64) (ActionResult, error) {
	return c.action(ctx, id, "decline", map[string]any{
		"reason":  reason,
		"version": version,
	})
}

// Reject rejects the entry with a reason.
func (c *Client) Reject(ctx context.Context, id, reason string, version int64) (ActionResult, error) {
	return c.action(ctx, id, "reject", map[string]any{
		"reason":  reason,
		"version": version,
	})
}

// SetSigners replaces the required-signatory set.
func (c *Client) SetSigners(ctx context.Context, id string, signers []string, version int64) (ActionResult, error) {
	body := map[string]any{
		"required_signatories": signers,
		"version":              version,
	}
	var resp ActionResult
	endpoint := fmt.Sprintf("entries/%s/signers", url.PathEscape(id))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, entryID string, limit int) ([]Event, error) {
	q := url.Values{}
	if entryID != "" {
		q.Set("entry_id", entryID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "events"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) action(ctx context.Context, id, verb string, body map[string]any) (ActionResult, error) {
	var resp ActionResult
	endpoint := fmt.Sprintf("entries/%s/%s", url.PathEscape(id), verb)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/v1"
}
