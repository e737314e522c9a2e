package domain

// PendingReviewAllSigners marks an entry gated on a per-signatory review round.
const PendingReviewAllSigners = "all_signers"

type User struct {
	ID        string `json:"id"`
	FullName  string `json:"full_name"`
	Role      Role   `json:"role" enum:"resident,supervisor,contractor_rep,admin"`
	Entity    Entity `json:"entity,omitempty" enum:"IDU,INTERVENTORIA,CONTRATISTA"`
	Cargo     string `json:"cargo,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// LogEntry is one daily logbook record moving through review and signature.
type LogEntry struct {
	ID                        string      `json:"id"`
	EntryDate                 string      `json:"entry_date" format:"date"`
	Title                     string      `json:"title"`
	Body                      string      `json:"body,omitempty"`
	Status                    EntryStatus `json:"status" enum:"draft,submitted,needs_review,approved,signed,rejected"`
	AuthorID                  string      `json:"author_id"`
	ReviewerID                *string     `json:"reviewer_id,omitempty"`
	RequiredSignatories       []string    `json:"required_signatories"`
	SkipAuthorAsSigner        bool        `json:"skip_author_as_signer"`
	PendingReviewBy           *string     `json:"pending_review_by,omitempty"`
	ContractorReviewCompleted bool        `json:"contractor_review_completed"`
	ContractorObservations    string      `json:"contractor_observations,omitempty"`
	InterventoriaObservations string      `json:"interventoria_observations,omitempty"`
	ReturnReason              *string     `json:"return_reason,omitempty"`
	Version                   int64       `json:"version"`
	CreatedAt                 string      `json:"created_at" format:"date-time"`
	UpdatedAt                 string      `json:"updated_at" format:"date-time"`
}

// ReviewTask is one review obligation for one (entry, reviewer) pair.
type ReviewTask struct {
	ID          string     `json:"id"`
	EntryID     string     `json:"entry_id"`
	ReviewerID  string     `json:"reviewer_id"`
	Status      TaskStatus `json:"status" enum:"pending,completed"`
	AssignedAt  string     `json:"assigned_at" format:"date-time"`
	CompletedAt *string    `json:"completed_at,omitempty" format:"date-time"`
}

// SignatureTask is one signature obligation for one (entry, signer) pair.
type SignatureTask struct {
	ID        string     `json:"id"`
	EntryID   string     `json:"entry_id"`
	SignerID  string     `json:"signer_id"`
	Status    TaskStatus `json:"status" enum:"pending,signed,declined,cancelled"`
	Consent   string     `json:"consent,omitempty"`
	SignedAt  *string    `json:"signed_at,omitempty" format:"date-time"`
	CreatedAt string     `json:"created_at" format:"date-time"`
}

// Signature is the legacy flat signature record. New code never writes these;
// historical rows must still be read and reconciled.
type Signature struct {
	EntryID    string  `json:"entry_id"`
	SignerID   string  `json:"signer_id"`
	SignedAt   *string `json:"signed_at,omitempty" format:"date-time"`
	TaskStatus string  `json:"signature_task_status,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntryID    string `json:"entry_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// AllReviewsComplete reports whether every review task has been completed.
// Vacuously true for an empty list.
func AllReviewsComplete(tasks []ReviewTask) bool {
	for _, t := range tasks {
		if t.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// AnySigned reports whether at least one signature task reached SIGNED. Once
// true, the required-signatory set and party observations are frozen.
func AnySigned(tasks []SignatureTask) bool {
	for _, t := range tasks {
		if t.Status == TaskSigned {
			return true
		}
	}
	return false
}
