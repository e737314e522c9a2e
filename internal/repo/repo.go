package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"bitacora/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrVersionConflict signals an optimistic-lock miss: the entry changed under
// the caller between read and write.
var ErrVersionConflict = errors.New("entry version conflict")

const entryColumns = `id,entry_date,title,body,status,author_id,reviewer_id,skip_author_as_signer,pending_review_by,contractor_review_completed,contractor_observations,interventoria_observations,return_reason,version,created_at,updated_at`

func (r Repo) InsertEntry(ctx context.Context, tx *sql.Tx, e domain.LogEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO entries(`+entryColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.EntryDate, e.Title, nullable(e.Body), string(e.Status), e.AuthorID, nullableStringPtr(e.ReviewerID),
		boolToInt(e.SkipAuthorAsSigner), nullableStringPtr(e.PendingReviewBy), boolToInt(e.ContractorReviewCompleted),
		nullable(e.ContractorObservations), nullable(e.InterventoriaObservations), nullableStringPtr(e.ReturnReason),
		e.Version, e.CreatedAt, e.UpdatedAt)
	return err
}

// UpdateEntry writes the entry back guarded by its previous version. The
// stored version becomes expectedVersion+1; zero rows affected means another
// writer got there first.
func (r Repo) UpdateEntry(ctx context.Context, tx *sql.Tx, e domain.LogEntry, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE entries SET entry_date=?, title=?, body=?, status=?, reviewer_id=?, skip_author_as_signer=?, pending_review_by=?, contractor_review_completed=?, contractor_observations=?, interventoria_observations=?, return_reason=?, version=?, updated_at=?
WHERE id=? AND version=?`,
		e.EntryDate, e.Title, nullable(e.Body), string(e.Status), nullableStringPtr(e.ReviewerID),
		boolToInt(e.SkipAuthorAsSigner), nullableStringPtr(e.PendingReviewBy), boolToInt(e.ContractorReviewCompleted),
		nullable(e.ContractorObservations), nullable(e.InterventoriaObservations), nullableStringPtr(e.ReturnReason),
		expectedVersion+1, e.UpdatedAt, e.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r Repo) GetEntry(ctx context.Context, id string) (domain.LogEntry, error) {
	e, err := scanEntry(r.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id=?`, id))
	if err != nil {
		return e, err
	}
	e.RequiredSignatories, err = r.listEntrySigners(ctx, nil, id)
	return e, err
}

func (r Repo) GetEntryTx(ctx context.Context, tx *sql.Tx, id string) (domain.LogEntry, error) {
	e, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id=?`, id))
	if err != nil {
		return e, err
	}
	e.RequiredSignatories, err = r.listEntrySigners(ctx, tx, id)
	return e, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (domain.LogEntry, error) {
	var e domain.LogEntry
	var body, reviewerID, pendingReviewBy, contractorObs, interventoriaObs, returnReason sql.NullString
	var skipAuthor, contractorDone int
	var status string
	err := row.Scan(&e.ID, &e.EntryDate, &e.Title, &body, &status, &e.AuthorID, &reviewerID, &skipAuthor,
		&pendingReviewBy, &contractorDone, &contractorObs, &interventoriaObs, &returnReason,
		&e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Status = domain.EntryStatus(status)
	e.SkipAuthorAsSigner = skipAuthor != 0
	e.ContractorReviewCompleted = contractorDone != 0
	if body.Valid {
		e.Body = body.String
	}
	if reviewerID.Valid {
		e.ReviewerID = &reviewerID.String
	}
	if pendingReviewBy.Valid {
		e.PendingReviewBy = &pendingReviewBy.String
	}
	if contractorObs.Valid {
		e.ContractorObservations = contractorObs.String
	}
	if interventoriaObs.Valid {
		e.InterventoriaObservations = interventoriaObs.String
	}
	if returnReason.Valid {
		e.ReturnReason = &returnReason.String
	}
	return e, nil
}

func (r Repo) listEntrySigners(ctx context.Context, tx *sql.Tx, entryID string) ([]string, error) {
	query := `SELECT signer_id FROM entry_signers WHERE entry_id=? ORDER BY position ASC`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, entryID)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, entryID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetEntrySigners replaces the required-signatory set, preserving declaration
// order via the position column.
func (r Repo) SetEntrySigners(ctx context.Context, tx *sql.Tx, entryID string, signerIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM entry_signers WHERE entry_id=?`, entryID); err != nil {
		return err
	}
	for i, id := range signerIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO entry_signers(entry_id,signer_id,position) VALUES (?,?,?)`, entryID, id, i); err != nil {
			return err
		}
	}
	return nil
}

type EntryFilters struct {
	Status          string
	AuthorID        string
	SignerID        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListEntries(ctx context.Context, f EntryFilters) ([]domain.LogEntry, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AuthorID != "" {
		clauses = append(clauses, "author_id=?")
		args = append(args, f.AuthorID)
	}
	if f.SignerID != "" {
		clauses = append(clauses, "id IN (SELECT entry_id FROM entry_signers WHERE signer_id=?)")
		args = append(args, f.SignerID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + entryColumns + ` FROM entries ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		signers, err := r.listEntrySigners(ctx, nil, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].RequiredSignatories = signers
	}
	return res, nil
}

func (r Repo) DeleteEntry(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM entries WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountEntriesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM entries GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, entryID, evtType string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, entryID, evtType)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, entryID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if entryID != "" {
		clauses = append(clauses, "entry_id=?")
		args = append(args, entryID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entry_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entry_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entryID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &entryID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entryID.Valid {
			e.EntryID = entryID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
