package repo

import (
	"context"
	"database/sql"
	"errors"

	"bitacora/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User, passwordHash string) error {
	if u.ID == "" {
		return errors.New("user id required")
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO users(id,full_name,role,entity,cargo,password_hash,created_at) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.FullName, string(u.Role), nullable(string(u.Entity)), nullable(u.Cargo), nullable(passwordHash), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,full_name,role,COALESCE(entity,''),COALESCE(cargo,''),created_at FROM users WHERE id=?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var role, entity string
	err := row.Scan(&u.ID, &u.FullName, &role, &entity, &u.Cargo, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Role = domain.Role(role)
	u.Entity = domain.Entity(entity)
	return u, nil
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,full_name,role,COALESCE(entity,''),COALESCE(cargo,''),created_at FROM users ORDER BY full_name ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var role, entity string
		if err := rows.Scan(&u.ID, &u.FullName, &role, &entity, &u.Cargo, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Role = domain.Role(role)
		u.Entity = domain.Entity(entity)
		res = append(res, u)
	}
	return res, rows.Err()
}

// GetUsers resolves a set of user ids in one pass; missing ids are skipped.
func (r Repo) GetUsers(ctx context.Context, ids []string) (map[string]domain.User, error) {
	res := map[string]domain.User{}
	for _, id := range ids {
		u, err := r.GetUser(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res[id] = u
	}
	return res, nil
}

// PasswordHash returns the stored credential hash for a user, empty when the
// user has no local credential.
func (r Repo) PasswordHash(ctx context.Context, userID string) (string, error) {
	var hash sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE id=?`, userID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if !hash.Valid {
		return "", nil
	}
	return hash.String, nil
}
