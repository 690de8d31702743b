package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates that no active portal user matches.
var ErrNotFound = errors.New("identity: not found")

// Repository loads identities from persistent storage.
type Repository interface {
	FindByUserID(ctx context.Context, userID string) (*Identity, error)
}

// PGRepository implements Repository on top of portal_users.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const findByUserIDQuery = `
SELECT id::text, email, full_name, kind, COALESCE(permission_profile_id::text, '')
FROM portal_users
WHERE id = $1 AND is_active`

// FindByUserID fetches the identity of an active user.
func (r *PGRepository) FindByUserID(ctx context.Context, userID string) (*Identity, error) {
	var (
		id   Identity
		kind string
	)
	err := r.pool.QueryRow(ctx, findByUserIDQuery, userID).Scan(&id.UserID, &id.Email, &id.Name, &kind, &id.ProfileID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("identity: find user %s: %w", userID, err)
	}
	id.Kind = Kind(strings.ToLower(kind))
	if !id.Kind.Valid() {
		return nil, fmt.Errorf("identity: user %s has unknown kind %q", userID, kind)
	}
	if id.Kind == KindClient {
		id.ProfileID = ""
	}
	return &id, nil
}

var _ Repository = (*PGRepository)(nil)
