package permissions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tecsuporte/helpdesk/internal/platform/db"
	"github.com/tecsuporte/helpdesk/internal/platform/httpx"
)

const uniqueViolation = "23505"

// Repository is the read side consulted by the resolver.
type Repository interface {
	GetProfile(ctx context.Context, id string) (*Profile, error)
	ListGrants(ctx context.Context, profileID string) ([]Grant, error)
}

// ProfileInput carries the writable profile attributes.
type ProfileInput struct {
	Name        string
	Description string
	IsAdmin     bool
}

// AdminRepository holds the write operations used by the management API and jobs.
type AdminRepository interface {
	Repository
	ListProfiles(ctx context.Context) ([]Profile, error)
	CreateProfile(ctx context.Context, in ProfileInput) (Profile, error)
	UpdateProfile(ctx context.Context, id string, in ProfileInput) (Profile, error)
	DeleteProfile(ctx context.Context, id string) error
	ReplaceGrants(ctx context.Context, profileID string, grants []Grant) ([]Grant, error)
	ListEditWithoutRead(ctx context.Context) ([]Grant, error)
	GrantReadWhereEdit(ctx context.Context) (int64, error)
}

// PGRepository implements AdminRepository on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const profileColumns = `id::text, name, COALESCE(description, ''), is_admin, editable, created_at, updated_at`

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.IsAdmin, &p.Editable, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// GetProfile fetches a profile by id. It returns ErrNotFound when missing.
func (r *PGRepository) GetProfile(ctx context.Context, id string) (*Profile, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	p, err := scanProfile(r.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM permission_profiles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("permissions: get profile: %w", err)
	}
	return &p, nil
}

// ListGrants fetches every grant row of a profile.
func (r *PGRepository) ListGrants(ctx context.Context, profileID string) ([]Grant, error) {
	if _, err := uuid.Parse(profileID); err != nil {
		return []Grant{}, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id::text, profile_id::text, module, can_read, can_edit
		FROM permission_grants WHERE profile_id = $1 ORDER BY module`, profileID)
	if err != nil {
		return nil, fmt.Errorf("permissions: list grants: %w", err)
	}
	return collectGrants(rows)
}

func collectGrants(rows pgx.Rows) ([]Grant, error) {
	grants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Grant, error) {
		var (
			g      Grant
			module string
		)
		if err := row.Scan(&g.ID, &g.ProfileID, &module, &g.Read, &g.Edit); err != nil {
			return Grant{}, err
		}
		g.Module = Module(module)
		return g, nil
	})
	if err != nil {
		return nil, fmt.Errorf("permissions: scan grants: %w", err)
	}
	if grants == nil {
		grants = []Grant{}
	}
	return grants, nil
}

// ListProfiles returns all profiles ordered by name.
func (r *PGRepository) ListProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+profileColumns+` FROM permission_profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("permissions: list profiles: %w", err)
	}
	profiles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Profile, error) {
		return scanProfile(row)
	})
	if err != nil {
		return nil, fmt.Errorf("permissions: scan profiles: %w", err)
	}
	return profiles, nil
}

// CreateProfile inserts an editable profile.
func (r *PGRepository) CreateProfile(ctx context.Context, in ProfileInput) (Profile, error) {
	now := time.Now().UTC()
	p, err := scanProfile(r.pool.QueryRow(ctx, `INSERT INTO permission_profiles (id, name, description, is_admin, editable, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, TRUE, $5, $5)
		RETURNING `+profileColumns, uuid.NewString(), in.Name, in.Description, in.IsAdmin, now))
	if err != nil {
		if isUniqueViolation(err) {
			return Profile{}, fmt.Errorf("%w: profile %q", httpx.ErrDuplicate, in.Name)
		}
		return Profile{}, fmt.Errorf("permissions: create profile: %w", err)
	}
	return p, nil
}

// UpdateProfile rewrites an editable profile.
func (r *PGRepository) UpdateProfile(ctx context.Context, id string, in ProfileInput) (Profile, error) {
	p, err := scanProfile(r.pool.QueryRow(ctx, `UPDATE permission_profiles
		SET name = $2, description = NULLIF($3, ''), is_admin = $4, updated_at = NOW()
		WHERE id = $1 AND editable
		RETURNING `+profileColumns, id, in.Name, in.Description, in.IsAdmin))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, r.missingOrLocked(ctx, id)
		}
		if isUniqueViolation(err) {
			return Profile{}, fmt.Errorf("%w: profile %q", httpx.ErrDuplicate, in.Name)
		}
		return Profile{}, fmt.Errorf("permissions: update profile: %w", err)
	}
	return p, nil
}

// DeleteProfile removes an editable profile and, through the foreign key, its grants.
func (r *PGRepository) DeleteProfile(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permission_profiles WHERE id = $1 AND editable`, id)
	if err != nil {
		return fmt.Errorf("permissions: delete profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrLocked(ctx, id)
	}
	return nil
}

// ReplaceGrants swaps the full grant set of a profile inside one transaction.
func (r *PGRepository) ReplaceGrants(ctx context.Context, profileID string, grants []Grant) ([]Grant, error) {
	var stored []Grant
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var editable bool
		if err := tx.QueryRow(ctx, `SELECT editable FROM permission_profiles WHERE id = $1 FOR UPDATE`, profileID).Scan(&editable); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if !editable {
			return ErrProfileLocked
		}
		if _, err := tx.Exec(ctx, `DELETE FROM permission_grants WHERE profile_id = $1`, profileID); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, g := range grants {
			batch.Queue(`INSERT INTO permission_grants (id, profile_id, module, can_read, can_edit) VALUES ($1, $2, $3, $4, $5)`,
				uuid.NewString(), profileID, string(g.Module), g.Read, g.Edit)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE permission_profiles SET updated_at = NOW() WHERE id = $1`, profileID); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id::text, profile_id::text, module, can_read, can_edit
			FROM permission_grants WHERE profile_id = $1 ORDER BY module`, profileID)
		if err != nil {
			return err
		}
		stored, err = collectGrants(rows)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrProfileLocked) {
			return nil, err
		}
		return nil, fmt.Errorf("permissions: replace grants: %w", err)
	}
	return stored, nil
}

// ListEditWithoutRead returns grants that allow edit but not read.
func (r *PGRepository) ListEditWithoutRead(ctx context.Context) ([]Grant, error) {
	rows, err := r.pool.Query(ctx, `SELECT id::text, profile_id::text, module, can_read, can_edit
		FROM permission_grants WHERE can_edit AND NOT can_read ORDER BY profile_id, module`)
	if err != nil {
		return nil, fmt.Errorf("permissions: list edit-only grants: %w", err)
	}
	return collectGrants(rows)
}

// GrantReadWhereEdit sets read on every edit-only grant and returns the row count.
func (r *PGRepository) GrantReadWhereEdit(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE permission_grants SET can_read = TRUE WHERE can_edit AND NOT can_read`)
	if err != nil {
		return 0, fmt.Errorf("permissions: repair grants: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PGRepository) missingOrLocked(ctx context.Context, id string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM permission_profiles WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("permissions: check profile: %w", err)
	}
	if exists {
		return ErrProfileLocked
	}
	return ErrNotFound
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var _ AdminRepository = (*PGRepository)(nil)
