package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/portal/internal/domain/role"
	"github.com/ehr/portal/internal/platform/db"
)

// -- Postgres Repository --

type profileRepoPG struct {
	pool *pgxpool.Pool
}

// NewProfileRepoPG reads and writes profiles directly in Postgres. It is
// used when the process holds a service connection (DATABASE_URL).
func NewProfileRepoPG(pool *pgxpool.Pool) ProfileRepository {
	return &profileRepoPG{pool: pool}
}

func (r *profileRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const (
	patientCols  = `id, email, first_name, last_name, phone, has_completed_intake, date_of_birth, created_at, updated_at`
	providerCols = `id, email, first_name, last_name, phone, profile_completed, specialty, license_number, created_at, updated_at`
	adminCols    = `id, email, first_name, last_name, phone, department, created_at, updated_at`
)

func (r *profileRepoPG) Exists(ctx context.Context, rl role.Role, userID string) (bool, error) {
	t, err := tableFor(rl)
	if err != nil {
		return false, err
	}
	var exists bool
	err = r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+t.name+` WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check %s profile: %w", rl, err)
	}
	return exists, nil
}

func (r *profileRepoPG) Get(ctx context.Context, rl role.Role, userID string) (*Profile, error) {
	var (
		p   *Profile
		err error
	)
	switch rl {
	case role.Patient:
		p, err = scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, userID))
	case role.Provider:
		p, err = scanProvider(r.conn(ctx).QueryRow(ctx, `SELECT `+providerCols+` FROM providers WHERE id = $1`, userID))
	case role.Admin:
		p, err = scanAdmin(r.conn(ctx).QueryRow(ctx, `SELECT `+adminCols+` FROM admins WHERE id = $1`, userID))
	default:
		return nil, fmt.Errorf("no profile table for role %q", rl)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s profile: %w", rl, err)
	}
	return p, nil
}

func (r *profileRepoPG) CreateMinimal(ctx context.Context, p *Profile) error {
	t, err := tableFor(p.Role)
	if err != nil {
		return err
	}

	cols := `id, email, first_name, last_name, phone, created_at, updated_at`
	vals := `$1, $2, $3, $4, $5, $6, $7`
	args := []interface{}{p.ID, p.Email, p.FirstName, p.LastName, p.Phone, p.CreatedAt, p.UpdatedAt}
	if t.completion != "" {
		cols += ", " + t.completion
		vals += ", $8"
		args = append(args, p.Completed)
	}

	tag, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO `+t.name+` (`+cols+`) VALUES (`+vals+`) ON CONFLICT (id) DO NOTHING`,
		args...,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("create %s profile %s: %w", p.Role, p.ID, ErrDuplicate)
		}
		return fmt.Errorf("create %s profile: %w", p.Role, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create %s profile %s: %w", p.Role, p.ID, ErrDuplicate)
	}
	return nil
}

func scanPatient(row pgx.Row) (*Profile, error) {
	p := Profile{Role: role.Patient}
	err := row.Scan(
		&p.ID, &p.Email, &p.FirstName, &p.LastName, &p.Phone,
		&p.Completed, &p.DateOfBirth,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanProvider(row pgx.Row) (*Profile, error) {
	p := Profile{Role: role.Provider}
	err := row.Scan(
		&p.ID, &p.Email, &p.FirstName, &p.LastName, &p.Phone,
		&p.Completed, &p.Specialty, &p.LicenseNumber,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanAdmin(row pgx.Row) (*Profile, error) {
	p := Profile{Role: role.Admin}
	err := row.Scan(
		&p.ID, &p.Email, &p.FirstName, &p.LastName, &p.Phone,
		&p.Department,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
