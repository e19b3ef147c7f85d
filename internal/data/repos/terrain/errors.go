package terrain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	apperr "github.com/yungbote/terrain-backend/internal/pkg/errors"
)

// dbError maps a driver failure onto the apperr classes. Anything the
// Postgres error code does not pin down is treated as transient.
func dbError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := strings.TrimSpace(pgErr.Code)
		switch {
		case code == "23505":
			return fmt.Errorf("%s: %w: %w", op, apperr.ErrConflict, err) // unique_violation
		case code == "40001", code == "40P01", code == "55P03":
			return apperr.Transient(op, err) // serialization, deadlock, lock_not_available
		case strings.HasPrefix(code, "42"):
			return apperr.Configuration("%s: schema mismatch: %v", op, err)
		case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"):
			return fmt.Errorf("%s: %w: %w", op, apperr.ErrInvariant, err)
		}
	}
	return apperr.Transient(op, err)
}
