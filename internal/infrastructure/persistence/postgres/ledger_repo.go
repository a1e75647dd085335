package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// LedgerRepository implements ledger.Store for PostgreSQL.
type LedgerRepository struct {
	conn *Connection
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(conn *Connection) *LedgerRepository {
	return &LedgerRepository{conn: conn}
}

var _ ledger.Store = (*LedgerRepository)(nil)

const ledgerColumns = `
	id, user_id, event_type, base_amount, multiplier, awarded_amount, source,
	idempotency_key, fingerprint, occurred_at,
	total_before, total_after, level_before, level_after`

// ledgerSelect is ledgerColumns with the id rendered as text.
const ledgerSelect = `
	id::text, user_id, event_type, base_amount, multiplier, awarded_amount, source,
	idempotency_key, fingerprint, occurred_at,
	total_before, total_after, level_before, level_after`

// Append implements ledger.Store. The user's advisory lock is held for the
// whole transaction, so the total read here is the one the event seals
// against.
func (r *LedgerRepository) Append(ctx context.Context, ev *ledger.XPEvent, curve ledger.LevelCurve) (*ledger.XPEvent, bool, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	var (
		stored  *ledger.XPEvent
		created bool
	)
	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, "ledger", ev.UserID); err != nil {
			return err
		}

		existing, err := r.findByKey(ctx, tx, ev.UserID, ev.IdempotencyKey)
		if err == nil {
			stored = existing
			return nil
		}
		if !IsNoRows(err) {
			return err
		}

		var total int64
		err = tx.QueryRow(ctx, `SELECT total_xp FROM user_totals WHERE user_id = $1`, string(ev.UserID)).Scan(&total)
		if err != nil && !IsNoRows(err) {
			return err
		}

		sealed := *ev
		if err := sealed.Seal(total, curve); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO ledger_events (`+ledgerColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`,
			sealed.ID,
			string(sealed.UserID),
			string(sealed.Type),
			sealed.BaseAmount,
			int64(sealed.Multiplier),
			sealed.AwardedAmount,
			string(sealed.Source),
			sealed.IdempotencyKey,
			sealed.Fingerprint,
			sealed.Timestamp,
			sealed.TotalBefore,
			sealed.TotalAfter,
			sealed.LevelBefore,
			sealed.LevelAfter,
		)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO user_totals (user_id, total_xp, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (user_id) DO UPDATE SET total_xp = EXCLUDED.total_xp, updated_at = NOW()
		`, string(sealed.UserID), sealed.TotalAfter)
		if err != nil {
			return err
		}

		stored, created = &sealed, true
		return nil
	})
	if err != nil {
		return nil, false, translate("Append", err)
	}
	return stored, created, nil
}

// FindByIdempotencyKey implements ledger.Store.
func (r *LedgerRepository) FindByIdempotencyKey(ctx context.Context, userID shared.UserID, key string) (*ledger.XPEvent, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	ev, err := r.findByKey(ctx, r.conn.Pool(), userID, key)
	if err != nil {
		return nil, translate("FindByIdempotencyKey", err)
	}
	return ev, nil
}

func (r *LedgerRepository) findByKey(ctx context.Context, q Querier, userID shared.UserID, key string) (*ledger.XPEvent, error) {
	row := q.QueryRow(ctx, `SELECT `+ledgerSelect+` FROM ledger_events WHERE user_id = $1 AND idempotency_key = $2`,
		string(userID), key)
	return scanEvent(row)
}

// TotalXP implements ledger.Store.
func (r *LedgerRepository) TotalXP(ctx context.Context, userID shared.UserID) (int64, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	var total int64
	err := r.conn.Pool().QueryRow(ctx, `SELECT total_xp FROM user_totals WHERE user_id = $1`, string(userID)).Scan(&total)
	if err != nil {
		if IsNoRows(err) {
			return 0, nil
		}
		return 0, translate("TotalXP", err)
	}
	return total, nil
}

// CountByType implements ledger.Store.
func (r *LedgerRepository) CountByType(ctx context.Context, userID shared.UserID) (map[ledger.EventType]int, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	rows, err := r.conn.Pool().Query(ctx, `
		SELECT event_type, COUNT(*) FROM ledger_events WHERE user_id = $1 GROUP BY event_type
	`, string(userID))
	if err != nil {
		return nil, translate("CountByType", err)
	}
	defer rows.Close()

	counts := make(map[ledger.EventType]int)
	for rows.Next() {
		var (
			t string
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, translate("CountByType", err)
		}
		counts[ledger.EventType(t)] = n
	}
	return counts, translate("CountByType", rows.Err())
}

// ListByUser implements ledger.Store.
func (r *LedgerRepository) ListByUser(ctx context.Context, userID shared.UserID, limit int) ([]*ledger.XPEvent, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + ledgerSelect + ` FROM ledger_events WHERE user_id = $1 ORDER BY occurred_at DESC, total_after DESC`
	args := []any{string(userID)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.conn.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, translate("ListByUser", err)
	}
	defer rows.Close()

	var out []*ledger.XPEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, translate("ListByUser", err)
		}
		out = append(out, ev)
	}
	return out, translate("ListByUser", rows.Err())
}

// Standings implements ledger.Store.
func (r *LedgerRepository) Standings(ctx context.Context, since time.Time, limit int) ([]ledger.Standing, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	var (
		query string
		args  []any
	)
	if since.IsZero() {
		query = `SELECT user_id, total_xp FROM user_totals WHERE total_xp > 0 ORDER BY total_xp DESC, user_id ASC`
	} else {
		query = `
			SELECT user_id, SUM(awarded_amount)::bigint AS xp
			FROM ledger_events
			WHERE occurred_at >= $1
			GROUP BY user_id
			HAVING SUM(awarded_amount) > 0
			ORDER BY xp DESC, user_id ASC`
		args = append(args, since.UTC())
	}
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := r.conn.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, translate("Standings", err)
	}
	defer rows.Close()

	var out []ledger.Standing
	for rows.Next() {
		var (
			user string
			xp   int64
		)
		if err := rows.Scan(&user, &xp); err != nil {
			return nil, translate("Standings", err)
		}
		out = append(out, ledger.Standing{UserID: shared.UserID(user), TotalXP: xp})
	}
	return out, translate("Standings", rows.Err())
}

func scanEvent(row pgx.Row) (*ledger.XPEvent, error) {
	var (
		ev                ledger.XPEvent
		user, typ, source string
		multiplier        int64
	)
	err := row.Scan(
		&ev.ID,
		&user,
		&typ,
		&ev.BaseAmount,
		&multiplier,
		&ev.AwardedAmount,
		&source,
		&ev.IdempotencyKey,
		&ev.Fingerprint,
		&ev.Timestamp,
		&ev.TotalBefore,
		&ev.TotalAfter,
		&ev.LevelBefore,
		&ev.LevelAfter,
	)
	if err != nil {
		return nil, err
	}
	ev.UserID = shared.UserID(user)
	ev.Type = ledger.EventType(typ)
	ev.Source = ledger.Source(source)
	ev.Multiplier = ledger.Multiplier(multiplier)
	ev.Timestamp = ev.Timestamp.UTC()
	return &ev, nil
}
