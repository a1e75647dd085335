package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// STREAK REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// StreakRepository implements streak.Store for PostgreSQL.
type StreakRepository struct {
	conn *Connection
}

// NewStreakRepository creates a new StreakRepository.
func NewStreakRepository(conn *Connection) *StreakRepository {
	return &StreakRepository{conn: conn}
}

var _ streak.Store = (*StreakRepository)(nil)

const streakColumns = `user_id, current_streak, longest_streak, last_activity_date, streak_start_date, time_zone, updated_at`

// Get implements streak.Store.
func (r *StreakRepository) Get(ctx context.Context, userID shared.UserID) (*streak.State, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	row := r.conn.Pool().QueryRow(ctx, `SELECT `+streakColumns+` FROM streak_states WHERE user_id = $1`, string(userID))
	st, err := scanStreak(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.NotFound("postgres", "GetStreak", "no streak for user %s", userID)
		}
		return nil, translate("GetStreak", err)
	}
	return st, nil
}

// Save implements streak.Store.
func (r *StreakRepository) Save(ctx context.Context, st *streak.State) error {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	updatedAt := st.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := r.conn.Pool().Exec(ctx, `
		INSERT INTO streak_states (`+streakColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			current_streak = EXCLUDED.current_streak,
			longest_streak = EXCLUDED.longest_streak,
			last_activity_date = EXCLUDED.last_activity_date,
			streak_start_date = EXCLUDED.streak_start_date,
			time_zone = EXCLUDED.time_zone,
			updated_at = EXCLUDED.updated_at
	`,
		string(st.UserID),
		st.CurrentStreak,
		st.LongestStreak,
		dateArg(st.LastActivityDate),
		dateArg(st.StreakStartDate),
		st.TimeZone,
		updatedAt.UTC(),
	)
	return translate("SaveStreak", err)
}

// ListActiveSince implements streak.Store.
func (r *StreakRepository) ListActiveSince(ctx context.Context, since timeutil.Date) ([]*streak.State, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	rows, err := r.conn.Pool().Query(ctx, `
		SELECT `+streakColumns+` FROM streak_states
		WHERE last_activity_date >= $1
		ORDER BY user_id
	`, dateArg(since))
	if err != nil {
		return nil, translate("ListActiveSince", err)
	}
	defer rows.Close()

	var out []*streak.State
	for rows.Next() {
		st, err := scanStreak(rows)
		if err != nil {
			return nil, translate("ListActiveSince", err)
		}
		out = append(out, st)
	}
	return out, translate("ListActiveSince", rows.Err())
}

func scanStreak(row pgx.Row) (*streak.State, error) {
	var (
		st          streak.State
		user        string
		last, start *time.Time
	)
	if err := row.Scan(&user, &st.CurrentStreak, &st.LongestStreak, &last, &start, &st.TimeZone, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.UserID = shared.UserID(user)
	st.LastActivityDate = dateValue(last)
	st.StreakStartDate = dateValue(start)
	return &st, nil
}

// dateArg renders a calendar date for a DATE column; the zero date is NULL.
func dateArg(d timeutil.Date) any {
	if d.IsZero() {
		return nil
	}
	return d.In(time.UTC)
}

func dateValue(t *time.Time) timeutil.Date {
	if t == nil {
		return timeutil.Date{}
	}
	return timeutil.DateOf(*t, time.UTC)
}

// ══════════════════════════════════════════════════════════════════════════════
// UNLOCK REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// UnlockRepository implements achievement.UnlockStore for PostgreSQL.
type UnlockRepository struct {
	conn *Connection
}

// NewUnlockRepository creates a new UnlockRepository.
func NewUnlockRepository(conn *Connection) *UnlockRepository {
	return &UnlockRepository{conn: conn}
}

var _ achievement.UnlockStore = (*UnlockRepository)(nil)

// Unlock implements achievement.UnlockStore. The primary key makes the
// insert a no-op for a pair that already exists.
func (r *UnlockRepository) Unlock(ctx context.Context, u achievement.Unlock) (bool, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	var trigger any
	if u.TriggerEventID != "" {
		trigger = u.TriggerEventID
	}
	tag, err := r.conn.Pool().Exec(ctx, `
		INSERT INTO achievement_unlocks (user_id, achievement_id, unlocked_at, trigger_event_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, achievement_id) DO NOTHING
	`, string(u.UserID), u.AchievementID, u.UnlockedAt.UTC(), trigger)
	if err != nil {
		return false, translate("Unlock", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListByUser implements achievement.UnlockStore.
func (r *UnlockRepository) ListByUser(ctx context.Context, userID shared.UserID) ([]achievement.Unlock, error) {
	return r.list(ctx, "ListUnlocks", `
		SELECT user_id, achievement_id, unlocked_at, trigger_event_id
		FROM achievement_unlocks WHERE user_id = $1
		ORDER BY achievement_id
	`, string(userID))
}

// ListByTrigger implements achievement.UnlockStore.
func (r *UnlockRepository) ListByTrigger(ctx context.Context, userID shared.UserID, eventID string) ([]achievement.Unlock, error) {
	return r.list(ctx, "ListUnlocksByTrigger", `
		SELECT user_id, achievement_id, unlocked_at, trigger_event_id
		FROM achievement_unlocks WHERE user_id = $1 AND trigger_event_id = $2
		ORDER BY achievement_id
	`, string(userID), eventID)
}

func (r *UnlockRepository) list(ctx context.Context, op, query string, args ...any) ([]achievement.Unlock, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	rows, err := r.conn.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, translate(op, err)
	}
	defer rows.Close()

	out := []achievement.Unlock{}
	for rows.Next() {
		var (
			u       achievement.Unlock
			user    string
			trigger *string
		)
		if err := rows.Scan(&user, &u.AchievementID, &u.UnlockedAt, &trigger); err != nil {
			return nil, translate(op, err)
		}
		u.UserID = shared.UserID(user)
		u.UnlockedAt = u.UnlockedAt.UTC()
		if trigger != nil {
			u.TriggerEventID = *trigger
		}
		out = append(out, u)
	}
	return out, translate(op, rows.Err())
}
