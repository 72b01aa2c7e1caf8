package matchmaker

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

type pgRepo struct {
	db *sql.DB
}

// NewPostgresRepo 返回 Postgres 实现，支持 AtomicRepo（事务 + 行锁）。
func NewPostgresRepo(db *sql.DB) Repo {
	return &pgRepo{db: db}
}

// peer_active_members 以 user_id 为主键，保证每个用户至多一个 active 配对。
const schema = `
CREATE TABLE IF NOT EXISTS peer_matching_queue (
    user_id   TEXT PRIMARY KEY,
    interests TEXT[] NOT NULL DEFAULT '{}',
    status    TEXT NOT NULL,
    joined_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS peer_matching_queue_waiting_idx
    ON peer_matching_queue (joined_at, user_id) WHERE status = 'waiting';

CREATE TABLE IF NOT EXISTS peer_connections (
    id         TEXT PRIMARY KEY,
    user_a     TEXT NOT NULL,
    user_b     TEXT NOT NULL,
    room_id    TEXT NOT NULL UNIQUE,
    matched_on TEXT[] NOT NULL DEFAULT '{}',
    status     TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    CHECK (user_a <> user_b)
);
CREATE INDEX IF NOT EXISTS peer_connections_user_a_idx ON peer_connections (user_a, created_at DESC);
CREATE INDEX IF NOT EXISTS peer_connections_user_b_idx ON peer_connections (user_b, created_at DESC);

CREATE TABLE IF NOT EXISTS peer_active_members (
    user_id  TEXT PRIMARY KEY,
    match_id TEXT NOT NULL REFERENCES peer_connections (id)
);
`

// MigratePostgres 建表（幂等）
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

const matchColumns = `c.id, c.user_a, c.user_b, c.room_id, c.matched_on, c.status, c.created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMatch(row scanner) (*Match, error) {
	m := &Match{}
	var status string
	err := row.Scan(&m.ID, &m.UserA, &m.UserB, &m.RoomID, pq.Array(&m.MatchedOn), &status, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Status = MatchStatus(status)
	return m, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (r *pgRepo) Upsert(ctx context.Context, userID string, interests []string, now time.Time) (*WaitingEntry, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(err)
	}
	defer tx.Rollback()

	// 先锁住自己的行，与 PairOldest 串行化，避免把刚成对的 matched 覆盖回 waiting
	if _, err := tx.ExecContext(ctx,
		`SELECT 1 FROM peer_matching_queue WHERE user_id = $1 FOR UPDATE`, userID); err != nil {
		return nil, unavailable(err)
	}
	var busy bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM peer_active_members WHERE user_id = $1)`, userID).Scan(&busy); err != nil {
		return nil, unavailable(err)
	}
	status := EntryWaiting
	if busy {
		status = EntryMatched
	}

	e := &WaitingEntry{}
	var st string
	err = tx.QueryRowContext(ctx, `
INSERT INTO peer_matching_queue (user_id, interests, status, joined_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id) DO UPDATE
    SET interests = EXCLUDED.interests, status = EXCLUDED.status, joined_at = EXCLUDED.joined_at
RETURNING user_id, interests, status, joined_at`,
		userID, pq.Array(nonNil(interests)), string(status), now.UTC(),
	).Scan(&e.UserID, pq.Array(&e.Interests), &st, &e.JoinedAt)
	if err != nil {
		return nil, unavailable(err)
	}
	e.Status = EntryStatus(st)
	if err := tx.Commit(); err != nil {
		return nil, unavailable(err)
	}
	return e, nil
}

func (r *pgRepo) Get(ctx context.Context, userID string) (*WaitingEntry, error) {
	e := &WaitingEntry{}
	var st string
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, interests, status, joined_at FROM peer_matching_queue WHERE user_id = $1`, userID,
	).Scan(&e.UserID, pq.Array(&e.Interests), &st, &e.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	e.Status = EntryStatus(st)
	return e, nil
}

func (r *pgRepo) Remove(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM peer_matching_queue WHERE user_id = $1 AND status = 'waiting'`, userID)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *pgRepo) OldestWaiting(ctx context.Context, exclude string) (*WaitingEntry, error) {
	e := &WaitingEntry{}
	var st string
	err := r.db.QueryRowContext(ctx, `
SELECT user_id, interests, status, joined_at
FROM peer_matching_queue
WHERE status = 'waiting' AND user_id <> $1
  AND NOT EXISTS (SELECT 1 FROM peer_active_members a WHERE a.user_id = peer_matching_queue.user_id)
ORDER BY joined_at, user_id
LIMIT 1`, exclude).Scan(&e.UserID, pq.Array(&e.Interests), &st, &e.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	e.Status = EntryStatus(st)
	return e, nil
}

func (r *pgRepo) MarkMatched(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE peer_matching_queue SET status = 'matched' WHERE user_id = $1`, userID)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *pgRepo) EvictBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM peer_matching_queue WHERE status = 'waiting' AND joined_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, unavailable(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *pgRepo) CountWaiting(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM peer_matching_queue WHERE status = 'waiting'`).Scan(&n)
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// insertMatch 写配对与双方占用；占用冲突返回 ErrMatchConflict
func insertMatch(ctx context.Context, tx *sql.Tx, m *Match) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO peer_connections (id, user_a, user_b, room_id, matched_on, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.UserA, m.UserB, m.RoomID, pq.Array(nonNil(m.MatchedOn)), string(m.Status), m.CreatedAt.UTC())
	if err != nil {
		return unavailable(err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO peer_active_members (user_id, match_id) VALUES ($1, $3), ($2, $3)`,
		m.UserA, m.UserB, m.ID)
	if isUniqueViolation(err) {
		return ErrMatchConflict
	}
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *pgRepo) SaveMatch(ctx context.Context, m *Match) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()
	if err := insertMatch(ctx, tx, m); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *pgRepo) ActiveMatch(ctx context.Context, userID string) (*Match, error) {
	m, err := scanMatch(r.db.QueryRowContext(ctx, `
SELECT `+matchColumns+`
FROM peer_active_members a
JOIN peer_connections c ON c.id = a.match_id
WHERE a.user_id = $1 AND c.status = 'active'`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return m, nil
}

func (r *pgRepo) GetMatch(ctx context.Context, matchID string) (*Match, error) {
	m, err := scanMatch(r.db.QueryRowContext(ctx,
		`SELECT `+matchColumns+` FROM peer_connections c WHERE c.id = $1`, matchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return m, nil
}

func (r *pgRepo) EndMatch(ctx context.Context, matchID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE peer_connections SET status = 'ended' WHERE id = $1`, matchID); err != nil {
		return unavailable(err)
	}
	rows, err := tx.QueryContext(ctx,
		`DELETE FROM peer_active_members WHERE match_id = $1 RETURNING user_id`, matchID)
	if err != nil {
		return unavailable(err)
	}
	var released []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return unavailable(err)
		}
		released = append(released, u)
	}
	rows.Close()
	if len(released) > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM peer_matching_queue WHERE user_id = ANY($1) AND status = 'matched'`,
			pq.Array(released)); err != nil {
			return unavailable(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *pgRepo) RecentMatches(ctx context.Context, userID string, limit int) ([]*Match, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+matchColumns+`
FROM peer_connections c
WHERE c.user_a = $1 OR c.user_b = $1
ORDER BY c.created_at DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	out := []*Match{}
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// pairLockKey 是成对事务共用的 advisory lock
const pairLockKey = 0x7065657231

// PairOldest 单个事务：先取事务级 advisory lock 串行化所有成对事务，再锁自己的行和最早的候选。
// 不用 SKIP LOCKED：两个并发入队的用户会各自跳过对方被锁住的行，结果都停在 waiting。
func (r *pgRepo) PairOldest(ctx context.Context, m *Match) (*Match, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, pairLockKey); err != nil {
		return nil, unavailable(err)
	}

	var st string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM peer_matching_queue WHERE user_id = $1 FOR UPDATE`, m.UserA).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	if EntryStatus(st) != EntryWaiting {
		return nil, nil
	}

	out := *m
	err = tx.QueryRowContext(ctx, `
SELECT q.user_id, q.interests
FROM peer_matching_queue q
WHERE q.status = 'waiting'
  AND q.user_id <> $1
  AND NOT EXISTS (SELECT 1 FROM peer_active_members a WHERE a.user_id = q.user_id)
ORDER BY q.joined_at, q.user_id
LIMIT 1
FOR UPDATE`, m.UserA).Scan(&out.UserB, pq.Array(&out.MatchedOn))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}

	out.Status = MatchActive
	if err := insertMatch(ctx, tx, &out); err != nil {
		if errors.Is(err, ErrMatchConflict) {
			return nil, nil
		}
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE peer_matching_queue SET status = 'matched' WHERE user_id IN ($1, $2)`,
		out.UserA, out.UserB); err != nil {
		return nil, unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable(err)
	}
	return &out, nil
}
