package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/theguild/guild-engine/internal/model"
)

// Decimals are TEXT and timestamps are RFC 3339 TEXT; SQLite has no exact
// numeric type, so balance updates compare-and-swap on the previous value.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS masters (
    id              TEXT PRIMARY KEY,
    username        TEXT NOT NULL UNIQUE,
    display_name    TEXT NOT NULL DEFAULT '',
    wallet          TEXT NOT NULL DEFAULT '',
    primary_markets TEXT NOT NULL DEFAULT '[]',
    created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bets (
    id              TEXT PRIMARY KEY,
    master_id       TEXT NOT NULL,
    market_question TEXT NOT NULL,
    market_url      TEXT NOT NULL DEFAULT '',
    external_id     TEXT NOT NULL,
    category        TEXT NOT NULL,
    side            TEXT NOT NULL,
    entry_odds      TEXT NOT NULL,
    entry_amount    TEXT NOT NULL,
    entry_date      TEXT NOT NULL,
    current_odds    TEXT,
    status          TEXT NOT NULL,
    rationale       TEXT,
    created_at      TEXT NOT NULL,
    UNIQUE (master_id, external_id)
);

CREATE TABLE IF NOT EXISTS accounts (
    id                   TEXT PRIMARY KEY,
    balance              TEXT NOT NULL,
    xp                   INTEGER NOT NULL DEFAULT 0,
    first_follow_awarded INTEGER NOT NULL DEFAULT 0,
    created_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    bet_id          TEXT NOT NULL DEFAULT '',
    master_id       TEXT NOT NULL DEFAULT '',
    market_question TEXT NOT NULL,
    side            TEXT NOT NULL,
    entry_odds      TEXT NOT NULL,
    entry_amount    TEXT NOT NULL,
    current_odds    TEXT,
    status          TEXT NOT NULL,
    return_amount   TEXT,
    source          TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    resolved_at     TEXT
);

CREATE TABLE IF NOT EXISTS follows (
    user_id    TEXT NOT NULL,
    master_id  TEXT NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (user_id, master_id)
);

CREATE INDEX IF NOT EXISTS idx_bets_master     ON bets(master_id, entry_date DESC);
CREATE INDEX IF NOT EXISTS idx_bets_created    ON bets(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_positions_user  ON positions(user_id, created_at DESC);
`

// casRetries bounds compare-and-swap attempts on a balance.
const casRetries = 5

type sqlDB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStorage implements Store on a single-file SQLite database
// (pure Go, no CGo). Intended for single-node deployments and tooling.
type SQLiteStorage struct {
	conn *sql.DB // nil on a transactional view
	db   sqlDB
}

// NewSQLiteStorage opens (or creates) the database at path and applies the
// schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	conn.SetMaxOpenConns(1) // single writer
	conn.SetMaxIdleConns(1)

	if _, err := conn.Exec(sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &SQLiteStorage{conn: conn, db: conn}, nil
}

// Close releases the database handle.
func (s *SQLiteStorage) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *SQLiteStorage) InTx(ctx context.Context, fn func(Store) error) error {
	if s.conn == nil {
		return fn(s)
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	if err := fn(&SQLiteStorage{db: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// --- Masters ---

func (s *SQLiteStorage) CreateMaster(ctx context.Context, m *model.Master) error {
	markets, err := json.Marshal(m.PrimaryMarkets)
	if err != nil {
		return fmt.Errorf("sqlite: encode primary markets: %w", err)
	}
	if m.PrimaryMarkets == nil {
		markets = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO masters (id, username, display_name, wallet, primary_markets, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Username, m.DisplayName, m.Wallet, string(markets), formatTime(m.CreatedAt),
	)
	return mapSQLiteError(err, "create master "+m.Username)
}

const sqliteMasterColumns = `id, username, display_name, wallet, primary_markets, created_at`

func (s *SQLiteStorage) GetMaster(ctx context.Context, id string) (*model.Master, error) {
	m, err := scanSQLiteMaster(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMasterColumns+` FROM masters WHERE id = ?`, id))
	if err != nil {
		return nil, mapSQLiteError(err, "get master "+id)
	}
	return m, nil
}

func (s *SQLiteStorage) ListMasters(ctx context.Context) ([]model.Master, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteMasterColumns+` FROM masters ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list masters: %w", err)
	}
	defer rows.Close()

	var masters []model.Master
	for rows.Next() {
		m, err := scanSQLiteMaster(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan master: %w", err)
		}
		masters = append(masters, *m)
	}
	return masters, rows.Err()
}

// --- Bets ---

func (s *SQLiteStorage) InsertBet(ctx context.Context, b *model.Bet) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bets (id, master_id, market_question, market_url, external_id, category, side,
		                   entry_odds, entry_amount, entry_date, current_odds, status, rationale, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.MasterID, b.MarketQuestion, b.MarketURL, b.ExternalID, b.Category, b.Side,
		b.EntryOdds.String(), b.EntryAmount.String(), formatTime(b.EntryDate),
		nullDecimalArg(b.CurrentOdds), b.Status, b.Rationale, formatTime(b.CreatedAt),
	)
	return mapSQLiteError(err, "insert bet "+b.ExternalID)
}

const sqliteBetColumns = `id, master_id, market_question, market_url, external_id, category, side,
	entry_odds, entry_amount, entry_date, current_odds, status, rationale, created_at`

func (s *SQLiteStorage) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	b, err := scanSQLiteBet(s.db.QueryRowContext(ctx, `SELECT `+sqliteBetColumns+` FROM bets WHERE id = ?`, id))
	if err != nil {
		return nil, mapSQLiteError(err, "get bet "+id)
	}
	return b, nil
}

func (s *SQLiteStorage) ListBetsByMaster(ctx context.Context, masterID, status string, limit int) ([]model.Bet, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteBetColumns+` FROM bets
		 WHERE master_id = ? AND (? = '' OR status = ?)
		 ORDER BY entry_date DESC LIMIT ?`,
		masterID, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list bets: %w", err)
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		b, err := scanSQLiteBet(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan bet: %w", err)
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

func (s *SQLiteStorage) ListRecentBets(ctx context.Context, limit int) ([]model.Bet, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteBetColumns+` FROM bets ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list recent bets: %w", err)
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		b, err := scanSQLiteBet(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan bet: %w", err)
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

func (s *SQLiteStorage) ExternalIDsForMaster(ctx context.Context, masterID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT external_id FROM bets WHERE master_id = ?`, masterID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list external ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan external id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// --- Accounts ---

func (s *SQLiteStorage) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, balance, xp, first_follow_awarded, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Balance.String(), a.XP, a.FirstFollowAwarded, formatTime(a.CreatedAt),
	)
	return mapSQLiteError(err, "create account "+a.ID)
}

func (s *SQLiteStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var balance, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, balance, xp, first_follow_awarded, created_at FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &balance, &a.XP, &a.FirstFollowAwarded, &createdAt)
	if err != nil {
		return nil, mapSQLiteError(err, "get account "+id)
	}
	a.Balance, _ = decimal.NewFromString(balance)
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func (s *SQLiteStorage) DebitBalance(ctx context.Context, id string, amount decimal.Decimal) error {
	return s.swapBalance(ctx, id, "debit account "+id, func(cur decimal.Decimal) (decimal.Decimal, error) {
		if cur.LessThan(amount) {
			return cur, ErrConditionFailed
		}
		return cur.Sub(amount), nil
	})
}

func (s *SQLiteStorage) CreditBalance(ctx context.Context, id string, amount decimal.Decimal) error {
	return s.swapBalance(ctx, id, "credit account "+id, func(cur decimal.Decimal) (decimal.Decimal, error) {
		return cur.Add(amount), nil
	})
}

// swapBalance reads the balance, applies next and writes it back only if
// the stored text is unchanged.
func (s *SQLiteStorage) swapBalance(ctx context.Context, id, op string, next func(decimal.Decimal) (decimal.Decimal, error)) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		var raw string
		err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, id).Scan(&raw)
		if err != nil {
			return mapSQLiteError(err, op)
		}
		cur, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("sqlite: %s: parse balance %q: %w", op, raw, err)
		}
		updated, err := next(cur)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE accounts SET balance = ? WHERE id = ? AND balance = ?`,
			updated.String(), id, raw)
		if err != nil {
			return fmt.Errorf("sqlite: %s: %w", op, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
	}
	return fmt.Errorf("sqlite: %s: balance kept changing", op)
}

func (s *SQLiteStorage) AddXP(ctx context.Context, id string, amount int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET xp = xp + ? WHERE id = ?`, amount, id)
	if err != nil {
		return fmt.Errorf("sqlite: add xp %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStorage) ClaimFirstFollowBonus(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET first_follow_awarded = 1 WHERE id = ? AND first_follow_awarded = 0`, id)
	if err != nil {
		return false, fmt.Errorf("sqlite: claim first follow %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := s.GetAccount(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// --- Positions ---

func (s *SQLiteStorage) InsertPosition(ctx context.Context, p *model.Position) error {
	var resolvedAt *string
	if p.ResolvedAt != nil {
		v := formatTime(*p.ResolvedAt)
		resolvedAt = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (id, user_id, bet_id, master_id, market_question, side, entry_odds, entry_amount,
		                        current_odds, status, return_amount, source, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.BetID, p.MasterID, p.MarketQuestion, p.Side,
		p.EntryOdds.String(), p.EntryAmount.String(), nullDecimalArg(p.CurrentOdds),
		p.Status, nullDecimalArg(p.ReturnAmount), p.Source, formatTime(p.CreatedAt), resolvedAt,
	)
	return mapSQLiteError(err, "insert position "+p.ID)
}

const sqlitePositionColumns = `id, user_id, bet_id, master_id, market_question, side, entry_odds, entry_amount,
	current_odds, status, return_amount, source, created_at, resolved_at`

func (s *SQLiteStorage) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanSQLitePosition(s.db.QueryRowContext(ctx,
		`SELECT `+sqlitePositionColumns+` FROM positions WHERE id = ?`, id))
	if err != nil {
		return nil, mapSQLiteError(err, "get position "+id)
	}
	return p, nil
}

func (s *SQLiteStorage) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlitePositionColumns+` FROM positions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list positions: %w", err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *SQLiteStorage) SettlePosition(ctx context.Context, id, status string, returnAmount decimal.Decimal, resolvedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET status = ?, return_amount = ?, resolved_at = ?
		 WHERE id = ? AND status = 'OPEN'`,
		status, returnAmount.String(), formatTime(resolvedAt), id)
	if err != nil {
		return fmt.Errorf("sqlite: settle position %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetPosition(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("settle position %s: %w", id, ErrConditionFailed)
}

// --- Follows ---

func (s *SQLiteStorage) InsertFollow(ctx context.Context, f *model.Follow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO follows (user_id, master_id, created_at) VALUES (?, ?, ?)`,
		f.UserID, f.MasterID, formatTime(f.CreatedAt))
	return mapSQLiteError(err, "insert follow "+f.UserID+" → "+f.MasterID)
}

func (s *SQLiteStorage) DeleteFollow(ctx context.Context, userID, masterID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM follows WHERE user_id = ? AND master_id = ?`, userID, masterID)
	if err != nil {
		return fmt.Errorf("sqlite: delete follow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("follow %s → %s: %w", userID, masterID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStorage) ListFollows(ctx context.Context, userID string) ([]model.Follow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, master_id, created_at FROM follows WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list follows: %w", err)
	}
	defer rows.Close()

	var follows []model.Follow
	for rows.Next() {
		var f model.Follow
		var createdAt string
		if err := rows.Scan(&f.UserID, &f.MasterID, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan follow: %w", err)
		}
		f.CreatedAt = parseTime(createdAt)
		follows = append(follows, f)
	}
	return follows, rows.Err()
}

// --- Helpers ---

func mapSQLiteError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("sqlite: %s: %w", op, err)
}

// sqliteTimeLayout is fixed width so TEXT ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func scanSQLiteMaster(row rowScanner) (*model.Master, error) {
	var m model.Master
	var markets, createdAt string
	if err := row.Scan(&m.ID, &m.Username, &m.DisplayName, &m.Wallet, &markets, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(markets), &m.PrimaryMarkets); err != nil {
		return nil, fmt.Errorf("decode primary markets: %w", err)
	}
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

func scanSQLiteBet(row rowScanner) (*model.Bet, error) {
	var b model.Bet
	var entryOdds, entryAmount, entryDate, createdAt string
	var currentOdds, rationale sql.NullString
	if err := row.Scan(&b.ID, &b.MasterID, &b.MarketQuestion, &b.MarketURL, &b.ExternalID,
		&b.Category, &b.Side, &entryOdds, &entryAmount, &entryDate,
		&currentOdds, &b.Status, &rationale, &createdAt); err != nil {
		return nil, err
	}
	b.EntryOdds, _ = decimal.NewFromString(entryOdds)
	b.EntryAmount, _ = decimal.NewFromString(entryAmount)
	b.EntryDate = parseTime(entryDate)
	b.CurrentOdds = parseNullDecimal(nullStringPtr(currentOdds))
	b.Rationale = nullStringPtr(rationale)
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

func scanSQLitePosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var entryOdds, entryAmount, createdAt string
	var currentOdds, returnAmount, resolvedAt sql.NullString
	if err := row.Scan(&p.ID, &p.UserID, &p.BetID, &p.MasterID, &p.MarketQuestion, &p.Side,
		&entryOdds, &entryAmount, &currentOdds, &p.Status, &returnAmount,
		&p.Source, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	p.EntryOdds, _ = decimal.NewFromString(entryOdds)
	p.EntryAmount, _ = decimal.NewFromString(entryAmount)
	p.CurrentOdds = parseNullDecimal(nullStringPtr(currentOdds))
	p.ReturnAmount = parseNullDecimal(nullStringPtr(returnAmount))
	p.CreatedAt = parseTime(createdAt)
	if resolvedAt.Valid {
		t := parseTime(resolvedAt.String)
		p.ResolvedAt = &t
	}
	return &p, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
