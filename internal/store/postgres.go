package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/theguild/guild-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool // nil on a transactional view
	db   dbtx
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// RunMigrations applies the embedded SQL files in lexicographic order and
// records them in schema_migrations.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres: migrations must run outside a transaction")
	}
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// InTx runs fn inside a READ COMMITTED transaction. The conditional
// updates carry their own guards, so stronger isolation is not needed.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// --- Masters ---

func (s *PostgresStore) CreateMaster(ctx context.Context, m *model.Master) error {
	markets := m.PrimaryMarkets
	if markets == nil {
		markets = []string{}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO masters (id, username, display_name, wallet, primary_markets, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		m.ID, m.Username, m.DisplayName, m.Wallet, markets, m.CreatedAt,
	)
	return mapPgError(err, "create master "+m.Username)
}

const masterColumns = `id, username, display_name, COALESCE(wallet, ''), primary_markets, created_at`

func (s *PostgresStore) GetMaster(ctx context.Context, id string) (*model.Master, error) {
	m, err := scanMaster(s.db.QueryRow(ctx,
		`SELECT `+masterColumns+` FROM masters WHERE id = $1`, id))
	if err != nil {
		return nil, mapPgError(err, "get master "+id)
	}
	return m, nil
}

func (s *PostgresStore) ListMasters(ctx context.Context) ([]model.Master, error) {
	rows, err := s.db.Query(ctx, `SELECT `+masterColumns+` FROM masters ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list masters: %w", err)
	}
	defer rows.Close()

	var masters []model.Master
	for rows.Next() {
		m, err := scanMaster(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan master: %w", err)
		}
		masters = append(masters, *m)
	}
	return masters, rows.Err()
}

// --- Bets ---

func (s *PostgresStore) InsertBet(ctx context.Context, b *model.Bet) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO bets (id, master_id, market_question, market_url, external_id, category, side,
		                   entry_odds, entry_amount, entry_date, current_odds, status, rationale, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11::NUMERIC, $12, $13, $14)`,
		b.ID, b.MasterID, b.MarketQuestion, b.MarketURL, b.ExternalID, b.Category, b.Side,
		b.EntryOdds.String(), b.EntryAmount.String(), b.EntryDate,
		nullDecimalArg(b.CurrentOdds), b.Status, b.Rationale, b.CreatedAt,
	)
	return mapPgError(err, "insert bet "+b.ExternalID)
}

const betColumns = `id, master_id, market_question, COALESCE(market_url, ''), external_id, category, side,
	entry_odds::TEXT, entry_amount::TEXT, entry_date, current_odds::TEXT, status, rationale, created_at`

func (s *PostgresStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	b, err := scanBet(s.db.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1`, id))
	if err != nil {
		return nil, mapPgError(err, "get bet "+id)
	}
	return b, nil
}

func (s *PostgresStore) ListBetsByMaster(ctx context.Context, masterID, status string, limit int) ([]model.Bet, error) {
	query := `SELECT ` + betColumns + ` FROM bets
		WHERE master_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY entry_date DESC`
	args := []any{masterID, status}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets: %w", err)
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

func (s *PostgresStore) ListRecentBets(ctx context.Context, limit int) ([]model.Bet, error) {
	query := `SELECT ` + betColumns + ` FROM bets ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent bets: %w", err)
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

func (s *PostgresStore) ExternalIDsForMaster(ctx context.Context, masterID string) (map[string]struct{}, error) {
	rows, err := s.db.Query(ctx, `SELECT external_id FROM bets WHERE master_id = $1`, masterID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list external ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan external id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	// ON CONFLICT keeps an enclosing transaction usable after a lost race.
	tag, err := s.db.Exec(ctx,
		`INSERT INTO accounts (id, balance, xp, first_follow_awarded, created_at)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.Balance.String(), a.XP, a.FirstFollowAwarded, a.CreatedAt,
	)
	if err != nil {
		return mapPgError(err, "create account "+a.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create account %s: %w", a.ID, ErrDuplicate)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var balance string
	err := s.db.QueryRow(ctx,
		`SELECT id, balance::TEXT, xp, first_follow_awarded, created_at
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &balance, &a.XP, &a.FirstFollowAwarded, &a.CreatedAt)
	if err != nil {
		return nil, mapPgError(err, "get account "+id)
	}
	a.Balance, _ = decimal.NewFromString(balance)
	return &a, nil
}

func (s *PostgresStore) DebitBalance(ctx context.Context, id string, amount decimal.Decimal) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE accounts SET balance = balance - $2::NUMERIC
		 WHERE id = $1 AND balance >= $2::NUMERIC`,
		id, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: debit account %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrCondition(ctx, "accounts", id, "debit account "+id)
	}
	return nil
}

func (s *PostgresStore) CreditBalance(ctx context.Context, id string, amount decimal.Decimal) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE accounts SET balance = balance + $2::NUMERIC WHERE id = $1`,
		id, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: credit account %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AddXP(ctx context.Context, id string, amount int64) error {
	tag, err := s.db.Exec(ctx, `UPDATE accounts SET xp = xp + $2 WHERE id = $1`, id, amount)
	if err != nil {
		return fmt.Errorf("postgres: add xp %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ClaimFirstFollowBonus(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE accounts SET first_follow_awarded = TRUE
		 WHERE id = $1 AND NOT first_follow_awarded`, id)
	if err != nil {
		return false, fmt.Errorf("postgres: claim first follow %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if err := s.missOrCondition(ctx, "accounts", id, "claim first follow "+id); errors.Is(err, ErrNotFound) {
		return false, err
	}
	return false, nil
}

// --- Positions ---

func (s *PostgresStore) InsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO positions (id, user_id, bet_id, master_id, market_question, side,
		                        entry_odds, entry_amount, current_odds, status, return_amount, source, created_at, resolved_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11::NUMERIC, $12, $13, $14)`,
		p.ID, p.UserID, p.BetID, p.MasterID, p.MarketQuestion, p.Side,
		p.EntryOdds.String(), p.EntryAmount.String(), nullDecimalArg(p.CurrentOdds),
		p.Status, nullDecimalArg(p.ReturnAmount), p.Source, p.CreatedAt, p.ResolvedAt,
	)
	return mapPgError(err, "insert position "+p.ID)
}

const positionColumns = `id, user_id, COALESCE(bet_id, ''), COALESCE(master_id, ''), market_question, side,
	entry_odds::TEXT, entry_amount::TEXT, current_odds::TEXT, status, return_amount::TEXT, source, created_at, resolved_at`

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.db.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if err != nil {
		return nil, mapPgError(err, "get position "+id)
	}
	return p, nil
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) SettlePosition(ctx context.Context, id, status string, returnAmount decimal.Decimal, resolvedAt time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE positions
		 SET status = $2, return_amount = $3::NUMERIC, resolved_at = $4
		 WHERE id = $1 AND status = 'OPEN'`,
		id, status, returnAmount.String(), resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: settle position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrCondition(ctx, "positions", id, "settle position "+id)
	}
	return nil
}

// --- Follows ---

func (s *PostgresStore) InsertFollow(ctx context.Context, f *model.Follow) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO follows (user_id, master_id, created_at) VALUES ($1, $2, $3)`,
		f.UserID, f.MasterID, f.CreatedAt,
	)
	return mapPgError(err, "insert follow "+f.UserID+" → "+f.MasterID)
}

func (s *PostgresStore) DeleteFollow(ctx context.Context, userID, masterID string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM follows WHERE user_id = $1 AND master_id = $2`, userID, masterID)
	if err != nil {
		return fmt.Errorf("postgres: delete follow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("follow %s → %s: %w", userID, masterID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListFollows(ctx context.Context, userID string) ([]model.Follow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT user_id, master_id, created_at FROM follows WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list follows: %w", err)
	}
	defer rows.Close()

	var follows []model.Follow
	for rows.Next() {
		var f model.Follow
		if err := rows.Scan(&f.UserID, &f.MasterID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan follow: %w", err)
		}
		follows = append(follows, f)
	}
	return follows, rows.Err()
}

// --- Helpers ---

// missOrCondition tells a missing row apart from a failed guard after a
// conditional update touched zero rows.
func (s *PostgresStore) missOrCondition(ctx context.Context, table, id, op string) error {
	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: %s: %w", op, err)
	}
	if !exists {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, ErrConditionFailed)
}

func mapPgError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

func nullDecimalArg(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	v := d.Decimal.String()
	return &v
}

func parseNullDecimal(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMaster(row rowScanner) (*model.Master, error) {
	var m model.Master
	if err := row.Scan(&m.ID, &m.Username, &m.DisplayName, &m.Wallet, &m.PrimaryMarkets, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanBet(row rowScanner) (*model.Bet, error) {
	var b model.Bet
	var entryOdds, entryAmount string
	var currentOdds *string
	if err := row.Scan(&b.ID, &b.MasterID, &b.MarketQuestion, &b.MarketURL, &b.ExternalID,
		&b.Category, &b.Side, &entryOdds, &entryAmount, &b.EntryDate,
		&currentOdds, &b.Status, &b.Rationale, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.EntryOdds, _ = decimal.NewFromString(entryOdds)
	b.EntryAmount, _ = decimal.NewFromString(entryAmount)
	b.CurrentOdds = parseNullDecimal(currentOdds)
	return &b, nil
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var entryOdds, entryAmount string
	var currentOdds, returnAmount *string
	if err := row.Scan(&p.ID, &p.UserID, &p.BetID, &p.MasterID, &p.MarketQuestion, &p.Side,
		&entryOdds, &entryAmount, &currentOdds, &p.Status, &returnAmount,
		&p.Source, &p.CreatedAt, &p.ResolvedAt); err != nil {
		return nil, err
	}
	p.EntryOdds, _ = decimal.NewFromString(entryOdds)
	p.EntryAmount, _ = decimal.NewFromString(entryAmount)
	p.CurrentOdds = parseNullDecimal(currentOdds)
	p.ReturnAmount = parseNullDecimal(returnAmount)
	return &p, nil
}
