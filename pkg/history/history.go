// Package history keeps a SQLite record of settled payments.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	x402 "github.com/x402-foundation/agentpay"
)

// ErrNotFound is returned when no record matches
var ErrNotFound = errors.New("history: payment not found")

// Record is one settled payment
type Record struct {
	ID          string        `json:"id"`
	TxHash      string        `json:"txHash"`
	Chain       x402.Chain    `json:"chain"`
	From        string        `json:"from"`
	To          string        `json:"to"`
	Amount      string        `json:"amount"`
	RawAmount   string        `json:"rawAmount,omitempty"`
	Token       x402.Token    `json:"token"`
	Tool        string        `json:"tool,omitempty"`
	Gasless     bool          `json:"gasless"`
	Status      x402.TxStatus `json:"status"`
	BlockNumber uint64        `json:"blockNumber,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Store is a payment history backed by SQLite
type Store struct {
	db     *sql.DB
	logger *logrus.Entry
	now    func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Store) {
		s.logger = x402.WithCategory(logger, x402.LogCategoryHistory)
	}
}

// WithClock replaces the clock used for CreatedAt
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens (creating if needed) the database file at path
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store, err := NewStore(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore uses an open database, creating the tables it needs
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:     db,
		logger: x402.WithCategory(x402.NopLogger(), x402.LogCategoryHistory),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		tx_hash TEXT NOT NULL UNIQUE,
		chain TEXT NOT NULL,
		from_address TEXT NOT NULL,
		to_address TEXT NOT NULL,
		amount TEXT NOT NULL,
		raw_amount TEXT,
		token TEXT NOT NULL,
		tool TEXT,
		gasless INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		block_number INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_from ON payments(from_address);
	CREATE INDEX IF NOT EXISTS idx_payments_to ON payments(to_address);
	CREATE INDEX IF NOT EXISTS idx_payments_tool ON payments(tool);

	CREATE TABLE IF NOT EXISTS tool_usage (
		user_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		day TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, tool, day)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create history tables: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// AddPayment stores rec, assigning an ID and CreatedAt when missing.
// A payment whose tx hash is already stored is left unchanged.
func (s *Store) AddPayment(ctx context.Context, rec *Record) error {
	if rec.TxHash == "" {
		return fmt.Errorf("history: tx hash is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	query := `
	INSERT INTO payments (
		id, tx_hash, chain, from_address, to_address, amount, raw_amount,
		token, tool, gasless, status, block_number, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(tx_hash) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.ID, strings.ToLower(rec.TxHash), rec.Chain,
		strings.ToLower(rec.From), strings.ToLower(rec.To),
		rec.Amount, rec.RawAmount, rec.Token, rec.Tool, rec.Gasless,
		rec.Status, rec.BlockNumber, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store payment %s: %w", rec.TxHash, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.WithField("txHash", rec.TxHash).Debug("payment already recorded")
		return nil
	}
	s.logger.WithFields(logrus.Fields{"id": rec.ID, "txHash": rec.TxHash, "amount": rec.Amount, "token": rec.Token}).
		Info("payment recorded")
	return nil
}

const selectColumns = `SELECT id, tx_hash, chain, from_address, to_address, amount, raw_amount,
	token, tool, gasless, status, block_number, created_at FROM payments`

// GetPayment returns the record with id
func (s *Store) GetPayment(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// GetPaymentsByAddress returns payments sent or received by address, newest first
func (s *Store) GetPaymentsByAddress(ctx context.Context, address string) ([]*Record, error) {
	address = strings.ToLower(address)
	return s.query(ctx, selectColumns+` WHERE from_address = ? OR to_address = ?
		ORDER BY created_at DESC, rowid DESC`, address, address)
}

// GetPaymentsByTool returns payments made for tool, newest first
func (s *Store) GetPaymentsByTool(ctx context.Context, tool string) ([]*Record, error) {
	return s.query(ctx, selectColumns+` WHERE tool = ? ORDER BY created_at DESC, rowid DESC`, tool)
}

// GetTotalByToken sums what address has paid in token
func (s *Store) GetTotalByToken(ctx context.Context, address string, token x402.Token) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT amount FROM payments WHERE from_address = ? AND token = ?`,
		strings.ToLower(address), token)
	if err != nil {
		return "", fmt.Errorf("failed to query totals: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return "", err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			s.logger.WithField("amount", amount).Warn("skipping unparseable amount")
			continue
		}
		total = total.Add(d)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return total.String(), nil
}

// Delete removes the record with id
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete payment %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec       Record
		rawAmount sql.NullString
		tool      sql.NullString
		createdAt int64
	)
	err := row.Scan(&rec.ID, &rec.TxHash, &rec.Chain, &rec.From, &rec.To, &rec.Amount, &rawAmount,
		&rec.Token, &tool, &rec.Gasless, &rec.Status, &rec.BlockNumber, &createdAt)
	if err != nil {
		return nil, err
	}
	rec.RawAmount = rawAmount.String
	rec.Tool = tool.String
	rec.CreatedAt = time.Unix(0, createdAt)
	return &rec, nil
}
