package store

import (
	"context"
	"database/sql"
	"fmt"

	"papertrade/internal/trading"
)

// Store is the durable Postgres layer beneath the cache: positions are
// upserted on every locked mutation, trades are append-only.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertPosition writes the position row, replacing any previous state for
// the symbol. Idempotent per symbol.
func (s *Store) UpsertPosition(ctx context.Context, pos *trading.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paper.positions (symbol, quantity, average_price, realized_pnl, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol) DO UPDATE SET
			quantity      = EXCLUDED.quantity,
			average_price = EXCLUDED.average_price,
			realized_pnl  = EXCLUDED.realized_pnl,
			updated_at    = EXCLUDED.updated_at`,
		pos.Symbol, pos.Quantity, pos.AveragePrice, pos.RealizedPnL, pos.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", pos.Symbol, err)
	}
	return nil
}

// GetPosition returns the stored position, or nil when the symbol has never
// traded.
func (s *Store) GetPosition(ctx context.Context, symbol string) (*trading.Position, error) {
	pos := &trading.Position{}
	err := s.db.QueryRowContext(ctx, `
		SELECT symbol, quantity, average_price, realized_pnl, updated_at
		FROM paper.positions WHERE symbol = $1`, symbol,
	).Scan(&pos.Symbol, &pos.Quantity, &pos.AveragePrice, &pos.RealizedPnL, &pos.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", symbol, err)
	}
	return pos, nil
}

// ListPositions returns every stored position, symbols in lexical order.
func (s *Store) ListPositions(ctx context.Context) ([]*trading.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, quantity, average_price, realized_pnl, updated_at
		FROM paper.positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var positions []*trading.Position
	for rows.Next() {
		pos := &trading.Position{}
		if err := rows.Scan(&pos.Symbol, &pos.Quantity, &pos.AveragePrice, &pos.RealizedPnL, &pos.UpdatedAt); err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// InsertTrade appends an executed trade. Re-inserting the same id is a no-op.
func (s *Store) InsertTrade(ctx context.Context, trade *trading.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paper.trades (id, symbol, side, quantity, price, executed_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		trade.ID, trade.Symbol, string(trade.Side), trade.Quantity, trade.Price, trade.Timestamp, string(trade.Status),
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", trade.ID, err)
	}
	return nil
}

// ListTrades returns recent trades, newest first. symbol may be empty for all
// symbols; limit <= 0 defaults to 100.
func (s *Store) ListTrades(ctx context.Context, symbol string, limit int) ([]*trading.Trade, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, symbol, side, quantity, price, executed_at, status
		FROM paper.trades`
	args := []interface{}{}
	if symbol != "" {
		query += ` WHERE symbol = $1`
		args = append(args, symbol)
	}
	query += fmt.Sprintf(` ORDER BY executed_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var trades []*trading.Trade
	for rows.Next() {
		t := &trading.Trade{}
		var side, status string
		if err := rows.Scan(&t.ID, &t.Symbol, &side, &t.Quantity, &t.Price, &t.Timestamp, &status); err != nil {
			return nil, err
		}
		t.Side = trading.Side(side)
		t.Status = trading.TradeStatus(status)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
