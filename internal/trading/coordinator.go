package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"papertrade/internal/cache"
	"papertrade/internal/lock"
	"papertrade/internal/observability"
)

// ErrInvalidTrade rejects malformed trade parameters before any lock is taken.
var ErrInvalidTrade = errors.New("invalid trade")

const (
	lockKeyPrefix      = "paper_trade:"
	positionKeyPrefix  = "paper_position:"
	derivedViewPattern = "position:%s*"
	tradeKeyPrefix     = "trade:"
)

// Locker serializes mutations per key across the whole fleet.
// *lock.Manager is the production implementation.
type Locker interface {
	WithLock(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) error
}

// Store is the durable fallback beneath the cache and the sink for executed
// trades. May be nil, in which case the cache is the only state the
// coordinator sees.
type Store interface {
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	UpsertPosition(ctx context.Context, pos *Position) error
	InsertTrade(ctx context.Context, trade *Trade) error
	ListPositions(ctx context.Context) ([]*Position, error)
}

// Publisher emits executed trades for downstream consumers. May be nil.
// Publish failures never fail the trade.
type Publisher interface {
	Publish(ctx context.Context, trade *Trade) error
}

// Config holds coordinator tuning knobs.
type Config struct {
	LockTimeout time.Duration // default 5s
	TradeTTL    time.Duration // cache retention for trade records, default 1h
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Second
	}
	if c.TradeTTL <= 0 {
		c.TradeTTL = time.Hour
	}
	return c
}

// Coordinator performs the consistent read-modify-write cycle for a symbol's
// position: acquire the symbol lock, read through the cache, apply the fill,
// write back, invalidate derived views, record the trade, release.
//
// The symbol is the unit of mutual exclusion: trades on different symbols
// proceed fully in parallel.
type Coordinator struct {
	cfg       Config
	locker    Locker
	cache     *cache.Cache
	store     Store
	publisher Publisher
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewCoordinator(
	cfg Config,
	locker Locker,
	c *cache.Cache,
	store Store,
	publisher Publisher,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Coordinator {
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		locker:    locker,
		cache:     c,
		store:     store,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}
}

// ExecuteTrade applies a fill to symbol's position under the symbol lock and
// returns the filled trade record. Fails with lock.ErrLockUnavailable when the
// lock is held elsewhere; it never retries or silently skips.
func (co *Coordinator) ExecuteTrade(ctx context.Context, symbol string, side Side, quantity, price float64) (*Trade, error) {
	if symbol == "" || !side.Valid() || quantity <= 0 || price <= 0 {
		if co.metrics != nil {
			co.metrics.TradesRejected.WithLabelValues("validation").Inc()
		}
		return nil, fmt.Errorf("%w: symbol=%q side=%q quantity=%v price=%v", ErrInvalidTrade, symbol, side, quantity, price)
	}

	var trade *Trade
	start := time.Now()

	err := co.locker.WithLock(ctx, lockKeyPrefix+symbol, co.cfg.LockTimeout, func(ctx context.Context) error {
		pos, err := co.loadPosition(ctx, symbol)
		if err != nil {
			return err
		}
		if pos == nil {
			pos = &Position{Symbol: symbol}
		}

		realized := pos.ApplyFill(side, quantity, price)

		if err := co.cache.Set(ctx, positionKeyPrefix+symbol, pos); err != nil {
			return fmt.Errorf("cache position: %w", err)
		}
		if err := co.cache.InvalidatePattern(ctx, fmt.Sprintf(derivedViewPattern, symbol)); err != nil {
			co.logger.Warn().Err(err).Str("symbol", symbol).Msg("derived view invalidation failed")
		}

		if co.store != nil {
			if err := co.store.UpsertPosition(ctx, pos); err != nil {
				return fmt.Errorf("persist position: %w", err)
			}
		}

		now := time.Now().UTC()
		trade = &Trade{
			ID:        NewTradeID(now),
			Symbol:    symbol,
			Side:      side,
			Quantity:  quantity,
			Price:     price,
			Timestamp: now,
			Status:    StatusFilled,
		}

		if err := co.cache.SetWithTTL(ctx, tradeKeyPrefix+trade.ID, trade, co.cfg.TradeTTL); err != nil {
			return fmt.Errorf("cache trade: %w", err)
		}
		if co.store != nil {
			if err := co.store.InsertTrade(ctx, trade); err != nil {
				return fmt.Errorf("persist trade: %w", err)
			}
		}

		co.logger.Info().
			Str("trade_id", trade.ID).
			Str("symbol", symbol).
			Str("side", string(side)).
			Float64("quantity", quantity).
			Float64("price", price).
			Float64("realized_pnl", realized).
			Float64("position_qty", pos.Quantity).
			Msg("trade executed")
		return nil
	})

	if err != nil {
		if co.metrics != nil {
			if errors.Is(err, lock.ErrLockUnavailable) {
				co.metrics.TradesRejected.WithLabelValues("lock_unavailable").Inc()
			} else {
				co.metrics.TradesRejected.WithLabelValues("error").Inc()
			}
		}
		return nil, err
	}

	if co.metrics != nil {
		co.metrics.TradesExecuted.WithLabelValues(symbol, string(side)).Inc()
		co.metrics.TradeApplyDuration.Observe(time.Since(start).Seconds())
	}

	co.publishTrade(ctx, trade)
	return trade, nil
}

// ClosePosition closes the open position for symbol at price. The direction
// and quantity are decided from an un-locked snapshot; the actual close runs
// through ExecuteTrade, which re-reads the position under the lock, so another
// fill racing in between changes the closed quantity but never corrupts the
// ledger. Returns (nil, nil) for a flat or absent position.
func (co *Coordinator) ClosePosition(ctx context.Context, symbol string, price float64) (*Trade, error) {
	pos, err := co.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if pos.IsFlat() {
		return nil, nil
	}

	side := SideSell
	if pos.Quantity < 0 {
		side = SideBuy
	}
	quantity := pos.Quantity
	if quantity < 0 {
		quantity = -quantity
	}

	return co.ExecuteTrade(ctx, symbol, side, quantity, price)
}

// GetPosition returns the current position for symbol, cache first with a
// durable-store fallback. Returns (nil, nil) when the symbol has never traded.
func (co *Coordinator) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	return co.loadPosition(ctx, symbol)
}

// GetAllPositions lists every known position from the durable store; the
// cache keeps no index of symbols.
func (co *Coordinator) GetAllPositions(ctx context.Context) ([]*Position, error) {
	if co.store == nil {
		return nil, nil
	}
	return co.store.ListPositions(ctx)
}

// CacheStats exposes the cache snapshot to the API surface.
func (co *Coordinator) CacheStats() cache.Stats {
	return co.cache.Stats()
}

// ClearCache empties both cache tiers.
func (co *Coordinator) ClearCache(ctx context.Context) {
	co.cache.Clear(ctx)
}

func (co *Coordinator) loadPosition(ctx context.Context, symbol string) (*Position, error) {
	var pos Position
	hit, err := co.cache.Get(ctx, positionKeyPrefix+symbol, &pos)
	if err != nil {
		return nil, fmt.Errorf("cache get position: %w", err)
	}
	if hit {
		return &pos, nil
	}

	if co.store == nil {
		return nil, nil
	}

	stored, err := co.store.GetPosition(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if stored == nil {
		return nil, nil
	}

	if err := co.cache.Set(ctx, positionKeyPrefix+symbol, stored); err != nil {
		co.logger.Warn().Err(err).Str("symbol", symbol).Msg("position cache repopulation failed")
	}
	return stored, nil
}

func (co *Coordinator) publishTrade(ctx context.Context, trade *Trade) {
	if co.publisher == nil {
		return
	}
	if err := co.publisher.Publish(ctx, trade); err != nil {
		if co.metrics != nil {
			co.metrics.TradePublishErrors.Inc()
		}
		co.logger.Warn().Err(err).Str("trade_id", trade.ID).Msg("trade publish failed")
		return
	}
	if co.metrics != nil {
		co.metrics.TradesPublished.Inc()
	}
}
