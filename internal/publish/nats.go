package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"papertrade/internal/trading"
)

const (
	tradeStreamName   = "PAPER_TRADES"
	tradeSubjectRoot  = "paper.trades"
	tradeStreamMaxAge = 72 * time.Hour
)

// ConnectNATS dials the NATS server and returns a JetStream handle.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init: %w", err)
	}
	return nc, js, nil
}

// EnsureTradeStream creates or updates the outbound trade stream.
func EnsureTradeStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      tradeStreamName,
		Subjects:  []string{tradeSubjectRoot + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    tradeStreamMaxAge,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create trade stream: %w", err)
	}
	return nil
}

// TradePublisher publishes executed trades to paper.trades.{SYMBOL}.
// Publishing is best-effort: a failed publish is logged and the trade stands;
// downstream consumers can reconcile from the durable store.
type TradePublisher struct {
	js     jetstream.JetStream
	logger zerolog.Logger
}

func NewTradePublisher(js jetstream.JetStream, logger zerolog.Logger) *TradePublisher {
	return &TradePublisher{js: js, logger: logger}
}

// Publish sends the trade record as JSON.
func (p *TradePublisher) Publish(ctx context.Context, trade *trading.Trade) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", tradeSubjectRoot, trade.Symbol)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.logger.Debug().Str("trade_id", trade.ID).Str("subject", subject).Msg("trade published")
	return nil
}
