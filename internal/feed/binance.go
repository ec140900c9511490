// Package feed produces the tick stream consumed by the price cache.
// Two sources are provided: a Binance WebSocket client for live data
// and a random-walk generator for offline paper trading.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/pkg/types"
)

// DefaultBinanceWSURL is the combined-stream endpoint.
const DefaultBinanceWSURL = "wss://stream.binance.com:9443/ws"

// BinanceConfig configures the live feed.
type BinanceConfig struct {
	WSURL   string   `mapstructure:"ws_url"`
	Symbols []string `mapstructure:"symbols"`
}

// Binance streams ticker updates into a tick channel, reconnecting
// with resubscription when the connection drops.
type Binance struct {
	logger *zap.Logger
	cfg    BinanceConfig
	out    chan types.Tick

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewBinance creates a live feed client.
func NewBinance(logger *zap.Logger, cfg BinanceConfig) *Binance {
	if cfg.WSURL == "" {
		cfg.WSURL = DefaultBinanceWSURL
	}
	return &Binance{
		logger: logger.Named("feed"),
		cfg:    cfg,
		out:    make(chan types.Tick, 256),
	}
}

// Ticks is the output stream. Closed when Run returns.
func (b *Binance) Ticks() <-chan types.Tick { return b.out }

// Run connects and pumps ticks until the context is cancelled. The
// connection is re-established after failures with a short pause.
func (b *Binance) Run(ctx context.Context) {
	defer close(b.out)

	for {
		if err := b.connect(); err != nil {
			b.logger.Error("Feed connection failed", zap.Error(err))
		} else {
			b.readLoop(ctx)
		}

		select {
		case <-ctx.Done():
			b.close()
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (b *Binance) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(b.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", b.cfg.WSURL, err)
	}

	streams := make([]string, 0, len(b.cfg.Symbols))
	for _, symbol := range b.cfg.Symbols {
		streams = append(streams, fmt.Sprintf("%s@ticker", strings.ToLower(symbol)))
	}
	sub := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     time.Now().UnixNano(),
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	b.logger.Info("Feed connected",
		zap.String("url", b.cfg.WSURL),
		zap.Strings("symbols", b.cfg.Symbols))
	return nil
}

func (b *Binance) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

type tickerMessage struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	BidPrice  string `json:"b"`
	AskPrice  string `json:"a"`
	Volume    string `json:"v"`
}

func (b *Binance) readLoop(ctx context.Context) {
	defer b.close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			b.logger.Warn("Feed read failed, reconnecting", zap.Error(err))
			return
		}

		var msg tickerMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.EventType != "24hrTicker" {
			continue
		}
		tick, err := msg.toTick()
		if err != nil {
			b.logger.Debug("Dropping malformed ticker", zap.Error(err))
			continue
		}

		select {
		case b.out <- tick:
		default:
			// Cache consumer is behind; newest data wins anyway.
		}
	}
}

func (m tickerMessage) toTick() (types.Tick, error) {
	price, err := decimal.NewFromString(m.LastPrice)
	if err != nil {
		return types.Tick{}, fmt.Errorf("price %q: %w", m.LastPrice, err)
	}
	bid, _ := decimal.NewFromString(m.BidPrice)
	ask, _ := decimal.NewFromString(m.AskPrice)
	volume, _ := decimal.NewFromString(m.Volume)

	return types.Tick{
		Symbol:    m.Symbol,
		Price:     price,
		Bid:       bid,
		Ask:       ask,
		Volume:    volume,
		Timestamp: time.UnixMilli(m.EventTime),
	}, nil
}
