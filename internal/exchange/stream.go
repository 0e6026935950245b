package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"sentinentx/internal/models"
	"sentinentx/pkg/utils"
)

// TickerStream keeps a ticker cache fed from the public websocket stream.
type TickerStream struct {
	url     string
	symbols []string
	logger  zerolog.Logger

	// Reconnection
	baseDelay    time.Duration
	maxDelay     time.Duration
	pingInterval time.Duration

	tickers   map[string]models.Ticker
	onTick    func(models.Ticker)
	connected bool
	now       func() time.Time

	mu      sync.RWMutex
	writeMu sync.Mutex // Protects websocket writes
}

// TickerStreamConfig holds configuration for the ticker stream.
type TickerStreamConfig struct {
	URL          string
	Symbols      []string
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PingInterval time.Duration
}

// NewTickerStream creates a new ticker stream. Call Run to connect.
func NewTickerStream(cfg TickerStreamConfig, logger zerolog.Logger) *TickerStream {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	return &TickerStream{
		url:          cfg.URL,
		symbols:      append([]string(nil), cfg.Symbols...),
		logger:       logger,
		baseDelay:    cfg.BaseDelay,
		maxDelay:     cfg.MaxDelay,
		pingInterval: cfg.PingInterval,
		tickers:      make(map[string]models.Ticker),
		now:          time.Now,
	}
}

// OnTick sets the handler called after each cache update.
func (s *TickerStream) OnTick(handler func(models.Ticker)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTick = handler
}

// IsConnected returns whether the stream is connected.
func (s *TickerStream) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Latest returns the cached ticker when it is younger than maxAge.
func (s *TickerStream) Latest(symbol string, maxAge time.Duration) (models.Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickers[symbol]
	if !ok || t.LastPrice <= 0 {
		return models.Ticker{}, false
	}
	if maxAge > 0 && s.now().Sub(t.UpdatedAt) > maxAge {
		return models.Ticker{}, false
	}
	return t, true
}

// Run connects, subscribes and reads until ctx is done, reconnecting with
// exponential backoff after every disconnect.
func (s *TickerStream) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// A clean session resets the backoff
			attempt = 0
		}
		attempt++

		cfg := utils.ExponentialRetryConfig(attempt+1, s.baseDelay, 0.2)
		cfg.MaxDelay = s.maxDelay
		delay := cfg.Delay(attempt)
		s.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Ticker stream disconnected, reconnecting")
		if err := utils.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *TickerStream) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("websocket connection failed: %w", err)
	}
	defer conn.Close()

	s.setConnected(true)
	defer s.setConnected(false)

	if err := s.subscribe(conn); err != nil {
		return err
	}
	s.logger.Info().Str("url", s.url).Strs("symbols", s.symbols).Msg("Ticker stream connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(sessionCtx, conn)
	go func() {
		<-sessionCtx.Done()
		// Unblocks ReadMessage on shutdown
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.handleMessage(data)
	}
}

func (s *TickerStream) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *TickerStream) subscribe(conn *websocket.Conn) error {
	args := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		args = append(args, "tickers."+sym)
	}
	return s.write(conn, map[string]interface{}{"op": "subscribe", "args": args})
}

func (s *TickerStream) write(conn *websocket.Conn, msg interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func (s *TickerStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(conn, map[string]string{"op": "ping"}); err != nil {
				s.logger.Debug().Err(err).Msg("Ticker stream ping failed")
				return
			}
		}
	}
}

// streamMessage is a public v5 push; delta pushes carry only changed fields.
type streamMessage struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Ts    int64           `json:"ts"`
	Op    string          `json:"op"`
}

func (s *TickerStream) handleMessage(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug().Err(err).Msg("Ticker stream message not decoded")
		return
	}
	if msg.Op != "" || !strings.HasPrefix(msg.Topic, "tickers.") {
		return
	}

	var fields bybitTicker
	if err := json.Unmarshal(msg.Data, &fields); err != nil {
		s.logger.Debug().Err(err).Str("topic", msg.Topic).Msg("Ticker payload not decoded")
		return
	}
	symbol := strings.TrimPrefix(msg.Topic, "tickers.")

	s.mu.Lock()
	t := s.tickers[symbol]
	t.Symbol = symbol
	merge(&t.LastPrice, fields.LastPrice)
	merge(&t.BidPrice, fields.Bid1Price)
	merge(&t.AskPrice, fields.Ask1Price)
	merge(&t.BidSize, fields.Bid1Size)
	merge(&t.AskSize, fields.Ask1Size)
	merge(&t.MarkPrice, fields.MarkPrice)
	merge(&t.FundingRate, fields.FundingRate)
	if ms, err := strconv.ParseInt(fields.NextFundingTime, 10, 64); err == nil {
		t.NextFundingTime = utils.FromMillis(ms)
	}
	t.UpdatedAt = s.now()
	s.tickers[symbol] = t
	handler := s.onTick
	s.mu.Unlock()

	if handler != nil {
		handler(t)
	}
}

func merge(dst *float64, field string) {
	if field == "" {
		return
	}
	if v, err := strconv.ParseFloat(field, 64); err == nil {
		*dst = v
	}
}

// CachedGateway serves tickers from a stream while they are fresh.
type CachedGateway struct {
	Gateway
	stream *TickerStream
	maxAge time.Duration
}

// NewCachedGateway decorates gw with the stream cache.
func NewCachedGateway(gw Gateway, stream *TickerStream, maxAge time.Duration) *CachedGateway {
	return &CachedGateway{Gateway: gw, stream: stream, maxAge: maxAge}
}

// GetTicker returns the streamed ticker or falls back to the wrapped gateway.
func (g *CachedGateway) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	if t, ok := g.stream.Latest(symbol, g.maxAge); ok {
		return &t, nil
	}
	return g.Gateway.GetTicker(ctx, symbol)
}
