package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aerichmo/st0ckgo/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less
	// than pongWait or quiet sessions hit the read deadline.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// wsMessage is one element of the data stream's JSON array frames.
type wsMessage struct {
	Type      string    `json:"T"`
	Symbol    string    `json:"S"`
	BidPrice  float64   `json:"bp"`
	AskPrice  float64   `json:"ap"`
	Timestamp time.Time `json:"t"`
	Message   string    `json:"msg"`
}

// wsCommand is an auth or subscribe frame sent to the stream.
type wsCommand struct {
	Action string   `json:"action"`
	Key    string   `json:"key,omitempty"`
	Secret string   `json:"secret,omitempty"`
	Quotes []string `json:"quotes,omitempty"`
}

// QuoteStream connects to the broker's market data websocket, subscribes to
// quote updates for a set of symbols, and writes each update into the quote
// cache. It reconnects with exponential backoff until the context ends.
type QuoteStream struct {
	wsURL     string
	apiKey    string
	apiSecret string
	symbols   []string
	cache     domain.QuoteCache
	logger    *slog.Logger
}

// NewQuoteStream creates a stream for the given symbols.
func NewQuoteStream(wsURL, apiKey, apiSecret string, symbols []string, cache domain.QuoteCache, logger *slog.Logger) *QuoteStream {
	return &QuoteStream{
		wsURL:     wsURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		symbols:   symbols,
		cache:     cache,
		logger:    logger.With(slog.String("component", "quote_stream")),
	}
}

// Run maintains the websocket session until the context is cancelled. Each
// disconnect doubles the reconnect delay up to maxReconnectDelay; a session
// that stays up resets it.
func (s *QuoteStream) Run(ctx context.Context) error {
	s.logger.Info("quote stream started", slog.String("url", s.wsURL))
	defer s.logger.Info("quote stream stopped")

	delay := reconnectDelay
	for {
		start := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > maxReconnectDelay {
			delay = reconnectDelay
		}

		s.logger.Warn("stream disconnected",
			slog.String("error", err.Error()),
			slog.Duration("reconnect_in", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// session dials, authenticates, subscribes, and reads until an error.
func (s *QuoteStream) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", s.wsURL, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = conn.Close()
		case <-done:
		}
	}()

	if s.apiKey != "" {
		if err := s.send(conn, wsCommand{Action: "auth", Key: s.apiKey, Secret: s.apiSecret}); err != nil {
			return fmt.Errorf("feed: auth: %w", err)
		}
	}
	if err := s.send(conn, wsCommand{Action: "subscribe", Quotes: s.symbols}); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	// Started after the setup writes; the connection allows one writer.
	go s.pingLoop(conn, done, pingPeriod)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleFrame(ctx, message)
	}
}

// pingLoop keeps a quiet session alive. The peer's pongs extend the read
// deadline; without pings a lull longer than pongWait would drop the
// connection.
func (s *QuoteStream) pingLoop(conn *websocket.Conn, done <-chan struct{}, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *QuoteStream) send(conn *websocket.Conn, cmd wsCommand) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// handleFrame decodes one array frame and caches every quote message in it.
func (s *QuoteStream) handleFrame(ctx context.Context, frame []byte) {
	var msgs []wsMessage
	if err := json.Unmarshal(frame, &msgs); err != nil {
		s.logger.Debug("undecodable frame", slog.Int("len", len(frame)))
		return
	}
	for _, m := range msgs {
		switch m.Type {
		case "q":
			q := domain.Quote{
				Symbol:    m.Symbol,
				Price:     (m.BidPrice + m.AskPrice) / 2,
				Bid:       m.BidPrice,
				Ask:       m.AskPrice,
				Timestamp: m.Timestamp,
			}
			if q.Price == 0 {
				q.Price = m.AskPrice
			}
			if err := s.cache.SetQuote(ctx, q); err != nil {
				s.logger.Warn("quote cache write failed",
					slog.String("symbol", m.Symbol),
					slog.String("error", err.Error()),
				)
			}
		case "error":
			s.logger.Error("stream error message", slog.String("msg", m.Message))
		}
	}
}
