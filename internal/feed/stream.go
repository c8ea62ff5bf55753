package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
)

const (
	streamHandshakeTimeout = 15 * time.Second
	streamReconnectDelay   = 2 * time.Second
	// streamReadTimeout drops a connection that has been silent this long.
	streamReadTimeout = 90 * time.Second
)

// Tick is the JSON message a price stream emits.
type Tick struct {
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"` // unix seconds
}

// Stream connects to a WebSocket that pushes price ticks and records each
// one. It reconnects after a disconnect until ctx is cancelled or Close is
// called.
type Stream struct {
	url       string
	recorder  Recorder
	logger    *slog.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewStream creates a stream feed for url.
func NewStream(url string, recorder Recorder, logger *slog.Logger) *Stream {
	return &Stream{
		url:      url,
		recorder: recorder,
		logger:   logger.With(slog.String("component", "feed_stream")),
		done:     make(chan struct{}),
	}
}

// Run connects and consumes ticks until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}
		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("price stream disconnected, reconnecting", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-time.After(streamReconnectDelay):
		}
	}
}

func (s *Stream) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: streamHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("feed: stream connect: %w", err)
	}
	defer conn.Close()

	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-s.done:
		case <-ctx.Done():
		case <-connDone:
			return
		}
		conn.Close()
	}()

	s.logger.Info("price stream connected", slog.String("url", s.url))
	for {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: stream read: %w", err)
		}
		s.handle(ctx, data)
	}
}

func (s *Stream) handle(ctx context.Context, data []byte) {
	var t Tick
	if err := json.Unmarshal(data, &t); err != nil {
		s.logger.Debug("price stream bad message",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(data)),
		)
		return
	}
	value, err := uint256.FromDecimal(t.Price)
	if err != nil {
		s.logger.Debug("price stream bad price", slog.String("price", t.Price))
		return
	}
	record(ctx, s.recorder, s.logger, *value, time.Unix(t.Timestamp, 0).UTC(), "stream")
}

// Close stops the stream.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
