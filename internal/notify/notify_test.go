package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu     sync.Mutex
	paths  []string
	bodies []map[string]string
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.paths = append(c.paths, r.URL.Path)
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFanOut(t *testing.T) {
	tg := &capture{}
	tgSrv := httptest.NewServer(tg.handler(http.StatusOK))
	defer tgSrv.Close()
	dc := &capture{}
	dcSrv := httptest.NewServer(dc.handler(http.StatusNoContent))
	defer dcSrv.Close()

	n := NewNotifier([]Sender{
		NewTelegramSender("tok", "42").WithBaseURL(tgSrv.URL),
		NewDiscordSender(dcSrv.URL + "/hook"),
	}, []string{"round_resolved", " transfer_failed "}, discard()).WithPrefix("prod")

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, "round_resolved", "Round 3 resolved", "forecast correct"))
	require.NoError(t, n.Notify(ctx, "round_started", "Round 4 open", "ignored"))

	require.Len(t, tg.bodies, 1)
	assert.Equal(t, "/bottok/sendMessage", tg.paths[0])
	assert.Equal(t, "42", tg.bodies[0]["chat_id"])
	assert.Equal(t, "*[prod] Round 3 resolved*\nforecast correct", tg.bodies[0]["text"])

	require.Len(t, dc.bodies, 1)
	assert.Equal(t, "**[prod] Round 3 resolved**\nforecast correct", dc.bodies[0]["content"])
}

func TestNotifierJoinsFailures(t *testing.T) {
	bad := &capture{}
	badSrv := httptest.NewServer(bad.handler(http.StatusInternalServerError))
	defer badSrv.Close()
	good := &capture{}
	goodSrv := httptest.NewServer(good.handler(http.StatusNoContent))
	defer goodSrv.Close()

	n := NewNotifier([]Sender{
		NewTelegramSender("tok", "1").WithBaseURL(badSrv.URL),
		NewDiscordSender(goodSrv.URL),
	}, nil, discard())

	err := n.Notify(context.Background(), "transfer_failed", "Transfer failed", "claim round 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")
	assert.Len(t, good.bodies, 1, "discord still delivered")
	assert.True(t, n.Enabled())
}

type blockingSender struct{}

func (blockingSender) Name() string { return "blocking" }

func (blockingSender) Send(ctx context.Context, _, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestNotifierSendTimeout(t *testing.T) {
	n := NewNotifier([]Sender{blockingSender{}}, nil, discard()).WithSendTimeout(20 * time.Millisecond)

	start := time.Now()
	err := n.Notify(context.Background(), "round_started", "Round 1 open", "")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
