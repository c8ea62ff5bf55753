package feed

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

type reading struct {
	value      string
	observedAt time.Time
	source     string
}

type fakeRecorder struct {
	mu       sync.Mutex
	readings []reading
}

func (r *fakeRecorder) RecordPrice(_ context.Context, v uint256.Int, at time.Time, source string) (domain.PricePoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, reading{v.Dec(), at, source})
	return domain.PricePoint{Value: v, ObservedAt: at, Source: source}, nil
}

func (r *fakeRecorder) all() []reading {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reading(nil), r.readings...)
}

type fakeCaller struct {
	answer    *big.Int
	updatedAt int64
}

func (c *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := parsedAggregatorABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(uint8(8))
	default:
		ts := big.NewInt(c.updatedAt)
		return method.Outputs.Pack(big.NewInt(42), c.answer, ts, ts, big.NewInt(42))
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAggregatorPoll(t *testing.T) {
	rec := &fakeRecorder{}
	caller := &fakeCaller{answer: big.NewInt(4_700_000_000_000), updatedAt: 1_700_000_000}
	addr := common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419")
	agg := NewAggregator(caller, addr, rec, discard())
	ctx := context.Background()

	d, err := agg.Decimals(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(8), d)

	require.NoError(t, agg.Poll(ctx))
	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, "4700000000000", got[0].value)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), got[0].observedAt)
	assert.Equal(t, "aggregator:"+addr.Hex(), got[0].source)

	caller.answer = big.NewInt(-1)
	require.ErrorIs(t, agg.Poll(ctx), domain.ErrInvalidPrice)
	assert.Len(t, rec.all(), 1)
}

func TestStreamRecordsTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range []string{
			`{"price":"4700000","timestamp":1700000000}`,
			`not json`,
			`{"price":"-5","timestamp":1700000001}`,
			`{"price":"4710000","timestamp":1700000002}`,
		} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	rec := &fakeRecorder{}
	stream := NewStream("ws"+strings.TrimPrefix(srv.URL, "http"), rec, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- stream.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := rec.all()
	assert.Equal(t, "4700000", got[0].value)
	assert.Equal(t, "4710000", got[1].value)
	assert.Equal(t, "stream", got[1].source)

	stream.Close()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not stop")
	}
}
