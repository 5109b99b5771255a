package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketsim/internal/bus"
	"marketsim/pkg/types"
)

// pipeTransport is an in-memory Transport for tests.
type pipeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipe() *pipeTransport {
	return &pipeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (p *pipeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, errors.New("transport closed")
	}
}

func (p *pipeTransport) WriteMessage(data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return errors.New("transport closed")
	}
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// next returns the next frame written to the client, decoded.
func (p *pipeTransport) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-p.out:
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func testHub(t *testing.T) (*Hub, *bus.Memory) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	mem := bus.NewMemory(64, logger)
	h := New(bus.NewBridge(mem, logger), 30*time.Second, 64, logger)
	t.Cleanup(func() {
		h.Stop()
		mem.Close()
	})
	return h, mem
}

func connect(t *testing.T, h *Hub) (*Session, *pipeTransport) {
	t.Helper()
	p := newPipe()
	s := h.Accept(p)
	go h.Serve(s)
	frame := p.next(t)
	require.Equal(t, "connected", frame["type"])
	require.Equal(t, s.ID, frame["client_id"])
	return s, p
}

func TestAcceptSendsConnectedFrame(t *testing.T) {
	h, _ := testHub(t)
	s, _ := connect(t, h)
	require.NotEmpty(t, s.ID)
	require.Equal(t, 1, h.Stats().Sessions)
}

func TestPingPong(t *testing.T) {
	h, _ := testHub(t)
	_, p := connect(t, h)

	before := time.Now().Add(-time.Minute)
	p.in <- []byte(`{"type":"ping"}`)
	frame := p.next(t)
	require.Equal(t, "pong", frame["type"])
	require.Greater(t, int64(frame["timestamp"].(float64)), before.Unix())
}

func TestUnknownMessageType(t *testing.T) {
	h, _ := testHub(t)
	_, p := connect(t, h)

	p.in <- []byte(`{"type":"teleport"}`)
	frame := p.next(t)
	require.Equal(t, "error", frame["type"])
	require.Equal(t, "Unknown message type: teleport", frame["message"])
}

func TestSnapshotNotImplemented(t *testing.T) {
	h, _ := testHub(t)
	_, p := connect(t, h)

	p.in <- []byte(`{"type":"snapshot"}`)
	frame := p.next(t)
	require.Equal(t, "error", frame["type"])
	require.Equal(t, "Snapshot not implemented", frame["message"])
}

func TestSubscribeAndBroadcast(t *testing.T) {
	h, mem := testHub(t)
	_, p := connect(t, h)

	p.in <- []byte(`{"type":"subscribe","channel":"market:stocks"}`)
	frame := p.next(t)
	require.Equal(t, "subscribed", frame["type"])
	require.Equal(t, "market:stocks", frame["channel"])

	msg, _ := json.Marshal(types.MarketUpdateMsg{
		Type: types.MsgMarketUpdate,
		Data: types.MarketUpdateData{Timestamp: 1, Stocks: []types.StockRecord{{Symbol: "AAA"}}},
	})
	require.NoError(t, mem.Publish(context.Background(), "market:stocks", msg))

	frame = p.next(t)
	require.Equal(t, "market_update", frame["type"])
}

func TestSymbolFilterRewritesAggregate(t *testing.T) {
	h, mem := testHub(t)
	_, p := connect(t, h)

	p.in <- []byte(`{"type":"subscribe","channel":"market:stocks","filters":{"symbols":["AAA","BBB"]}}`)
	require.Equal(t, "subscribed", p.next(t)["type"])

	msg, _ := json.Marshal(types.MarketUpdateMsg{
		Type: types.MsgMarketUpdate,
		Data: types.MarketUpdateData{Timestamp: 1, Stocks: []types.StockRecord{
			{Symbol: "AAA"}, {Symbol: "BBB"}, {Symbol: "CCC"}, {Symbol: "DDD"},
		}},
	})
	require.NoError(t, mem.Publish(context.Background(), "market:stocks", msg))

	frame := p.next(t)
	require.Equal(t, "market_update", frame["type"])
	var typed types.MarketUpdateMsg
	raw, _ := json.Marshal(frame)
	require.NoError(t, json.Unmarshal(raw, &typed))
	require.Len(t, typed.Data.Stocks, 2)
	require.Equal(t, "AAA", typed.Data.Stocks[0].Symbol)
	require.Equal(t, "BBB", typed.Data.Stocks[1].Symbol)
}

func TestSymbolFilterDropsPerInstrument(t *testing.T) {
	h, mem := testHub(t)
	_, p := connect(t, h)

	p.in <- []byte(`{"type":"subscribe","channel":"market:stock:CCC","filters":{"symbols":["AAA"]}}`)
	require.Equal(t, "subscribed", p.next(t)["type"])

	drop, _ := json.Marshal(types.StockUpdateMsg{Type: types.MsgStockUpdate, Data: types.StockRecord{Symbol: "CCC"}})
	require.NoError(t, mem.Publish(context.Background(), "market:stock:CCC", drop))

	// The CCC update must never arrive; a subsequent ping reply proves the
	// queue was empty of it.
	p.in <- []byte(`{"type":"ping"}`)
	frame := p.next(t)
	require.Equal(t, "pong", frame["type"])
}

func TestDoubleSubscribeIsIdempotent(t *testing.T) {
	h, mem := testHub(t)
	_, p := connect(t, h)

	p.in <- []byte(`{"type":"subscribe","channel":"market:stocks"}`)
	require.Equal(t, "subscribed", p.next(t)["type"])
	p.in <- []byte(`{"type":"subscribe","channel":"market:stocks"}`)
	require.Equal(t, "subscribed", p.next(t)["type"])

	require.Equal(t, 1, h.Stats().Channels["market:stocks"])

	msg, _ := json.Marshal(types.MarketUpdateMsg{Type: types.MsgMarketUpdate})
	require.NoError(t, mem.Publish(context.Background(), "market:stocks", msg))

	require.Equal(t, "market_update", p.next(t)["type"])
	// No duplicate delivery.
	p.in <- []byte(`{"type":"ping"}`)
	require.Equal(t, "pong", p.next(t)["type"])
}

func TestUnsubscribeReleasesUpstream(t *testing.T) {
	h, _ := testHub(t)
	s, p := connect(t, h)

	p.in <- []byte(`{"type":"subscribe","channel":"market:indices"}`)
	require.Equal(t, "subscribed", p.next(t)["type"])

	p.in <- []byte(`{"type":"unsubscribe","channel":"market:indices"}`)
	require.Equal(t, "unsubscribed", p.next(t)["type"])
	require.Empty(t, s.Channels())
	require.Zero(t, h.Stats().Channels["market:indices"])

	// subscribe → unsubscribe → subscribe ends subscribed, one upstream sub.
	p.in <- []byte(`{"type":"subscribe","channel":"market:indices"}`)
	require.Equal(t, "subscribed", p.next(t)["type"])
	require.Equal(t, 1, h.Stats().Channels["market:indices"])
}

func TestDisconnectCleansUpSubscriptions(t *testing.T) {
	h, _ := testHub(t)
	s, p := connect(t, h)

	p.in <- []byte(`{"type":"subscribe","channel":"market:stocks"}`)
	require.Equal(t, "subscribed", p.next(t)["type"])

	h.Disconnect(s.ID)
	require.Equal(t, 0, h.Stats().Sessions)
	require.Empty(t, h.Stats().Channels)

	h.Disconnect(s.ID) // idempotent
}

func TestReaperClosesStaleSessions(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	mem := bus.NewMemory(8, logger)
	defer mem.Close()
	h := New(bus.NewBridge(mem, logger), 20*time.Millisecond, 8, logger)
	h.Start()
	defer h.Stop()

	fresh, freshPipe := connect(t, h)
	stale, _ := connect(t, h)

	// Keep one session alive with pings while the other goes silent.
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				freshPipe.in <- []byte(`{"type":"ping"}`)
			}
		}
	}()
	defer close(stop)

	require.Eventually(t, func() bool {
		st := h.Stats()
		return st.Sessions == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.mu.RLock()
	_, freshAlive := h.sessions[fresh.ID]
	_, staleAlive := h.sessions[stale.ID]
	h.mu.RUnlock()
	require.True(t, freshAlive)
	require.False(t, staleAlive)
}

func TestConcurrentResubscribeKeepsUpstream(t *testing.T) {
	h, mem := testHub(t)
	a, _ := connect(t, h)
	b, pb := connect(t, h)

	// Two sessions churn the same channel so last-unsubscribe and
	// first-subscribe interleave. The upstream bridge subscription must
	// track the registry whatever the ordering.
	var wg sync.WaitGroup
	for _, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if err := h.Subscribe(id, "market:stocks", Filters{}); err != nil {
					t.Errorf("subscribe: %v", err)
					return
				}
				h.Unsubscribe(id, "market:stocks")
			}
		}(id)
	}
	wg.Wait()

	require.Zero(t, h.Stats().Channels["market:stocks"])
	require.False(t, h.bridge.Subscribed("market:stocks"))

	// A fresh subscribe after the churn must still reach upstream and
	// deliver messages end to end.
	require.NoError(t, h.Subscribe(b.ID, "market:stocks", Filters{}))
	require.Equal(t, 1, h.Stats().Channels["market:stocks"])
	require.True(t, h.bridge.Subscribed("market:stocks"))

	msg, _ := json.Marshal(types.MarketUpdateMsg{Type: types.MsgMarketUpdate})
	require.NoError(t, mem.Publish(context.Background(), "market:stocks", msg))
	require.Equal(t, "market_update", pb.next(t)["type"])
}

func TestControlReplyOverflowDisconnects(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	mem := bus.NewMemory(8, logger)
	defer mem.Close()
	h := New(bus.NewBridge(mem, logger), 30*time.Second, 1, logger)
	defer h.Stop()

	// Unbuffered writer side with no reader: the write pump stalls on the
	// first frame and the one-slot queue fills immediately.
	p := &pipeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte),
		closed: make(chan struct{}),
	}
	s := h.Accept(p)
	go h.Serve(s)

	for i := 0; i < 5; i++ {
		p.in <- []byte(`{"type":"ping"}`)
	}

	// Pong replies cannot be queued, so the session gets torn down like a
	// wedged broadcast subscriber would be.
	require.Eventually(t, func() bool {
		return h.Stats().Sessions == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastOrderPreservedPerChannel(t *testing.T) {
	h, mem := testHub(t)
	_, p := connect(t, h)

	p.in <- []byte(`{"type":"subscribe","channel":"market:stocks"}`)
	require.Equal(t, "subscribed", p.next(t)["type"])

	for i := 0; i < 5; i++ {
		msg, _ := json.Marshal(types.MarketUpdateMsg{
			Type: types.MsgMarketUpdate,
			Data: types.MarketUpdateData{Timestamp: int64(i)},
		})
		require.NoError(t, mem.Publish(context.Background(), "market:stocks", msg))
	}
	for i := 0; i < 5; i++ {
		frame := p.next(t)
		data := frame["data"].(map[string]any)
		require.Equal(t, float64(i), data["timestamp"])
	}
}
