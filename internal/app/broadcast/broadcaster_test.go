package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/domain/schema"
)

type fakeConn struct {
	id string

	mu       sync.Mutex
	messages []string
	err      error
	block    chan struct{}
	started  chan struct{}
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, payload []byte) error {
	if c.started != nil {
		close(c.started)
	}
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, string(payload))
	return nil
}

func (c *fakeConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

var tickTime = time.Date(2024, 2, 3, 4, 5, 6, 789000000, time.UTC)

func newBroadcaster(t *testing.T) *Broadcaster {
	t.Helper()
	return New(Config{FanoutWorkers: 4, SendTimeout: 50 * time.Millisecond}, zaptest.NewLogger(t))
}

func TestTwoSubscribersEachReceiveOneMessage(t *testing.T) {
	b := newBroadcaster(t)
	first, second := newFakeConn("a"), newFakeConn("b")
	b.Register(first, "ITEM_01")
	b.Register(second, "ITEM_01")

	err := b.OnPriceUpdate(context.Background(), schema.PriceUpdateEvent{
		InstrumentID: "ITEM_01",
		Price:        123.456,
		Timestamp:    tickTime,
	})
	require.NoError(t, err)

	want := `{"type":"price_update","data":{"ticker_id":"ITEM_01","price":123.456,"timestamp":"2024-02-03T04:05:06.789000Z"}}`
	for _, conn := range []*fakeConn{first, second} {
		msgs := conn.received()
		require.Len(t, msgs, 1, conn.id)
		assert.JSONEq(t, want, msgs[0])
	}
}

func TestUpdatesArePartitionedByInstrument(t *testing.T) {
	b := newBroadcaster(t)
	onZero, onOne := newFakeConn("zero"), newFakeConn("one")
	b.Register(onZero, "ITEM_00")
	b.Register(onOne, "ITEM_01")

	require.NoError(t, b.OnPriceUpdate(context.Background(), schema.PriceUpdateEvent{InstrumentID: "ITEM_00", Price: 1, Timestamp: tickTime}))

	assert.Len(t, onZero.received(), 1)
	assert.Empty(t, onOne.received())
}

func TestFailedConnectionIsPrunedOthersStillDelivered(t *testing.T) {
	b := newBroadcaster(t)
	healthy := newFakeConn("healthy")
	broken := newFakeConn("broken")
	broken.err = errors.New("connection reset")
	b.Register(healthy, "ITEM_02")
	b.Register(broken, "ITEM_02")
	require.Equal(t, 2, b.ConnectionCount())

	require.NoError(t, b.OnPriceUpdate(context.Background(), schema.PriceUpdateEvent{InstrumentID: "ITEM_02", Price: 5, Timestamp: tickTime}))

	assert.Len(t, healthy.received(), 1)
	assert.Equal(t, 1, b.ConnectionCount())
	assert.Equal(t, 1, b.InstrumentConnectionCount("ITEM_02"))
}

func TestSlowConnectionTimesOutAndIsPruned(t *testing.T) {
	b := newBroadcaster(t)
	slow := newFakeConn("slow")
	slow.block = make(chan struct{})
	fast := newFakeConn("fast")
	b.Register(slow, "ITEM_03")
	b.Register(fast, "ITEM_03")

	require.NoError(t, b.OnPriceUpdate(context.Background(), schema.PriceUpdateEvent{InstrumentID: "ITEM_03", Price: 5, Timestamp: tickTime}))

	assert.Len(t, fast.received(), 1)
	assert.Equal(t, 1, b.ConnectionCount())
}

func TestPanickingConnectionIsPruned(t *testing.T) {
	b := newBroadcaster(t)
	b.Register(panicConn{}, "ITEM_00")
	require.NoError(t, b.OnPriceUpdate(context.Background(), schema.PriceUpdateEvent{InstrumentID: "ITEM_00", Price: 5, Timestamp: tickTime}))
	assert.Equal(t, 0, b.ConnectionCount())
}

type panicConn struct{}

func (panicConn) ID() string                          { return "panic" }
func (panicConn) Send(context.Context, []byte) error { panic("write on closed socket") }

func TestRegistryIsNotLockedDuringSend(t *testing.T) {
	b := New(Config{SendTimeout: 2 * time.Second}, zaptest.NewLogger(t))
	blocked := newFakeConn("blocked")
	blocked.block = make(chan struct{})
	blocked.started = make(chan struct{})
	b.Register(blocked, "ITEM_00")

	done := make(chan error, 1)
	go func() {
		done <- b.OnPriceUpdate(context.Background(), schema.PriceUpdateEvent{InstrumentID: "ITEM_00", Price: 1, Timestamp: tickTime})
	}()
	<-blocked.started

	other := newFakeConn("other")
	registered := make(chan struct{})
	go func() {
		b.Register(other, "ITEM_01")
		_ = b.ConnectionCount()
		close(registered)
	}()
	select {
	case <-registered:
	case <-time.After(time.Second):
		t.Fatal("register blocked behind an in-flight send")
	}

	close(blocked.block)
	require.NoError(t, <-done)
	assert.Len(t, blocked.received(), 1)
}

func TestRegisterUnregisterCounts(t *testing.T) {
	b := newBroadcaster(t)
	conns := make([]*fakeConn, 0, 3)
	for i := range 3 {
		conn := newFakeConn(fmt.Sprintf("c%d", i))
		conns = append(conns, conn)
	}
	b.Register(conns[0], "ITEM_00")
	b.Register(conns[0], "ITEM_00")
	b.Register(conns[1], "ITEM_00")
	b.Register(conns[2], "ITEM_05")
	b.Register(nil, "ITEM_00")
	b.Register(conns[2], "")

	assert.Equal(t, 3, b.ConnectionCount())
	assert.Equal(t, map[string]int{"ITEM_00": 2, "ITEM_05": 1}, b.Counts())

	b.Unregister(conns[2], "ITEM_05")
	b.Unregister(conns[2], "ITEM_05")
	b.Unregister(nil, "ITEM_05")
	assert.Equal(t, map[string]int{"ITEM_00": 2}, b.Counts(), "empty sets are dropped")
	assert.Equal(t, 0, b.InstrumentConnectionCount("ITEM_05"))
}

func TestNoSubscribersIsNoop(t *testing.T) {
	b := newBroadcaster(t)
	require.NoError(t, b.OnPriceUpdate(context.Background(), schema.PriceUpdateEvent{InstrumentID: "ITEM_09", Price: 1, Timestamp: tickTime}))
}

func TestHandleEventAdaptsBusEvents(t *testing.T) {
	b := newBroadcaster(t)
	conn := newFakeConn("a")
	b.Register(conn, "ITEM_01")

	require.NoError(t, b.HandleEvent(context.Background(), schema.NewPriceUpdate("ITEM_01", 9.5, tickTime)))
	assert.Len(t, conn.received(), 1)

	err := b.HandleEvent(context.Background(), schema.Event{Type: schema.EventTypePriceUpdate, Payload: 42})
	assert.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestSendError(t *testing.T) {
	b := newBroadcaster(t)
	conn := newFakeConn("a")
	require.NoError(t, b.SendError(context.Background(), conn, "Ticker ITEM_77 not found"))
	msgs := conn.received()
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"type":"error","message":"Ticker ITEM_77 not found"}`, msgs[0])

	broken := newFakeConn("b")
	broken.err = errors.New("closed")
	err := b.SendError(context.Background(), broken, "x")
	assert.True(t, errs.IsCode(err, errs.CodeDelivery))
}

func TestConcurrentRegistrationAndBroadcast(t *testing.T) {
	b := newBroadcaster(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newFakeConn(fmt.Sprintf("conn-%d", i))
			b.Register(conn, "ITEM_00")
			_ = b.OnPriceUpdate(ctx, schema.PriceUpdateEvent{InstrumentID: "ITEM_00", Price: float64(i + 1), Timestamp: tickTime})
			if i%2 == 0 {
				b.Unregister(conn, "ITEM_00")
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, b.ConnectionCount())
}
