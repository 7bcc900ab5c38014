package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/matching-engine/internal/marketdata"
	"github.com/atmx/matching-engine/internal/model"
	"github.com/atmx/matching-engine/internal/protocol"
	"github.com/atmx/matching-engine/internal/rpc"
	"github.com/atmx/matching-engine/internal/store"
	"github.com/atmx/matching-engine/internal/writebehind"
)

const yes1 = "1-yes-usd"

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type recordingPublisher struct {
	mu     sync.Mutex
	books  []marketdata.BookSnapshot
	trades []marketdata.TradePrint
}

func (p *recordingPublisher) Book(s marketdata.BookSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.books = append(p.books, s)
}

func (p *recordingPublisher) Trade(t marketdata.TradePrint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trades = append(p.trades, t)
}

type harness struct {
	eng   *Engine
	store *store.MemoryStore
	queue *writebehind.MemoryQueue
	pub   *recordingPublisher
}

// seed creates topic 1 and users A (USD 1000), B (USD 1000, 100 yes shares)
// and C (50 yes shares).
func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.CreateTopic(ctx, &model.Topic{ID: "1", Title: "Will it rain tomorrow?"}))
	require.NoError(t, ms.CreateUser(ctx, "A", model.Balances{"USD": d(1000)}))
	require.NoError(t, ms.CreateUser(ctx, "B", model.Balances{"USD": d(1000), yes1: d(100)}))
	require.NoError(t, ms.CreateUser(ctx, "C", model.Balances{yes1: d(50)}))
	return ms
}

func newHarnessFrom(t *testing.T, ms *store.MemoryStore) *harness {
	t.Helper()
	h := &harness{
		store: ms,
		queue: writebehind.NewMemoryQueue(),
		pub:   &recordingPublisher{},
	}
	h.eng = New(ms, h.queue, h.pub, Config{StoreTimeout: time.Second})
	deterministic(h.eng)
	require.NoError(t, h.eng.Bootstrap(context.Background()))
	return h
}

func newHarness(t *testing.T) *harness {
	return newHarnessFrom(t, seed(t))
}

// deterministic replaces ids and clock with counters.
func deterministic(e *Engine) {
	n := 0
	e.newID = func() string {
		n++
		return fmt.Sprintf("id-%04d", n)
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	e.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
}

func (h *harness) send(t *testing.T, typ protocol.RequestType, payload interface{}) protocol.Reply {
	t.Helper()
	return h.eng.Handle(context.Background(), protocol.MustRequest(typ, payload))
}

func (h *harness) order(t *testing.T, user string, side model.Side, price, qty float64) (protocol.Reply, protocol.OrderResult) {
	t.Helper()
	r := h.send(t, protocol.TypeCreateOrder, protocol.CreateOrder{
		Market: yes1, Price: d(price), Quantity: d(qty), Side: side, UserID: user,
	})
	var res protocol.OrderResult
	if r.Type != protocol.ReplyError {
		require.NoError(t, r.Decode(&res))
	}
	return r, res
}

func (h *harness) balance(user, asset string) decimal.Decimal {
	return h.eng.ledger.Balance(user, asset)
}

func errorCode(t *testing.T, r protocol.Reply) string {
	t.Helper()
	require.Equal(t, protocol.ReplyError, r.Type)
	var e protocol.ErrorResult
	require.NoError(t, r.Decode(&e))
	return e.Code
}

func entryTypes(q *writebehind.MemoryQueue) []protocol.EntryType {
	var out []protocol.EntryType
	for _, e := range q.Entries() {
		out = append(out, e.Type)
	}
	return out
}

func TestScenario_BuySellCancel(t *testing.T) {
	h := newHarness(t)

	// A bids 10 @ 10 into an empty book.
	r, placed := h.order(t, "A", model.SideBuy, 10, 10)
	require.Equal(t, protocol.ReplyOrderPartiallyFilled, r.Type)
	assert.True(t, placed.RemainingQuantity.Equal(d(10)))
	assert.Empty(t, placed.Trades)
	assert.True(t, h.balance("A", "USD").Equal(d(900)))

	snap := h.eng.Snapshot(yes1)
	require.Len(t, snap.Bids, 1)
	assert.True(t, snap.Bids[0].Price.Equal(d(10)))
	assert.True(t, snap.Bids[0].Quantity.Equal(d(10)))

	// B sells 5 @ 9 and executes at the maker's price.
	r, sold := h.order(t, "B", model.SideSell, 9, 5)
	require.Equal(t, protocol.ReplyOrderExecuted, r.Type)
	require.Len(t, sold.Trades, 1)
	tr := sold.Trades[0]
	assert.True(t, tr.Price.Equal(d(10)))
	assert.True(t, tr.Quantity.Equal(d(5)))
	assert.Equal(t, "A", tr.BuyerID)
	assert.Equal(t, "B", tr.SellerID)
	assert.True(t, sold.RemainingQuantity.IsZero())

	assert.True(t, h.balance("A", yes1).Equal(d(5)))
	assert.True(t, h.balance("B", "USD").Equal(d(1050)))
	assert.True(t, h.balance("B", yes1).Equal(d(95)))

	open := h.send(t, protocol.TypeGetOpenOrders, protocol.GetOpenOrders{UserID: "A"})
	var oo protocol.OpenOrdersResult
	require.NoError(t, open.Decode(&oo))
	require.Len(t, oo.Orders, 1)
	assert.True(t, oo.Orders[0].RemainingQuantity.Equal(d(5)))
	assert.Equal(t, model.StatusPartiallyFilled, oo.Orders[0].Status)

	// A cancels the remaining 5 and gets 5*10 back.
	r = h.send(t, protocol.TypeCancelOrder, protocol.CancelOrder{OrderID: placed.OrderID, UserID: "A"})
	require.Equal(t, protocol.ReplyOrderCanceled, r.Type)
	var cr protocol.CancelResult
	require.NoError(t, r.Decode(&cr))
	assert.True(t, cr.Refund.Equal(d(50)))
	assert.True(t, h.balance("A", "USD").Equal(d(950)))
	assert.Empty(t, h.eng.Snapshot(yes1).Bids)

	r = h.send(t, protocol.TypeCancelOrder, protocol.CancelOrder{OrderID: placed.OrderID, UserID: "A"})
	assert.Equal(t, protocol.CodeOrderNotFound, errorCode(t, r))
	assert.True(t, h.balance("A", "USD").Equal(d(950)))
}

func TestOnRamp_CreatesUnknownUser(t *testing.T) {
	h := newHarness(t)

	r := h.send(t, protocol.TypeOnRamp, protocol.OnRamp{UserID: "newcomer", Asset: "USD", Amount: d(500)})
	require.Equal(t, protocol.ReplyOnRampSuccess, r.Type)
	var res protocol.OnRampResult
	require.NoError(t, r.Decode(&res))
	assert.True(t, res.Balance.Equal(d(500)))

	require.Equal(t, []protocol.EntryType{protocol.EntryUpdateBalance}, entryTypes(h.queue))

	// Existing balances are added to, not replaced.
	r = h.send(t, protocol.TypeOnRamp, protocol.OnRamp{UserID: "A", Asset: "USD", Amount: d(1)})
	require.NoError(t, r.Decode(&res))
	assert.True(t, res.Balance.Equal(d(1001)))
}

func TestOnRamp_ShareAssetNeedsKnownTopic(t *testing.T) {
	h := newHarness(t)
	r := h.send(t, protocol.TypeOnRamp, protocol.OnRamp{UserID: "A", Asset: "7-no-usd", Amount: d(5)})
	assert.Equal(t, protocol.CodeValidation, errorCode(t, r))
}

func TestCreateOrder_RefundsPriceImprovement(t *testing.T) {
	h := newHarness(t)

	_, _ = h.order(t, "B", model.SideSell, 8, 5)
	r, res := h.order(t, "A", model.SideBuy, 10, 5)
	require.Equal(t, protocol.ReplyOrderExecuted, r.Type)
	require.Len(t, res.Trades, 1)
	assert.True(t, res.Trades[0].Price.Equal(d(8)))

	// Reserved 50, paid 40.
	assert.True(t, h.balance("A", "USD").Equal(d(960)))
	assert.True(t, h.balance("A", yes1).Equal(d(5)))
	assert.True(t, h.balance("B", "USD").Equal(d(1040)))
}

func TestCreateOrder_WalksLevelsInPriority(t *testing.T) {
	h := newHarness(t)

	_, first := h.order(t, "B", model.SideSell, 6, 2)
	_, _ = h.order(t, "C", model.SideSell, 5, 3)
	_, third := h.order(t, "C", model.SideSell, 6, 4)

	r, res := h.order(t, "A", model.SideBuy, 6, 7)
	require.Equal(t, protocol.ReplyOrderExecuted, r.Type)
	require.Len(t, res.Trades, 3)

	assert.True(t, res.Trades[0].Price.Equal(d(5)), "best price first")
	assert.Equal(t, first.OrderID, res.Trades[1].SellOrderID, "earlier arrival first within a level")
	assert.Equal(t, third.OrderID, res.Trades[2].SellOrderID)
	assert.True(t, res.Trades[2].Quantity.Equal(d(2)))

	asks := h.eng.Snapshot(yes1).Asks
	require.Len(t, asks, 1)
	assert.True(t, asks[0].Quantity.Equal(d(2)))
}

func TestCreateOrder_Rejections(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		req  protocol.Request
		code string
	}{
		{
			name: "insufficient funds",
			req: protocol.MustRequest(protocol.TypeCreateOrder, protocol.CreateOrder{
				Market: yes1, Price: d(10), Quantity: d(101), Side: model.SideBuy, UserID: "A"}),
			code: protocol.CodeInsufficientFunds,
		},
		{
			name: "no shares to sell",
			req: protocol.MustRequest(protocol.TypeCreateOrder, protocol.CreateOrder{
				Market: yes1, Price: d(1), Quantity: d(1), Side: model.SideSell, UserID: "A"}),
			code: protocol.CodeInsufficientFunds,
		},
		{
			name: "unknown user",
			req: protocol.MustRequest(protocol.TypeCreateOrder, protocol.CreateOrder{
				Market: yes1, Price: d(1), Quantity: d(1), Side: model.SideBuy, UserID: "ghost"}),
			code: protocol.CodeUserNotFound,
		},
		{
			name: "unknown topic",
			req: protocol.MustRequest(protocol.TypeCreateOrder, protocol.CreateOrder{
				Market: "42-yes-usd", Price: d(1), Quantity: d(1), Side: model.SideBuy, UserID: "A"}),
			code: protocol.CodeValidation,
		},
		{
			name: "bad market id",
			req: protocol.MustRequest(protocol.TypeCreateOrder, protocol.CreateOrder{
				Market: "1-maybe-usd", Price: d(1), Quantity: d(1), Side: model.SideBuy, UserID: "A"}),
			code: protocol.CodeValidation,
		},
		{
			name: "zero quantity",
			req: protocol.MustRequest(protocol.TypeCreateOrder, protocol.CreateOrder{
				Market: yes1, Price: d(1), Quantity: d(0), Side: model.SideBuy, UserID: "A"}),
			code: protocol.CodeValidation,
		},
		{
			name: "unknown field",
			req:  protocol.Request{Type: protocol.TypeCreateOrder, Data: json.RawMessage(`{"market":"1-yes-usd","price":"1","quantity":"1","side":"buy","userId":"A","leverage":100}`)},
			code: protocol.CodeValidation,
		},
		{
			name: "unknown request type",
			req:  protocol.Request{Type: "LIQUIDATE", Data: json.RawMessage(`{}`)},
			code: protocol.CodeUnknownRequestType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := h.eng.Handle(context.Background(), tt.req)
			assert.Equal(t, tt.code, errorCode(t, r))
		})
	}

	assert.Empty(t, h.queue.Entries(), "rejected requests must not persist anything")
	assert.True(t, h.balance("A", "USD").Equal(d(1000)))
	assert.Empty(t, h.eng.Snapshot(yes1).Bids)
}

func TestCreateOrder_LazyTopicLookup(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateTopic(context.Background(), &model.Topic{ID: "2", Title: "Added later"}))

	r := h.send(t, protocol.TypeCreateOrder, protocol.CreateOrder{
		Market: "2-no-usd", Price: d(3), Quantity: d(1), Side: model.SideBuy, UserID: "A",
	})
	assert.Equal(t, protocol.ReplyOrderPartiallyFilled, r.Type)
	_, ok := h.eng.topics["2"]
	assert.True(t, ok)
}

func TestCreateOrder_PersistsInEffectOrder(t *testing.T) {
	h := newHarness(t)
	_, _ = h.order(t, "A", model.SideBuy, 10, 10)
	_, _ = h.order(t, "B", model.SideSell, 9, 5)

	assert.Equal(t, []protocol.EntryType{
		// A's bid: reservation, then the resting order.
		protocol.EntryUpdateBalance,
		protocol.EntryCreateOrder,
		// B's sell: reservation, settlement of both sides, trade, maker update.
		protocol.EntryUpdateBalance,
		protocol.EntryUpdateBalance,
		protocol.EntryUpdateBalance,
		protocol.EntryCreateTrade,
		protocol.EntryUpdateOrder,
	}, entryTypes(h.queue))

	last := h.queue.Entries()[6]
	p, err := protocol.DecodeEntry(last)
	require.NoError(t, err)
	uo := p.(*protocol.UpdateOrder)
	assert.Equal(t, model.StatusPartiallyFilled, uo.Status)
	assert.True(t, uo.RemainingQuantity.Equal(d(5)))

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	assert.Len(t, h.pub.trades, 1)
	assert.NotEmpty(t, h.pub.books)
}

// script is a fixed arrival sequence touching every kind of fill.
func script(t *testing.T, h *harness) {
	t.Helper()
	steps := []struct {
		user  string
		side  model.Side
		price float64
		qty   float64
	}{
		{"A", model.SideBuy, 4, 10},
		{"A", model.SideBuy, 5, 10},
		{"B", model.SideSell, 6, 20},
		{"C", model.SideSell, 4.5, 12},
		{"B", model.SideBuy, 6.5, 15},
		{"C", model.SideSell, 3, 30},
		{"A", model.SideBuy, 7, 50},
		{"B", model.SideSell, 5.25, 40},
		{"A", model.SideBuy, 5.25, 1},
	}
	for _, s := range steps {
		_, _ = h.order(t, s.user, s.side, s.price, s.qty)
		assertBookOrdered(t, h)
	}
}

func assertBookOrdered(t *testing.T, h *harness) {
	t.Helper()
	b, ok := h.eng.books.Get(yes1)
	require.True(t, ok)

	bids := b.Orders(model.SideBuy)
	for i := 1; i < len(bids); i++ {
		prev, cur := bids[i-1], bids[i]
		require.True(t, prev.Price.GreaterThanOrEqual(cur.Price), "bids out of price order")
		if prev.Price.Equal(cur.Price) {
			require.False(t, cur.CreatedAt.Before(prev.CreatedAt), "bids out of time order")
		}
	}
	asks := b.Orders(model.SideSell)
	for i := 1; i < len(asks); i++ {
		prev, cur := asks[i-1], asks[i]
		require.True(t, prev.Price.LessThanOrEqual(cur.Price), "asks out of price order")
		if prev.Price.Equal(cur.Price) {
			require.False(t, cur.CreatedAt.Before(prev.CreatedAt), "asks out of time order")
		}
	}
	for _, o := range append(bids, asks...) {
		require.True(t, o.RemainingQuantity.IsPositive())
	}
}

// holdings sums free balances plus what resting orders hold in reserve.
func holdings(h *harness, asset string) decimal.Decimal {
	total := decimal.Zero
	for _, u := range []string{"A", "B", "C"} {
		total = total.Add(h.balance(u, asset))
	}
	b, ok := h.eng.books.Get(yes1)
	if !ok {
		return total
	}
	for _, o := range b.Orders(model.SideBuy) {
		if asset == "USD" {
			total = total.Add(o.Price.Mul(o.RemainingQuantity))
		}
	}
	for _, o := range b.Orders(model.SideSell) {
		if asset == yes1 {
			total = total.Add(o.RemainingQuantity)
		}
	}
	return total
}

func TestConservation(t *testing.T) {
	h := newHarness(t)
	for _, u := range []string{"A", "B", "C"} {
		require.NoError(t, h.eng.loadUser(context.Background(), u))
	}
	usd, shares := holdings(h, "USD"), holdings(h, yes1)

	script(t, h)
	assert.True(t, holdings(h, "USD").Equal(usd), "USD created or destroyed: %s -> %s", usd, holdings(h, "USD"))
	assert.True(t, holdings(h, yes1).Equal(shares), "shares created or destroyed")

	// Cancel everything; all value is back in free balances.
	for _, u := range []string{"A", "B", "C"} {
		for _, o := range h.eng.books.OpenOrders(u, "") {
			r := h.send(t, protocol.TypeCancelOrder, protocol.CancelOrder{OrderID: o.ID, UserID: u})
			require.Equal(t, protocol.ReplyOrderCanceled, r.Type)
		}
	}
	free := decimal.Zero
	for _, u := range []string{"A", "B", "C"} {
		free = free.Add(h.balance(u, "USD"))
	}
	assert.True(t, free.Equal(usd))
	assert.Empty(t, h.eng.Snapshot(yes1).Bids)
	assert.Empty(t, h.eng.Snapshot(yes1).Asks)
}

func TestDeterminism(t *testing.T) {
	run := func() []byte {
		h := newHarness(t)
		script(t, h)
		data, err := json.Marshal(struct {
			Entries []protocol.Entry
			Book    marketdata.BookSnapshot
		}{h.queue.Entries(), h.eng.Snapshot(yes1)})
		require.NoError(t, err)
		return data
	}
	assert.JSONEq(t, string(run()), string(run()))
}

func TestRestart_RebuildsFromPersistedEntries(t *testing.T) {
	h := newHarness(t)
	script(t, h)

	ctx := context.Background()
	for _, e := range h.queue.Entries() {
		require.NoError(t, store.Apply(ctx, h.store, e))
	}

	restarted := newHarnessFrom(t, h.store)
	want, err := json.Marshal(h.eng.Snapshot(yes1))
	require.NoError(t, err)
	got, err := json.Marshal(restarted.eng.Snapshot(yes1))
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
	for _, u := range []string{"A", "B", "C"} {
		want, _ := h.eng.ledger.Balances(u)
		got, ok := restarted.eng.ledger.Balances(u)
		if !ok {
			require.NoError(t, restarted.eng.loadUser(ctx, u))
			got, _ = restarted.eng.ledger.Balances(u)
		}
		for asset, amount := range want {
			assert.True(t, got[asset].Equal(amount), "%s %s: want %s, got %s", u, asset, amount, got[asset])
		}
	}

	// Resting orders keep their priority across the restart.
	before, _ := h.eng.books.Get(yes1)
	after, _ := restarted.eng.books.Get(yes1)
	ids := func(os []model.Order) []string {
		var out []string
		for _, o := range os {
			out = append(out, o.ID)
		}
		return out
	}
	assert.Equal(t, ids(before.Orders(model.SideBuy)), ids(after.Orders(model.SideBuy)))
	assert.Equal(t, ids(before.Orders(model.SideSell)), ids(after.Orders(model.SideSell)))
}

func TestRun_ServesConcurrentCallers(t *testing.T) {
	h := newHarness(t)
	ch := rpc.NewChannel(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.eng.Run(ctx, ch.Requests())
	}()

	const callers = 20
	var wg sync.WaitGroup
	replies := make(chan protocol.Reply, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := protocol.MustRequest(protocol.TypeOnRamp, protocol.OnRamp{
				UserID: fmt.Sprintf("u%d", i%4), Asset: "USD", Amount: d(1),
			})
			r, err := ch.Send(ctx, req)
			if err == nil {
				replies <- r
			}
		}(i)
	}
	wg.Wait()
	close(replies)

	n := 0
	for r := range replies {
		assert.Equal(t, protocol.ReplyOnRampSuccess, r.Type)
		n++
	}
	assert.Equal(t, callers, n)

	cancel()
	<-done
	for i := 0; i < 4; i++ {
		assert.True(t, h.balance(fmt.Sprintf("u%d", i), "USD").Equal(d(5)))
	}
}

func TestRestart_KeepsArrivalOrderWithinOneClockTick(t *testing.T) {
	h := newHarness(t)
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.eng.now = func() time.Time { return frozen }
	ids := []string{"zz-first", "aa-second"}
	h.eng.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	_, first := h.order(t, "A", model.SideBuy, 5, 1)
	_, second := h.order(t, "A", model.SideBuy, 5, 1)
	require.Equal(t, "zz-first", first.OrderID)
	require.Equal(t, "aa-second", second.OrderID)

	ctx := context.Background()
	for _, e := range h.queue.Entries() {
		require.NoError(t, store.Apply(ctx, h.store, e))
	}

	restarted := newHarnessFrom(t, h.store)
	b, ok := restarted.eng.books.Get(yes1)
	require.True(t, ok)
	var got []string
	for _, o := range b.Orders(model.SideBuy) {
		got = append(got, o.ID)
	}
	assert.Equal(t, []string{"zz-first", "aa-second"}, got)

	// New arrivals are numbered after everything restored.
	_, third := restarted.order(t, "A", model.SideBuy, 5, 1)
	last := b.Orders(model.SideBuy)
	require.Len(t, last, 3)
	assert.Equal(t, third.OrderID, last[2].ID)
	assert.Greater(t, last[2].Seq, last[1].Seq)
}
