package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/matching-engine/internal/model"
	"github.com/atmx/matching-engine/internal/protocol"
	"github.com/atmx/matching-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestMemoryStore_RestingOrdersInArrivalOrder(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"c", "a", "b", "done"} {
		o := &model.Order{
			ID:                id,
			UserID:            "u",
			Market:            "1-yes-usd",
			Side:              model.SideBuy,
			Price:             d(5),
			OriginalQuantity:  d(1),
			RemainingQuantity: d(1),
			Status:            model.StatusOpen,
			CreatedAt:         base.Add(time.Duration(i) * time.Second),
		}
		if id == "done" {
			o.Status = model.StatusFilled
		}
		if err := ms.CreateOrder(ctx, o); err != nil {
			t.Fatalf("create order: %v", err)
		}
	}

	orders, err := ms.ListRestingOrders(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"c", "a", "b"}
	if len(orders) != len(want) {
		t.Fatalf("expected %d resting orders, got %d", len(want), len(orders))
	}
	for i, id := range want {
		if orders[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, orders[i].ID)
		}
	}
}

func TestMemoryStore_UnknownUserAndTopic(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	if _, err := ms.GetUserBalances(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for user, got %v", err)
	}
	if _, err := ms.GetTopic(ctx, "99"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for topic, got %v", err)
	}
}

func TestApply_DispatchesEachEntryType(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	now := time.Now().UTC()

	order := model.Order{
		ID: "o1", UserID: "A", Market: "1-yes-usd", Side: model.SideBuy,
		Price: d(10), OriginalQuantity: d(10), RemainingQuantity: d(10),
		Status: model.StatusOpen, CreatedAt: now,
	}
	trade := model.Trade{
		ID: "t1", Market: "1-yes-usd", Price: d(10), Quantity: d(5),
		BuyerID: "A", SellerID: "B", BuyOrderID: "o1", SellOrderID: "o2", Timestamp: now,
	}

	entries := []struct {
		typ     protocol.EntryType
		payload interface{}
	}{
		{protocol.EntryCreateOrder, order},
		{protocol.EntryCreateTrade, trade},
		{protocol.EntryUpdateOrder, protocol.UpdateOrder{OrderID: "o1", Status: model.StatusPartiallyFilled, RemainingQuantity: d(5)}},
		{protocol.EntryUpdateBalance, protocol.UpdateBalance{UserID: "A", Asset: "1-yes-usd", Balance: d(5)}},
	}
	for _, e := range entries {
		entry, err := protocol.NewEntry(e.typ, e.payload, now)
		if err != nil {
			t.Fatalf("new entry: %v", err)
		}
		// Applying twice must be harmless.
		for i := 0; i < 2; i++ {
			if err := store.Apply(ctx, ms, entry); err != nil {
				t.Fatalf("apply %s: %v", e.typ, err)
			}
		}
	}

	got, err := ms.GetOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != model.StatusPartiallyFilled || !got.RemainingQuantity.Equal(d(5)) {
		t.Errorf("order not updated: %+v", got)
	}
	if n := len(ms.Trades()); n != 1 {
		t.Errorf("expected 1 trade after duplicate apply, got %d", n)
	}
	balances, err := ms.GetUserBalances(ctx, "A")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if !balances["1-yes-usd"].Equal(d(5)) {
		t.Errorf("expected 5 shares, got %s", balances["1-yes-usd"])
	}
}

func TestApply_UpdateMissingOrderFails(t *testing.T) {
	entry, _ := protocol.NewEntry(protocol.EntryUpdateOrder,
		protocol.UpdateOrder{OrderID: "nope", Status: model.StatusCanceled}, time.Now())
	err := store.Apply(context.Background(), store.NewMemoryStore(), entry)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_RestingOrdersBySequenceWithinOneTick(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, o := range []model.Order{
		{ID: "aa", Seq: 2},
		{ID: "zz", Seq: 1},
		{ID: "mm", Seq: 3},
	} {
		o.UserID, o.Market, o.Side = "u", "1-yes-usd", model.SideSell
		o.Price, o.OriginalQuantity, o.RemainingQuantity = d(5), d(1), d(1)
		o.Status, o.CreatedAt = model.StatusOpen, at
		if err := ms.CreateOrder(ctx, &o); err != nil {
			t.Fatalf("create order: %v", err)
		}
	}

	orders, err := ms.ListRestingOrders(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, id := range []string{"zz", "aa", "mm"} {
		if orders[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, orders[i].ID)
		}
	}
}
