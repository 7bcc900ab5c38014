package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atmx/matching-engine/internal/market"
	"github.com/atmx/matching-engine/internal/marketdata"
	"github.com/atmx/matching-engine/internal/metrics"
	"github.com/atmx/matching-engine/internal/model"
	"github.com/atmx/matching-engine/internal/orderbook"
	"github.com/atmx/matching-engine/internal/protocol"
)

func (e *Engine) createOrder(ctx context.Context, req *protocol.CreateOrder) (protocol.Reply, error) {
	if err := e.checkMarket(ctx, req.Market); err != nil {
		return protocol.Reply{}, err
	}
	if err := e.loadUser(ctx, req.UserID); err != nil {
		return protocol.Reply{}, err
	}

	asset, amount := market.Requirement(req.Market, req.Side, req.Price, req.Quantity)
	if _, err := e.ledger.Reserve(req.UserID, asset, amount); err != nil {
		return protocol.Reply{}, err
	}
	e.persistBalance(ctx, req.UserID, asset)

	e.seq++
	order := &model.Order{
		ID:                e.newID(),
		Seq:               e.seq,
		UserID:            req.UserID,
		Market:            req.Market,
		Side:              req.Side,
		Price:             req.Price,
		OriginalQuantity:  req.Quantity,
		RemainingQuantity: req.Quantity,
		Status:            model.StatusOpen,
		CreatedAt:         e.now(),
	}

	if _, ok := e.books.Get(req.Market); !ok {
		defer func() { metrics.ActiveMarkets.Set(float64(len(e.books.Markets()))) }()
	}
	book := e.books.GetOrCreate(req.Market)

	fills := book.Match(order)
	trades := make([]model.Trade, 0, len(fills))
	for _, f := range fills {
		t, err := e.settle(ctx, order, f)
		if err != nil {
			return protocol.Reply{}, err
		}
		trades = append(trades, t)
	}

	if order.RemainingQuantity.IsPositive() {
		if err := book.Insert(order); err != nil {
			return protocol.Reply{}, err
		}
		e.persist(ctx, protocol.EntryCreateOrder, *order)
	}
	e.publisher.Book(marketdata.Snapshot(book))

	replyType := protocol.ReplyOrderPartiallyFilled
	if order.Status == model.StatusFilled {
		replyType = protocol.ReplyOrderExecuted
	}
	slog.Debug("order placed",
		"order_id", order.ID, "user", order.UserID, "market", order.Market,
		"side", order.Side, "status", order.Status, "fills", len(trades))

	return protocol.NewReply(replyType, protocol.OrderResult{
		OrderID:           order.ID,
		Market:            order.Market,
		Side:              order.Side,
		Price:             order.Price,
		Quantity:          order.OriginalQuantity,
		RemainingQuantity: order.RemainingQuantity,
		Status:            order.Status,
		Trades:            trades,
	}), nil
}

// settle moves value for one fill: the buyer receives shares, the seller
// receives USD at the execution price, and a buying taker is refunded the
// difference between its limit and the execution price.
func (e *Engine) settle(ctx context.Context, taker *model.Order, f orderbook.Fill) (model.Trade, error) {
	buyer, seller := taker, &f.Maker
	if taker.Side == model.SideSell {
		buyer, seller = &f.Maker, taker
	}

	t := model.Trade{
		ID:          e.newID(),
		Market:      taker.Market,
		Price:       f.Price,
		Quantity:    f.Quantity,
		BuyerID:     buyer.UserID,
		SellerID:    seller.UserID,
		BuyOrderID:  buyer.ID,
		SellOrderID: seller.ID,
		Timestamp:   e.now(),
	}

	if _, err := e.ledger.Credit(buyer.UserID, t.Market, t.Quantity); err != nil {
		return model.Trade{}, fmt.Errorf("settle %s buyer: %w", t.ID, err)
	}
	e.persistBalance(ctx, buyer.UserID, t.Market)

	if _, err := e.ledger.Credit(seller.UserID, market.QuoteAsset, t.Price.Mul(t.Quantity)); err != nil {
		return model.Trade{}, fmt.Errorf("settle %s seller: %w", t.ID, err)
	}
	e.persistBalance(ctx, seller.UserID, market.QuoteAsset)

	if taker.Side == model.SideBuy {
		if improvement := taker.Price.Sub(t.Price).Mul(t.Quantity); improvement.IsPositive() {
			if _, err := e.ledger.Credit(taker.UserID, market.QuoteAsset, improvement); err != nil {
				return model.Trade{}, fmt.Errorf("settle %s refund: %w", t.ID, err)
			}
			e.persistBalance(ctx, taker.UserID, market.QuoteAsset)
		}
	}

	e.persist(ctx, protocol.EntryCreateTrade, t)
	e.persist(ctx, protocol.EntryUpdateOrder, protocol.UpdateOrder{
		OrderID:           f.Maker.ID,
		Status:            f.Maker.Status,
		RemainingQuantity: f.Maker.RemainingQuantity,
	})

	metrics.TradesTotal.WithLabelValues(t.Market).Inc()
	metrics.MarketVolume.WithLabelValues(t.Market).Add(t.Quantity.InexactFloat64())
	e.publisher.Trade(marketdata.Print(t))

	slog.Info("trade executed",
		"trade_id", t.ID, "market", t.Market, "price", t.Price, "quantity", t.Quantity,
		"buyer", t.BuyerID, "seller", t.SellerID)
	return t, nil
}

func (e *Engine) cancelOrder(ctx context.Context, req *protocol.CancelOrder) (protocol.Reply, error) {
	o, err := e.books.Cancel(req.OrderID, req.UserID)
	if err != nil {
		return protocol.Reply{}, err
	}

	asset, refund := market.Requirement(o.Market, o.Side, o.Price, o.RemainingQuantity)
	balance, err := e.ledger.Credit(o.UserID, asset, refund)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("refund %s: %w", o.ID, err)
	}
	e.persistBalance(ctx, o.UserID, asset)
	e.persist(ctx, protocol.EntryUpdateOrder, protocol.UpdateOrder{
		OrderID:           o.ID,
		Status:            model.StatusCanceled,
		RemainingQuantity: o.RemainingQuantity,
	})
	e.publishBook(o.Market)

	slog.Info("order canceled", "order_id", o.ID, "user", o.UserID, "market", o.Market, "refund", refund)
	return protocol.NewReply(protocol.ReplyOrderCanceled, protocol.CancelResult{
		OrderID: o.ID,
		Asset:   asset,
		Refund:  refund,
		Balance: balance,
	}), nil
}

func (e *Engine) openOrders(req *protocol.GetOpenOrders) protocol.Reply {
	return protocol.NewReply(protocol.ReplyOpenOrders, protocol.OpenOrdersResult{
		Orders: e.books.OpenOrders(req.UserID, req.Market),
	})
}
