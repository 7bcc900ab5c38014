// Package engine is the matching engine: it owns every order book and the
// balance ledger and applies requests to them one at a time.
//
// Run is the only goroutine that touches engine state. Each request is taken
// to completion (reserve, match, settle, reply) before the next is read, so
// no operation ever observes another half-done.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/matching-engine/internal/ledger"
	"github.com/atmx/matching-engine/internal/marketdata"
	"github.com/atmx/matching-engine/internal/metrics"
	"github.com/atmx/matching-engine/internal/model"
	"github.com/atmx/matching-engine/internal/orderbook"
	"github.com/atmx/matching-engine/internal/protocol"
	"github.com/atmx/matching-engine/internal/rpc"
	"github.com/atmx/matching-engine/internal/writebehind"
)

// Source is the read side of the durable store the engine starts from and
// falls back to for users and topics it has not seen yet.
type Source interface {
	ListTopics(ctx context.Context) ([]model.Topic, error)
	GetTopic(ctx context.Context, id string) (*model.Topic, error)
	ListRestingOrders(ctx context.Context) ([]model.Order, error)
	GetUserBalances(ctx context.Context, userID string) (model.Balances, error)
}

// Publisher receives market data after each mutation. It must not block.
type Publisher interface {
	Book(s marketdata.BookSnapshot)
	Trade(t marketdata.TradePrint)
}

type Config struct {
	// StoreTimeout bounds each lazy store read made while serving a request.
	// Zero means no bound.
	StoreTimeout time.Duration
}

// Engine is not safe for concurrent use outside Run.
type Engine struct {
	src       Source
	books     *orderbook.Books
	ledger    *ledger.Ledger
	topics    map[string]model.Topic
	queue     writebehind.Queue
	publisher Publisher
	cfg       Config

	// seq is the arrival number of the last accepted order.
	seq int64

	now   func() time.Time
	newID func() string
}

func New(src Source, queue writebehind.Queue, pub Publisher, cfg Config) *Engine {
	return &Engine{
		src:       src,
		books:     orderbook.NewBooks(),
		ledger:    ledger.New(src),
		topics:    make(map[string]model.Topic),
		queue:     queue,
		publisher: pub,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Bootstrap loads all topics and every resting order, rebuilding each book
// in arrival order. It must complete before Run.
func (e *Engine) Bootstrap(ctx context.Context) error {
	topics, err := e.src.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("load topics: %w", err)
	}
	for _, t := range topics {
		e.topics[t.ID] = t
	}

	orders, err := e.src.ListRestingOrders(ctx)
	if err != nil {
		return fmt.Errorf("load resting orders: %w", err)
	}
	for i := range orders {
		o := orders[i]
		if err := e.books.GetOrCreate(o.Market).Insert(&o); err != nil {
			return fmt.Errorf("restore order %s: %w", o.ID, err)
		}
		if o.Seq > e.seq {
			e.seq = o.Seq
		}
		// Makers must be in the ledger before a taker can settle against them.
		if err := e.ledger.Ensure(ctx, o.UserID); err != nil {
			return fmt.Errorf("load balances for %s: %w", o.UserID, err)
		}
	}

	markets := e.books.Markets()
	metrics.ActiveMarkets.Set(float64(len(markets)))
	for _, m := range markets {
		b, _ := e.books.Get(m)
		e.publisher.Book(marketdata.Snapshot(b))
	}

	slog.Info("engine bootstrapped", "topics", len(topics), "resting_orders", len(orders), "markets", len(markets))
	return nil
}

// Run serves requests until ctx is done. A request already taken is always
// answered before Run returns.
func (e *Engine) Run(ctx context.Context, requests <-chan rpc.Envelope) error {
	slog.Info("matching engine started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("matching engine stopped")
			return nil
		case env := <-requests:
			metrics.InboundDepth.Set(float64(len(requests)))
			env.Respond(e.Handle(ctx, env.Request))
		}
	}
}

// Handle applies one request and builds its reply. Every failure becomes an
// ERROR reply; none stop the engine.
func (e *Engine) Handle(ctx context.Context, req protocol.Request) protocol.Reply {
	start := time.Now()
	reply := e.dispatch(ctx, req)

	metrics.RequestsTotal.WithLabelValues(string(req.Type), string(reply.Type)).Inc()
	metrics.RequestLatency.WithLabelValues(string(req.Type)).Observe(time.Since(start).Seconds())
	return reply
}

func (e *Engine) dispatch(ctx context.Context, req protocol.Request) protocol.Reply {
	payload, err := protocol.Decode(req)
	if err != nil {
		return errorReply(err)
	}

	var reply protocol.Reply
	switch p := payload.(type) {
	case *protocol.CreateOrder:
		reply, err = e.createOrder(ctx, p)
	case *protocol.CancelOrder:
		reply, err = e.cancelOrder(ctx, p)
	case *protocol.GetOpenOrders:
		reply = e.openOrders(p)
	case *protocol.OnRamp:
		reply, err = e.onRamp(ctx, p)
	default:
		err = fmt.Errorf("%w: %T", protocol.ErrUnknownRequestType, payload)
	}
	if err != nil {
		slog.Debug("request rejected", "type", req.Type, "err", err)
		return errorReply(err)
	}
	return reply
}

// errorReply maps a handler error onto its reply code.
func errorReply(err error) protocol.Reply {
	code := protocol.CodeInternal
	switch {
	case errors.Is(err, protocol.ErrValidation):
		code = protocol.CodeValidation
	case errors.Is(err, ledger.ErrInsufficientFunds):
		code = protocol.CodeInsufficientFunds
	case errors.Is(err, ledger.ErrUserNotFound):
		code = protocol.CodeUserNotFound
	case errors.Is(err, orderbook.ErrOrderNotFound):
		code = protocol.CodeOrderNotFound
	case errors.Is(err, protocol.ErrUnknownRequestType):
		code = protocol.CodeUnknownRequestType
	default:
		slog.Error("request failed", "err", err)
	}
	return protocol.NewReply(protocol.ReplyError, protocol.ErrorResult{Code: code, Message: err.Error()})
}

// storeCtx bounds a lazy store read.
func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.StoreTimeout)
}

// persist enqueues a write-behind entry. A failed push is logged and counted;
// the in-memory change it describes stands.
func (e *Engine) persist(ctx context.Context, t protocol.EntryType, payload interface{}) {
	entry, err := protocol.NewEntry(t, payload, e.now())
	if err == nil {
		err = e.queue.Push(ctx, entry)
	}
	if err != nil {
		metrics.WriteBehindPushFailures.Inc()
		slog.Error("write-behind push failed", "type", t, "err", err)
	}
}

func (e *Engine) persistBalance(ctx context.Context, userID, asset string) {
	e.persist(ctx, protocol.EntryUpdateBalance, protocol.UpdateBalance{
		UserID:  userID,
		Asset:   asset,
		Balance: e.ledger.Balance(userID, asset),
	})
}

func (e *Engine) publishBook(market string) {
	if b, ok := e.books.Get(market); ok {
		e.publisher.Book(marketdata.Snapshot(b))
	}
}

// Snapshot returns the aggregated book of market. It reads engine state and
// must not be called while Run is active.
func (e *Engine) Snapshot(market string) marketdata.BookSnapshot {
	b, ok := e.books.Get(market)
	if !ok {
		return marketdata.Snapshot(orderbook.New(market))
	}
	return marketdata.Snapshot(b)
}
