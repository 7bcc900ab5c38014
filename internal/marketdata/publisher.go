package marketdata

import (
	"context"
	"log/slog"

	"github.com/atmx/matching-engine/internal/metrics"
)

type event struct {
	book  *BookSnapshot
	trade *TradePrint
}

// Publisher queues market data for a Broadcaster without ever blocking the
// caller. Snapshots and trade prints have separate buffers. A snapshot that
// finds its buffer full is dropped, since the next one for the market
// supersedes it. Trade prints are not superseded, so they wait in their own
// buffer and are delivered ahead of pending snapshots; a print is lost only
// when that buffer is full too, counted under the "trade" stage.
type Publisher struct {
	books  chan event
	trades chan event
	b      Broadcaster
}

func NewPublisher(b Broadcaster, buffer int) *Publisher {
	return &Publisher{
		books:  make(chan event, buffer),
		trades: make(chan event, buffer),
		b:      b,
	}
}

// Book queues a snapshot.
func (p *Publisher) Book(s BookSnapshot) {
	select {
	case p.books <- event{book: &s}:
	default:
		metrics.MarketDataDropped.WithLabelValues("publisher").Inc()
	}
}

// Trade queues a trade print.
func (p *Publisher) Trade(t TradePrint) {
	select {
	case p.trades <- event{trade: &t}:
	default:
		metrics.MarketDataDropped.WithLabelValues("trade").Inc()
		slog.Error("trade print dropped", "market", t.Market, "price", t.Price, "quantity", t.Quantity)
	}
}

// Run delivers queued events until ctx is done. Each kind keeps its order;
// pending prints go out before pending snapshots.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case e := <-p.trades:
			p.deliver(ctx, e)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case e := <-p.trades:
			p.deliver(ctx, e)
		case e := <-p.books:
			p.deliver(ctx, e)
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, e event) {
	switch {
	case e.book != nil:
		if err := p.b.PublishBook(ctx, *e.book); err != nil {
			slog.Warn("publish book snapshot", "market", e.book.Market, "err", err)
		}
	case e.trade != nil:
		if err := p.b.PublishTrade(ctx, *e.trade); err != nil {
			slog.Warn("publish trade", "market", e.trade.Market, "err", err)
		}
	}
}
