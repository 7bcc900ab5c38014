package engine

import (
	"context"

	"github.com/atmx/matching-engine/internal/market"
	"github.com/atmx/matching-engine/internal/protocol"
)

// loadUser caches userID's balances, failing with ledger.ErrUserNotFound for
// users the store does not know.
func (e *Engine) loadUser(ctx context.Context, userID string) error {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.ledger.Load(ctx, userID)
}

// onRamp credits a deposit. Unknown users are created with empty balances.
func (e *Engine) onRamp(ctx context.Context, req *protocol.OnRamp) (protocol.Reply, error) {
	if req.Asset != market.QuoteAsset {
		if err := e.checkMarket(ctx, req.Asset); err != nil {
			return protocol.Reply{}, err
		}
	}

	sctx, cancel := e.storeCtx(ctx)
	err := e.ledger.Ensure(sctx, req.UserID)
	cancel()
	if err != nil {
		return protocol.Reply{}, err
	}

	balance, err := e.ledger.Credit(req.UserID, req.Asset, req.Amount)
	if err != nil {
		return protocol.Reply{}, err
	}
	e.persistBalance(ctx, req.UserID, req.Asset)

	return protocol.NewReply(protocol.ReplyOnRampSuccess, protocol.OnRampResult{
		UserID:  req.UserID,
		Asset:   req.Asset,
		Balance: balance,
	}), nil
}
