package store

import (
	"context"
	"fmt"

	"github.com/atmx/matching-engine/internal/model"
	"github.com/atmx/matching-engine/internal/protocol"
)

// Apply decodes a write-behind entry and hands it to the matching Writer
// method.
func Apply(ctx context.Context, w Writer, e protocol.Entry) error {
	payload, err := protocol.DecodeEntry(e)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *model.Order:
		return w.CreateOrder(ctx, p)
	case *protocol.UpdateOrder:
		return w.UpdateOrder(ctx, p.OrderID, p.Status, p.RemainingQuantity)
	case *model.Trade:
		return w.CreateTrade(ctx, p)
	case *protocol.UpdateBalance:
		return w.UpdateBalance(ctx, p.UserID, p.Asset, p.Balance)
	default:
		return fmt.Errorf("apply %s: unexpected payload %T", e.Type, payload)
	}
}
