package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/matching-engine/internal/market"
	"github.com/atmx/matching-engine/internal/protocol"
	"github.com/atmx/matching-engine/internal/store"
)

// checkMarket accepts a market id only when its topic exists. Topics missing
// from the registry are looked up in the store once and remembered.
func (e *Engine) checkMarket(ctx context.Context, marketID string) error {
	id, err := market.Parse(marketID)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrValidation, err)
	}
	if _, ok := e.topics[id.TopicID]; ok {
		return nil
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	t, err := e.src.GetTopic(sctx, id.TopicID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: unknown topic %q", protocol.ErrValidation, id.TopicID)
	}
	if err != nil {
		return fmt.Errorf("lookup topic %s: %w", id.TopicID, err)
	}
	e.topics[t.ID] = *t
	return nil
}
