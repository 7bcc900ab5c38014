package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atmx/matching-engine/internal/config"
	"github.com/atmx/matching-engine/internal/market"
	"github.com/atmx/matching-engine/internal/model"
	"github.com/atmx/matching-engine/internal/store"
)

// seedTopics creates the configured topics in an in-memory store so that
// their markets can trade without a database.
func seedTopics(ctx context.Context, ms *store.MemoryStore, seeds []config.SeedTopic) error {
	if len(seeds) == 0 {
		return fmt.Errorf("in-memory store has no topics: set SEED_TOPICS or DATABASE_URL")
	}
	for _, s := range seeds {
		markets := market.ForTopic(s.ID)
		for _, m := range markets {
			if _, err := market.Parse(m.String()); err != nil {
				return fmt.Errorf("seed topic %q: %w", s.ID, err)
			}
		}
		if err := ms.CreateTopic(ctx, &model.Topic{ID: s.ID, Title: s.Title}); err != nil {
			return fmt.Errorf("seed topic %q: %w", s.ID, err)
		}
		slog.Info("topic seeded", "topic", s.ID, "markets", []string{markets[0].String(), markets[1].String()})
	}
	return nil
}
