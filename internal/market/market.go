// Package market handles market and asset identifier parsing and the
// reservation rules that follow from them.
//
// A market id has the form {topicId}-{yes|no}-usd and names one tradeable
// outcome of one topic quoted in USD. The same string is the asset id of the
// outcome shares held in the balance ledger.
package market

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/matching-engine/internal/model"
)

// QuoteAsset is the asset every market is priced in.
const QuoteAsset = "USD"

// Outcomes of a binary topic.
const (
	OutcomeYes = "yes"
	OutcomeNo  = "no"
)

// idRegex matches: {topicId}-{yes|no}-usd
// Example: 1-yes-usd, election2028-no-usd
var idRegex = regexp.MustCompile(`^([A-Za-z0-9_]+)-(yes|no)-usd$`)

var (
	ErrInvalidMarket = errors.New("market: invalid market id")
	ErrInvalidAsset  = errors.New("market: invalid asset id")
)

// ID is a parsed market identifier.
type ID struct {
	TopicID string `json:"topic_id"`
	Outcome string `json:"outcome"`
}

// Parse parses and validates a market id string.
func Parse(s string) (ID, error) {
	m := idRegex.FindStringSubmatch(s)
	if m == nil {
		return ID{}, fmt.Errorf("%w: %q (expected {topicId}-{yes|no}-usd)", ErrInvalidMarket, s)
	}
	return ID{TopicID: m[1], Outcome: m[2]}, nil
}

// New builds the market id for one outcome of a topic.
func New(topicID, outcome string) ID {
	return ID{TopicID: topicID, Outcome: outcome}
}

// ForTopic returns both market ids of a topic, yes first.
func ForTopic(topicID string) []ID {
	return []ID{New(topicID, OutcomeYes), New(topicID, OutcomeNo)}
}

func (id ID) String() string {
	return id.TopicID + "-" + id.Outcome + "-" + strings.ToLower(QuoteAsset)
}

// Asset returns the share asset id traded in this market.
func (id ID) Asset() string {
	return id.String()
}

// ValidateAsset accepts "USD" or any well-formed share asset id.
func ValidateAsset(asset string) error {
	if asset == QuoteAsset {
		return nil
	}
	if _, err := Parse(asset); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAsset, asset)
	}
	return nil
}

// Requirement returns the asset and amount an order must reserve upfront:
// price*quantity USD for a buy, quantity shares of the market for a sell.
func Requirement(marketID string, side model.Side, price, quantity decimal.Decimal) (string, decimal.Decimal) {
	if side == model.SideBuy {
		return QuoteAsset, price.Mul(quantity)
	}
	return marketID, quantity
}
