package litellm

import (
	"context"
	"errors"
	"fmt"

	"github.com/Strob0t/Switchyard/internal/port/assist"
)

// ErrUnknownModel is returned by PriceTable for models without a price.
var ErrUnknownModel = errors.New("no price for model")

var _ assist.CostEstimator = (*PriceTable)(nil)

// PriceTable estimates call cost from a per-1k-token price list and a
// characters-per-token ratio.
type PriceTable struct {
	prices        map[string]float64
	charsPerToken int
}

// NewPriceTable creates an estimator. charsPerToken below 1 means 4.
func NewPriceTable(pricePer1K map[string]float64, charsPerToken int) *PriceTable {
	if charsPerToken < 1 {
		charsPerToken = 4
	}
	return &PriceTable{prices: pricePer1K, charsPerToken: charsPerToken}
}

// Estimate implements assist.CostEstimator. The prompt is counted twice to
// cover an answer of similar size.
func (p *PriceTable) Estimate(_ context.Context, req assist.CostRequest) (assist.CostEstimate, error) {
	price, ok := p.prices[req.Model]
	if !ok {
		return assist.CostEstimate{}, fmt.Errorf("%w %q", ErrUnknownModel, req.Model)
	}
	tokens := 2 * (len(req.Prompt)/p.charsPerToken + 1)
	return assist.CostEstimate{
		USD:    float64(tokens) / 1000 * price,
		Tokens: tokens,
	}, nil
}
