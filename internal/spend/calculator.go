package spend

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/praxisllmlab/tianjibatch/internal/config"
)

// Calculator computes the cost of a remote call from its token counts.
// Pricing set on the API config wins; the optional model price table is
// consulted only when the config carries no prices.
type Calculator struct {
	mu     sync.RWMutex
	prices map[string]ModelPricing
}

// ModelPricing holds the price per 1K tokens for a model.
type ModelPricing struct {
	Currency             string  `json:"currency"`
	PromptPricePer1K     float64 `json:"prompt_price_per_1k"`
	CompletionPricePer1K float64 `json:"completion_price_per_1k"`
}

// NewCalculator creates a Calculator, loading the model price table from
// pricingPath when it is set.
func NewCalculator(pricingPath string) (*Calculator, error) {
	c := &Calculator{prices: make(map[string]ModelPricing)}
	if pricingPath == "" {
		return c, nil
	}

	data, err := os.ReadFile(pricingPath)
	if err != nil {
		return nil, fmt.Errorf("read pricing %s: %w", pricingPath, err)
	}
	var prices map[string]ModelPricing
	if err := json.Unmarshal(data, &prices); err != nil {
		return nil, fmt.Errorf("parse pricing %s: %w", pricingPath, err)
	}
	c.prices = prices
	return c, nil
}

// Pricing returns the effective pricing for api.
func (c *Calculator) Pricing(api config.APIConfig) ModelPricing {
	if api.PromptPricePer1K > 0 || api.CompletionPricePer1K > 0 {
		return ModelPricing{
			Currency:             currencyOrDefault(api.Currency),
			PromptPricePer1K:     api.PromptPricePer1K,
			CompletionPricePer1K: api.CompletionPricePer1K,
		}
	}
	if c == nil {
		return ModelPricing{Currency: currencyOrDefault(api.Currency)}
	}

	c.mu.RLock()
	p, ok := c.prices[api.Model]
	c.mu.RUnlock()
	if !ok {
		return ModelPricing{Currency: currencyOrDefault(api.Currency)}
	}
	p.Currency = currencyOrDefault(p.Currency)
	return p
}

// Calculate returns the cost of one call.
func (c *Calculator) Calculate(api config.APIConfig, promptTokens, completionTokens int) float64 {
	p := c.Pricing(api)
	return float64(promptTokens)/1000*p.PromptPricePer1K +
		float64(completionTokens)/1000*p.CompletionPricePer1K
}

func currencyOrDefault(c string) string {
	if c == "" {
		return "USD"
	}
	return c
}
