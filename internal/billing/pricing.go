// Package billing implements exact-decimal cost computation, the
// preflight balance check, and the atomic ledger deduction (spec.md §4.7),
// grounded on kiro/billing.py's ModelPricing/calculate_charge_from_usage/
// ensure_user_has_sufficient_credits/deduct_credits_for_usage.
//
// Unlike the original, global module-level pricing cache, this package's
// index is built once at config load and threaded through explicitly
// (spec.md §9's redesign note: "Global singletons ... lift into an
// explicit context value threaded through the request pipeline").
package billing

import (
	"strings"

	"github.com/kiroproxy/gateway/internal/money"
)

// DecimalPlaces is the fixed output precision for a charged amount
// (BILLING_DECIMAL_PLACES in the original).
const DecimalPlaces = 6

// MicrosPerUnit scales a money.Decimal to the integer micro-dollar unit
// the store's ledger table persists (1 USD = 1,000,000 micros).
const MicrosPerUnit = 1_000_000

// UnknownModelPolicy controls _resolve_model_pricing's miss behavior.
type UnknownModelPolicy string

const (
	PolicyFree   UnknownModelPolicy = "free"
	PolicyReject UnknownModelPolicy = "reject"
	PolicyDefault UnknownModelPolicy = "default"
)

// ModelPricing mirrors kiro/billing.py's frozen ModelPricing dataclass:
// per-million-token prices for each usage dimension, plus a billing
// multiplier applied to the subtotal.
type ModelPricing struct {
	ModelID           string
	InputPrice        money.Decimal // per 1M prompt tokens
	OutputPrice       money.Decimal // per 1M completion tokens
	CacheWritePrice   money.Decimal // per 1M cache-write tokens
	CacheHitPrice     money.Decimal // per 1M cache-hit tokens
	BillingMultiplier money.Decimal
}

// Index resolves a model id to its pricing, the way _build_pricing_index/
// _resolve_model_pricing do: indexed by both the raw-lowercase and the
// normalized-lowercase model id, falling back per UnknownModelPolicy on
// a miss.
type Index struct {
	byKey     map[string]ModelPricing
	policy    UnknownModelPolicy
	defaultP  ModelPricing
	enabled   bool
}

// NewIndex builds a pricing index from the configured per-model table.
// defaultPricing and policy implement _default_pricing/the unknown-model
// fallback; enabled mirrors BILLING_ENABLED, short-circuiting every
// charge computation to zero when false.
func NewIndex(models []ModelPricing, policy UnknownModelPolicy, defaultPricing ModelPricing, enabled bool) *Index {
	idx := &Index{byKey: make(map[string]ModelPricing, len(models)*2), policy: policy, defaultP: defaultPricing, enabled: enabled}
	for _, m := range models {
		idx.byKey[strings.ToLower(m.ModelID)] = m
		if norm := normalizeModelName(m.ModelID); norm != "" {
			idx.byKey[norm] = m
		}
	}
	return idx
}

// Enabled reports whether billing is turned on at all.
func (idx *Index) Enabled() bool { return idx.enabled }

// ModelIDs lists the distinct model ids this index has explicit pricing
// for, for the /v1/models listing endpoint. Order is unspecified.
func (idx *Index) ModelIDs() []string {
	seen := make(map[string]bool, len(idx.byKey))
	out := make([]string, 0, len(idx.byKey))
	for _, p := range idx.byKey {
		if seen[p.ModelID] {
			continue
		}
		seen[p.ModelID] = true
		out = append(out, p.ModelID)
	}
	return out
}

// Resolve finds the pricing row for modelID, applying the configured
// unknown-model policy on a miss.
func (idx *Index) Resolve(modelID string) (ModelPricing, error) {
	key := strings.ToLower(modelID)
	if p, ok := idx.byKey[key]; ok {
		return p, nil
	}
	if norm := normalizeModelName(modelID); norm != "" {
		if p, ok := idx.byKey[norm]; ok {
			return p, nil
		}
	}
	switch idx.policy {
	case PolicyFree:
		return ModelPricing{ModelID: modelID, BillingMultiplier: money.FromInt64(1)}, nil
	case PolicyReject:
		return ModelPricing{}, &UnknownModelError{ModelID: modelID}
	default:
		p := idx.defaultP
		p.ModelID = modelID
		return p, nil
	}
}

// UnknownModelError mirrors kiro/billing.py's UnknownModelPricingError.
type UnknownModelError struct {
	ModelID string
}

func (e *UnknownModelError) Error() string {
	return "billing: no pricing configured for model " + e.ModelID
}

// normalizeModelName trims, lowercases, and strips a trailing -YYYYMMDD
// date suffix (no other decoration is removed) so "claude-3-5-sonnet-20241022" and
// "claude-3-5-sonnet" share a pricing row, mirroring
// _normalize_pricing_key's use of a normalize_model_name helper.
func normalizeModelName(modelID string) string {
	s := strings.ToLower(strings.TrimSpace(modelID))
	if s == "" {
		return ""
	}
	// Strip a trailing -YYYYMMDD date suffix, if present.
	if idx := strings.LastIndex(s, "-"); idx >= 0 && len(s)-idx-1 == 8 {
		suffix := s[idx+1:]
		allDigits := true
		for _, r := range suffix {
			if r < '0' || r > '9' {
				allDigits = false
				break
			}
		}
		if allDigits {
			s = s[:idx]
		}
	}
	return s
}
