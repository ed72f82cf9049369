package billing

import (
	"errors"

	"github.com/kiroproxy/gateway/internal/gatewayerr"
	"github.com/kiroproxy/gateway/internal/money"
	"github.com/kiroproxy/gateway/internal/store"
)

// Usage holds token counts under the gateway's own field names. This
// package parses no usage JSON: it reads neither OpenAI's
// (prompt_tokens/completion_tokens/...) nor Anthropic's
// (input_tokens/output_tokens/...) spellings, and callers fill the fields
// from the counts they already hold.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	CacheWriteTokens int64
	CacheHitTokens   int64
	// Estimated marks usage that was filled in from internal/tokenizer's
	// estimate rather than read off an upstream usage frame (spec.md §0's
	// resolution: estimated tokens are chargeable by default, gated by
	// the DownweightEstimated config switch applied by the caller).
	Estimated bool
}

// clamp mirrors _extract_usage_tokens's max(x, 0) clamp against negative
// or malformed counts.
func clamp(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// Charge computes the exact charge for a usage record against modelID's
// resolved pricing: calculate_charge_from_usage's formula —
//
//	subtotal = (prompt*input + completion*output + cache_write*cache_write + cache_hit*cache_hit) / 1_000_000
//	charged  = max(subtotal * multiplier, 0), quantized to DecimalPlaces half-up
//
// Returns an exact zero without resolving pricing at all when billing is
// disabled, matching calculate_charge_from_usage's short-circuit.
func (idx *Index) Charge(modelID string, usage Usage) (money.Decimal, error) {
	if !idx.enabled {
		return money.Zero(), nil
	}
	pricing, err := idx.Resolve(modelID)
	if err != nil {
		return money.Decimal{}, err
	}

	prompt := money.FromInt64(clamp(usage.PromptTokens))
	completion := money.FromInt64(clamp(usage.CompletionTokens))
	cacheWrite := money.FromInt64(clamp(usage.CacheWriteTokens))
	cacheHit := money.FromInt64(clamp(usage.CacheHitTokens))

	weighted := prompt.Mul(pricing.InputPrice).
		Add(completion.Mul(pricing.OutputPrice)).
		Add(cacheWrite.Mul(pricing.CacheWritePrice)).
		Add(cacheHit.Mul(pricing.CacheHitPrice))

	subtotal := weighted.Quo(money.FromInt64(MicrosPerUnit))
	charged := subtotal.Mul(pricing.BillingMultiplier)
	charged = money.Max(charged, money.Zero())
	return charged.Quantize(DecimalPlaces, money.RoundHalfUp), nil
}

// PreflightCharge estimates the charge for promptTokens (plus an optional
// tool-definition token count) with zero completion/cache usage, for the
// preflight balance check performed before the upstream request is sent
// (calculate_preflight_charge).
func (idx *Index) PreflightCharge(modelID string, promptTokens, toolTokens int64) (money.Decimal, error) {
	return idx.Charge(modelID, Usage{PromptTokens: promptTokens + toolTokens})
}

// ToMicros converts a charge to the integer micro-dollar unit the ledger
// persists. d must already be quantized to DecimalPlaces or fewer.
func ToMicros(d money.Decimal) int64 {
	scaled := d.Mul(money.FromInt64(MicrosPerUnit))
	rounded := scaled.Quantize(0, money.RoundHalfUp)
	micros, _ := parseIntDecimal(rounded.String())
	return micros
}

// FromMicros converts an integer micro-dollar ledger balance back to an
// exact money.Decimal for display.
func FromMicros(micros int64) money.Decimal {
	return money.FromInt64(micros).Quo(money.FromInt64(MicrosPerUnit))
}

func parseIntDecimal(s string) (int64, error) {
	var neg bool
	var n int64
	for i, r := range s {
		if i == 0 && r == '-' {
			neg = true
			continue
		}
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int64(r-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

// Ledger is the subset of *store.Store the billing package depends on,
// kept as a narrow interface so tests can supply an in-memory fake
// instead of a real SQLite file.
type Ledger interface {
	HasSufficientBalance(userID string, requiredMicros int64) (bool, error)
	DeductBalance(userID string, amountMicros int64) error
}

// EnsureSufficientCredits implements ensure_user_has_sufficient_credits:
// a no-op when billing is disabled or the required amount is zero or
// negative, otherwise a read-only balance check that returns a
// KindInsufficientCredit gatewayerr.Error on failure.
func (idx *Index) EnsureSufficientCredits(ledger Ledger, userID string, required money.Decimal) error {
	if !idx.enabled || required.Sign() <= 0 {
		return nil
	}
	ok, err := ledger.HasSufficientBalance(userID, ToMicros(required))
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindInternal, "checking credit balance", err)
	}
	if !ok {
		return gatewayerr.New(gatewayerr.KindInsufficientCredit, "insufficient credits for this request")
	}
	return nil
}

// DeductForUsage implements deduct_credits_for_usage: computes the charge,
// no-ops if it is zero or billing is disabled, otherwise performs the
// atomic conditional deduction. Only a genuine insufficient-balance result
// maps to KindInsufficientCredit (HTTP 402); any other ledger failure
// (a store/DB error) maps to KindInternal (HTTP 500) instead of masquerading
// as a credit problem.
func (idx *Index) DeductForUsage(ledger Ledger, userID, modelID string, usage Usage) (money.Decimal, error) {
	charge, err := idx.Charge(modelID, usage)
	if err != nil {
		return money.Zero(), err
	}
	if charge.Sign() <= 0 {
		return money.Zero(), nil
	}
	if err := ledger.DeductBalance(userID, ToMicros(charge)); err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			return money.Zero(), gatewayerr.New(gatewayerr.KindInsufficientCredit, "insufficient credits for this request")
		}
		return money.Zero(), gatewayerr.Wrap(gatewayerr.KindInternal, "deducting credits for usage", err)
	}
	return charge, nil
}
