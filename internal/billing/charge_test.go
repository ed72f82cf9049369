package billing

import (
	"errors"
	"testing"

	"github.com/kiroproxy/gateway/internal/gatewayerr"
	"github.com/kiroproxy/gateway/internal/money"
	"github.com/kiroproxy/gateway/internal/store"
)

func testIndex(t *testing.T, enabled bool) *Index {
	t.Helper()
	return NewIndex([]ModelPricing{
		{
			ModelID:           "claude-3-5-sonnet",
			InputPrice:        dec(t, "3.0"),
			OutputPrice:       dec(t, "15.0"),
			CacheWritePrice:   dec(t, "3.75"),
			CacheHitPrice:     dec(t, "0.3"),
			BillingMultiplier: dec(t, "1.0"),
		},
	}, PolicyDefault, ModelPricing{BillingMultiplier: dec(t, "1.0")}, enabled)
}

func TestCharge_BasicUsage(t *testing.T) {
	idx := testIndex(t, true)

	got, err := idx.Charge("claude-3-5-sonnet", Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000})
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	want := dec(t, "18.000000")
	if got.Cmp(want) != 0 {
		t.Errorf("Charge: got %s, want %s", got.StringFixed(DecimalPlaces), want.StringFixed(DecimalPlaces))
	}
}

func TestCharge_IncludesCacheDimensions(t *testing.T) {
	idx := testIndex(t, true)

	got, err := idx.Charge("claude-3-5-sonnet", Usage{
		PromptTokens:     1_000_000,
		CacheWriteTokens: 1_000_000,
		CacheHitTokens:   1_000_000,
	})
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	want := dec(t, "7.05")
	if got.Cmp(want) != 0 {
		t.Errorf("Charge: got %s, want %s", got.StringFixed(DecimalPlaces), want.StringFixed(DecimalPlaces))
	}
}

func TestCharge_AppliesMultiplier(t *testing.T) {
	idx := NewIndex([]ModelPricing{
		{ModelID: "m", InputPrice: dec(t, "1.0"), BillingMultiplier: dec(t, "2.0")},
	}, PolicyDefault, ModelPricing{}, true)

	got, err := idx.Charge("m", Usage{PromptTokens: 1_000_000})
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if got.Cmp(dec(t, "2.0")) != 0 {
		t.Errorf("Charge: got %s, want 2.0", got.StringFixed(DecimalPlaces))
	}
}

func TestCharge_ClampsNegativeTokens(t *testing.T) {
	idx := testIndex(t, true)
	got, err := idx.Charge("claude-3-5-sonnet", Usage{PromptTokens: -5, CompletionTokens: -5})
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected zero charge for negative token counts, got %s", got.String())
	}
}

func TestCharge_DisabledIsZero(t *testing.T) {
	idx := testIndex(t, false)
	got, err := idx.Charge("claude-3-5-sonnet", Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000})
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected zero charge when billing disabled, got %s", got.String())
	}
}

func TestCharge_UnknownModelReject(t *testing.T) {
	idx := NewIndex(nil, PolicyReject, ModelPricing{}, true)
	_, err := idx.Charge("nope", Usage{PromptTokens: 1})
	if err == nil {
		t.Fatal("expected error for unknown model under reject policy")
	}
}

func TestPreflightCharge_IncludesToolTokens(t *testing.T) {
	idx := testIndex(t, true)
	got, err := idx.PreflightCharge("claude-3-5-sonnet", 500_000, 500_000)
	if err != nil {
		t.Fatalf("PreflightCharge: %v", err)
	}
	want := dec(t, "3.0")
	if got.Cmp(want) != 0 {
		t.Errorf("PreflightCharge: got %s, want %s", got.StringFixed(DecimalPlaces), want.StringFixed(DecimalPlaces))
	}
}

func TestToMicros_FromMicros_RoundTrip(t *testing.T) {
	d := dec(t, "1.50")
	micros := ToMicros(d)
	if micros != 1_500_000 {
		t.Fatalf("ToMicros: got %d, want 1500000", micros)
	}
	back := FromMicros(micros)
	if back.Cmp(d) != 0 {
		t.Errorf("FromMicros: got %s, want %s", back.String(), d.String())
	}
}

type fakeLedger struct {
	balanceMicros int64
	deducted      int64
	sufficient    bool
	getErr        error
	deductErr     error
}

func (f *fakeLedger) HasSufficientBalance(userID string, requiredMicros int64) (bool, error) {
	if f.getErr != nil {
		return false, f.getErr
	}
	return f.balanceMicros >= requiredMicros, nil
}

func (f *fakeLedger) DeductBalance(userID string, amountMicros int64) error {
	if f.deductErr != nil {
		return f.deductErr
	}
	if f.balanceMicros < amountMicros {
		return store.ErrInsufficientBalance
	}
	f.balanceMicros -= amountMicros
	f.deducted += amountMicros
	return nil
}

func TestEnsureSufficientCredits_OK(t *testing.T) {
	idx := testIndex(t, true)
	ledger := &fakeLedger{balanceMicros: 10_000_000}

	if err := idx.EnsureSufficientCredits(ledger, "user-1", dec(t, "5.0")); err != nil {
		t.Fatalf("EnsureSufficientCredits: %v", err)
	}
}

func TestEnsureSufficientCredits_Insufficient(t *testing.T) {
	idx := testIndex(t, true)
	ledger := &fakeLedger{balanceMicros: 1_000}

	err := idx.EnsureSufficientCredits(ledger, "user-1", dec(t, "5.0"))
	if err == nil {
		t.Fatal("expected insufficient-credit error")
	}
	var gerr *gatewayerr.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected gatewayerr.Error, got %T", err)
	}
	if gerr.Kind != gatewayerr.KindInsufficientCredit {
		t.Errorf("Kind: got %v, want KindInsufficientCredit", gerr.Kind)
	}
}

func TestEnsureSufficientCredits_DisabledIsNoop(t *testing.T) {
	idx := testIndex(t, false)
	ledger := &fakeLedger{balanceMicros: 0}

	if err := idx.EnsureSufficientCredits(ledger, "user-1", dec(t, "5.0")); err != nil {
		t.Fatalf("expected no-op when disabled, got %v", err)
	}
}

func TestDeductForUsage_Charges(t *testing.T) {
	idx := testIndex(t, true)
	ledger := &fakeLedger{balanceMicros: 100_000_000}

	charged, err := idx.DeductForUsage(ledger, "user-1", "claude-3-5-sonnet", Usage{PromptTokens: 1_000_000})
	if err != nil {
		t.Fatalf("DeductForUsage: %v", err)
	}
	if charged.IsZero() {
		t.Error("expected non-zero charge")
	}
	if ledger.deducted != ToMicros(charged) {
		t.Errorf("ledger deducted %d micros, want %d", ledger.deducted, ToMicros(charged))
	}
}

func TestDeductForUsage_ZeroChargeIsNoop(t *testing.T) {
	idx := testIndex(t, true)
	ledger := &fakeLedger{balanceMicros: 100}

	charged, err := idx.DeductForUsage(ledger, "user-1", "claude-3-5-sonnet", Usage{})
	if err != nil {
		t.Fatalf("DeductForUsage: %v", err)
	}
	if !charged.IsZero() {
		t.Errorf("expected zero charge for empty usage, got %s", charged.String())
	}
	if ledger.deducted != 0 {
		t.Errorf("expected no deduction, got %d", ledger.deducted)
	}
}

func TestDeductForUsage_InsufficientBalance(t *testing.T) {
	idx := testIndex(t, true)
	ledger := &fakeLedger{balanceMicros: 1}

	_, err := idx.DeductForUsage(ledger, "user-1", "claude-3-5-sonnet", Usage{PromptTokens: 1_000_000})
	if err == nil {
		t.Fatal("expected error when ledger deduction fails")
	}
	var gerr *gatewayerr.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected gatewayerr.Error, got %T", err)
	}
	if gerr.Kind != gatewayerr.KindInsufficientCredit {
		t.Errorf("Kind: got %v, want KindInsufficientCredit", gerr.Kind)
	}
}

func TestDeductForUsage_StoreErrorIsInternal(t *testing.T) {
	idx := testIndex(t, true)
	ledger := &fakeLedger{balanceMicros: 100_000_000, deductErr: errors.New("database is locked")}

	_, err := idx.DeductForUsage(ledger, "user-1", "claude-3-5-sonnet", Usage{PromptTokens: 1_000_000})
	if err == nil {
		t.Fatal("expected error when ledger deduction fails with a store error")
	}
	var gerr *gatewayerr.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected gatewayerr.Error, got %T", err)
	}
	if gerr.Kind != gatewayerr.KindInternal {
		t.Errorf("Kind: got %v, want KindInternal, a raw store error must not surface as insufficient credit", gerr.Kind)
	}
}
