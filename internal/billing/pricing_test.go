package billing

import (
	"testing"

	"github.com/kiroproxy/gateway/internal/money"
)

func dec(t *testing.T, s string) money.Decimal {
	t.Helper()
	d, err := money.FromString(s)
	if err != nil {
		t.Fatalf("money.FromString(%q): %v", s, err)
	}
	return d
}

func TestIndex_Resolve_ExactMatch(t *testing.T) {
	idx := NewIndex([]ModelPricing{
		{ModelID: "claude-3-5-sonnet", InputPrice: dec(t, "3.0"), OutputPrice: dec(t, "15.0"), BillingMultiplier: dec(t, "1.0")},
	}, PolicyDefault, ModelPricing{}, true)

	p, err := idx.Resolve("claude-3-5-sonnet")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.InputPrice.Cmp(dec(t, "3.0")) != 0 {
		t.Errorf("InputPrice: got %s, want 3.0", p.InputPrice.String())
	}
}

func TestIndex_Resolve_NormalizedDateSuffix(t *testing.T) {
	idx := NewIndex([]ModelPricing{
		{ModelID: "claude-3-5-sonnet", InputPrice: dec(t, "3.0"), BillingMultiplier: dec(t, "1.0")},
	}, PolicyDefault, ModelPricing{}, true)

	p, err := idx.Resolve("claude-3-5-sonnet-20241022")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.InputPrice.Cmp(dec(t, "3.0")) != 0 {
		t.Errorf("InputPrice: got %s, want 3.0", p.InputPrice.String())
	}
}

func TestIndex_Resolve_CaseInsensitive(t *testing.T) {
	idx := NewIndex([]ModelPricing{
		{ModelID: "Claude-3-5-Sonnet", InputPrice: dec(t, "3.0"), BillingMultiplier: dec(t, "1.0")},
	}, PolicyDefault, ModelPricing{}, true)

	if _, err := idx.Resolve("claude-3-5-sonnet"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestIndex_Resolve_UnknownModel_Reject(t *testing.T) {
	idx := NewIndex(nil, PolicyReject, ModelPricing{}, true)

	_, err := idx.Resolve("gpt-unknown")
	var unknownErr *UnknownModelError
	if err == nil {
		t.Fatal("expected UnknownModelError")
	}
	if e, ok := err.(*UnknownModelError); ok {
		unknownErr = e
	}
	if unknownErr == nil {
		t.Fatalf("got %v (%T), want *UnknownModelError", err, err)
	}
}

func TestIndex_Resolve_UnknownModel_Free(t *testing.T) {
	idx := NewIndex(nil, PolicyFree, ModelPricing{InputPrice: dec(t, "99")}, true)

	p, err := idx.Resolve("gpt-unknown")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !p.InputPrice.IsZero() {
		t.Errorf("expected free-policy pricing to have zero input price, got %s", p.InputPrice.String())
	}
}

func TestIndex_Resolve_UnknownModel_Default(t *testing.T) {
	fallback := ModelPricing{InputPrice: dec(t, "3.0"), OutputPrice: dec(t, "15.0"), BillingMultiplier: dec(t, "1.0")}
	idx := NewIndex(nil, PolicyDefault, fallback, true)

	p, err := idx.Resolve("gpt-unknown")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.ModelID != "gpt-unknown" {
		t.Errorf("ModelID: got %q, want %q", p.ModelID, "gpt-unknown")
	}
	if p.InputPrice.Cmp(fallback.InputPrice) != 0 {
		t.Errorf("InputPrice: got %s, want %s", p.InputPrice.String(), fallback.InputPrice.String())
	}
}

func TestIndex_ModelIDs(t *testing.T) {
	idx := NewIndex([]ModelPricing{
		{ModelID: "model-a"},
		{ModelID: "model-b"},
	}, PolicyDefault, ModelPricing{}, true)

	ids := idx.ModelIDs()
	if len(ids) != 2 {
		t.Fatalf("ModelIDs: got %d entries, want 2 (got %v)", len(ids), ids)
	}
}

func TestIndex_Enabled(t *testing.T) {
	if !NewIndex(nil, PolicyDefault, ModelPricing{}, true).Enabled() {
		t.Error("expected Enabled() true")
	}
	if NewIndex(nil, PolicyDefault, ModelPricing{}, false).Enabled() {
		t.Error("expected Enabled() false")
	}
}
