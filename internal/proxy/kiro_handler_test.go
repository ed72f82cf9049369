package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kiroproxy/gateway/internal/batch"
	"github.com/kiroproxy/gateway/internal/billing"
	"github.com/kiroproxy/gateway/internal/money"
	"github.com/kiroproxy/gateway/internal/tokenizer"
)

func testHandler(t *testing.T) *KiroHandler {
	t.Helper()
	pricing := billing.NewIndex([]billing.ModelPricing{
		{ModelID: "claude-3-5-sonnet", InputPrice: money.FromInt64(3), OutputPrice: money.FromInt64(15), BillingMultiplier: money.FromInt64(1)},
	}, billing.PolicyDefault, billing.ModelPricing{BillingMultiplier: money.FromInt64(1)}, false)

	h := NewKiroHandler(nil, nil, tokenizer.New(), pricing, nil, batch.NewRegistry(), zerolog.Nop(), func(region string) string { return "https://example.invalid" })
	return h
}

func TestKiroHandler_HandleModels(t *testing.T) {
	h := testHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()

	h.HandleModels(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var body struct {
		Object string                   `json:"object"`
		Data   []map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Object != "list" {
		t.Errorf("object: got %q, want list", body.Object)
	}
	if len(body.Data) != 1 || body.Data[0]["id"] != "claude-3-5-sonnet" {
		t.Errorf("data: got %+v", body.Data)
	}
}

func TestKiroHandler_HandleModelByID_Found(t *testing.T) {
	h := testHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models/claude-3-5-sonnet", nil)
	rec := httptest.NewRecorder()

	h.HandleModelByID(rec, req, "claude-3-5-sonnet")

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
}

func TestKiroHandler_HandleModelByID_NotFound(t *testing.T) {
	h := testHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models/nope", nil)
	rec := httptest.NewRecorder()

	h.HandleModelByID(rec, req, "nope")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", rec.Code)
	}
}

func TestKiroHandler_HandleCountTokens(t *testing.T) {
	h := testHandler(t)
	body := []byte(`{"model":"claude-3-5-sonnet","messages":[{"role":"user","content":"hello there"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.HandleCountTokens(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var out struct {
		InputTokens int `json:"input_tokens"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.InputTokens <= 0 {
		t.Errorf("InputTokens: got %d, want > 0", out.InputTokens)
	}
}

func TestKiroHandler_HandleCountTokens_InvalidBody(t *testing.T) {
	h := testHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader("not json"))
	rec := httptest.NewRecorder()

	h.HandleCountTokens(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
}

func TestKiroHandler_BatchLifecycle_WithoutDispatch(t *testing.T) {
	h := testHandler(t)
	b := h.Batches.Create(nil)

	rec := httptest.NewRecorder()
	h.HandleGetBatch(rec, httptest.NewRequest(http.MethodGet, "/v1/messages/batches/"+b.ID, nil), b.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("HandleGetBatch status: got %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.HandleCancelBatch(rec, httptest.NewRequest(http.MethodPost, "/v1/messages/batches/"+b.ID+"/cancel", nil), b.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("HandleCancelBatch status: got %d, want 200", rec.Code)
	}
	var envelope struct {
		ProcessingStatus string `json:"processing_status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.ProcessingStatus != string(batch.StatusCanceling) {
		t.Errorf("ProcessingStatus: got %q, want %q", envelope.ProcessingStatus, batch.StatusCanceling)
	}
}

func TestKiroHandler_HandleGetBatch_NotFound(t *testing.T) {
	h := testHandler(t)
	rec := httptest.NewRecorder()
	h.HandleGetBatch(rec, httptest.NewRequest(http.MethodGet, "/v1/messages/batches/msgbatch_nope", nil), "msgbatch_nope")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", rec.Code)
	}
}

func TestKiroHandler_HandleBatchResults(t *testing.T) {
	h := testHandler(t)
	b := h.Batches.Create([]batch.Item{{CustomID: "a"}})
	batch.Run(context.Background(), b, 1, func(ctx context.Context, item batch.Item) (map[string]interface{}, error) {
		return map[string]interface{}{"role": "assistant"}, nil
	})

	rec := httptest.NewRecorder()
	h.HandleBatchResults(rec, httptest.NewRequest(http.MethodGet, "/v1/messages/batches/"+b.ID+"/results", nil), b.ID)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
}
