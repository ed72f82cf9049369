package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/google/uuid"

	"github.com/kiroproxy/gateway/internal/auth"
	"github.com/kiroproxy/gateway/internal/batch"
	"github.com/kiroproxy/gateway/internal/billing"
	"github.com/kiroproxy/gateway/internal/encode"
	"github.com/kiroproxy/gateway/internal/gatewayerr"
	"github.com/kiroproxy/gateway/internal/httpengine"
	"github.com/kiroproxy/gateway/internal/kiroevent"
	"github.com/kiroproxy/gateway/internal/pipeline"
	"github.com/kiroproxy/gateway/internal/store"
	"github.com/kiroproxy/gateway/internal/tokenizer"
	"github.com/kiroproxy/gateway/internal/tracing"
	"github.com/kiroproxy/gateway/internal/translate"
)

// KiroHandler serves the gateway's client-facing surface (spec.md §3, §6):
// it ties the request translator, the HTTP Engine, the stream demuxer, the
// response encoders, and billing together behind one HTTP handler per
// route, grounded on routes.py's request handlers.
type KiroHandler struct {
	Engine    *httpengine.Engine
	AuthMgr   *auth.Manager
	Tokenizer *tokenizer.Tokenizer
	Pricing   *billing.Index
	Ledger    *store.Store
	Batches   *batch.Registry
	Log       zerolog.Logger

	// HostFor builds the Kiro streaming-service host for a region, e.g.
	// "https://q.us-east-1.amazonaws.com". Overridable for tests.
	HostFor func(region string) string

	DefaultOrigin       translate.Origin
	DownweightEstimated bool
	BatchConcurrency    int

	modelsCache *lru.Cache[string, modelsCacheEntry]
}

type modelsCacheEntry struct {
	models    []string
	fetchedAt time.Time
}

// NewKiroHandler constructs a KiroHandler with its models cache sized per
// spec.md §2's lru-cache wiring for the /v1/models surface.
func NewKiroHandler(engine *httpengine.Engine, authMgr *auth.Manager, tok *tokenizer.Tokenizer, pricing *billing.Index, ledger *store.Store, batches *batch.Registry, log zerolog.Logger, hostFor func(string) string) *KiroHandler {
	cache, _ := lru.New[string, modelsCacheEntry](8)
	return &KiroHandler{
		Engine: engine, AuthMgr: authMgr, Tokenizer: tok, Pricing: pricing,
		Ledger: ledger, Batches: batches, Log: log, HostFor: hostFor,
		DefaultOrigin: translate.OriginAIEditor, BatchConcurrency: batch.DefaultMaxConcurrency,
		modelsCache: cache,
	}
}

// HandleMessages serves POST /v1/messages (Anthropic dialect).
func (h *KiroHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "could not read request body")
		return
	}
	req, err := ParseAnthropicRequest(body)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	h.serve(w, r, req, pipeline.FormatAnthropic)
}

// HandleChatCompletions serves POST /v1/chat/completions (OpenAI dialect).
func (h *KiroHandler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "could not read request body")
		return
	}
	req, err := ParseOpenAIRequest(body)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	h.serve(w, r, req, pipeline.FormatOpenAI)
}

func (h *KiroHandler) serve(w http.ResponseWriter, r *http.Request, req *pipeline.Request, format pipeline.APIFormat) {
	ctx := r.Context()
	userID, _ := UserFromContext(ctx)
	req.Format = format
	req.ToolChoice = translate.NormalizeToolChoice(format, req.ToolChoice)

	normalized, err := translate.NormalizeMessages(req)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	promptTokens := h.Tokenizer.EstimateMessages(req.Model, req.System, toTokenizerMessages(normalized), toolDefTexts(req.Tools))

	if h.Pricing.Enabled() && userID != "" {
		preflight, err := h.Pricing.PreflightCharge(req.Model, int64(promptTokens), 0)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		if err := h.Pricing.EnsureSufficientCredits(h.Ledger, userID, preflight); err != nil {
			writeGatewayError(w, err)
			return
		}
	}

	ctx, sticky := auth.WithSticky(ctx)
	_, profileArn, err := h.AuthMgr.GetAccessToken(ctx, sticky)
	if err != nil {
		writeGatewayError(w, gatewayerr.Wrap(gatewayerr.KindUpstreamAuth, "obtaining upstream credentials", err))
		return
	}
	mechanism := h.AuthMgr.Mechanism(sticky.Key)
	region := h.AuthMgr.Region(sticky.Key)

	conversationID := uuid.NewString()
	payload, err := translate.BuildUpstreamPayload(req, normalized, conversationID, profileArn, mechanism, h.DefaultOrigin)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	spec := httpengine.RequestSpec{
		Method: http.MethodPost,
		URL:    h.HostFor(region) + "/generateAssistantResponse",
		Body:   payload,
		Header: http.Header{
			"Content-Type": {"application/x-amz-json-1.0"},
			"X-Amz-Target": {"AmazonCodeWhispererStreamingService.GenerateAssistantResponse"},
		},
	}

	fallback := encode.Usage{PromptTokens: promptTokens, Estimated: true}

	if req.Stream {
		h.serveStream(ctx, w, req, sticky, spec, format, fallback, userID)
		return
	}
	h.serveCollected(ctx, w, req, sticky, spec, format, fallback, userID)
}

func (h *KiroHandler) serveStream(ctx context.Context, w http.ResponseWriter, req *pipeline.Request, sticky *auth.Sticky, spec httpengine.RequestSpec, format pipeline.APIFormat, fallback encode.Usage, userID string) {
	resp, err := h.Engine.DoStream(ctx, spec, sticky)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		writeAnthropicError(w, http.StatusBadGateway, "api_error", string(errBody))
		return
	}

	demux := kiroevent.NewDemuxer(resp.Body)
	var lastUsage encode.Usage
	next := func() (kiroevent.Event, error) {
		evt, err := demux.Next()
		if evt.Kind == kiroevent.KindUsage {
			lastUsage = mergeHandlerUsage(lastUsage, evt)
		}
		return evt, err
	}

	var streamErr error
	if format == pipeline.FormatOpenAI {
		streamErr = encode.StreamOpenAI(w, req.Model, "", next, fallback)
	} else {
		streamErr = encode.StreamAnthropic(w, req.Model, "", next, fallback)
	}
	if streamErr != nil && streamErr != io.EOF {
		h.Log.Warn().Err(streamErr).Msg("kiro: streaming response ended with error")
	}

	h.bill(userID, req.Model, fallback, lastUsage)
}

func (h *KiroHandler) serveCollected(ctx context.Context, w http.ResponseWriter, req *pipeline.Request, sticky *auth.Sticky, spec httpengine.RequestSpec, format pipeline.APIFormat, fallback encode.Usage, userID string) {
	resp, err := h.Engine.Do(ctx, spec, sticky)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		writeAnthropicError(w, http.StatusBadGateway, "api_error", string(resp.Body))
		return
	}

	events, err := kiroevent.Collect(bytes.NewReader(resp.Body))
	if err != nil {
		writeGatewayError(w, gatewayerr.Wrap(gatewayerr.KindUpstreamBadPayload, "decoding kiro stream body", err))
		return
	}
	collected := encode.CollectEvents(events, fallback)

	h.bill(userID, req.Model, fallback, kiroevent.NormalizedUsage{
		PromptTokens: collected.Usage.PromptTokens, CompletionTokens: collected.Usage.CompletionTokens,
		CacheWriteTokens: collected.Usage.CacheWriteTokens, CacheHitTokens: collected.Usage.CacheHitTokens,
	})

	w.Header().Set("Content-Type", "application/json")
	var out map[string]interface{}
	if format == pipeline.FormatOpenAI {
		out = collected.ToOpenAIChatCompletion(req.Model, "")
	} else {
		out = collected.ToAnthropicMessage(req.Model, "")
	}
	_ = json.NewEncoder(w).Encode(out)
}

func mergeHandlerUsage(u encode.Usage, evt kiroevent.Event) encode.Usage {
	if evt.Usage.PromptTokens > 0 {
		u.PromptTokens = evt.Usage.PromptTokens
	}
	if evt.Usage.CompletionTokens > 0 {
		u.CompletionTokens = evt.Usage.CompletionTokens
	}
	if evt.Usage.CacheWriteTokens > 0 {
		u.CacheWriteTokens = evt.Usage.CacheWriteTokens
	}
	if evt.Usage.CacheHitTokens > 0 {
		u.CacheHitTokens = evt.Usage.CacheHitTokens
	}
	return u
}

// bill deducts the charge for the completed request once the response has
// been fully sent. It bills actual when that carries any prompt or
// completion tokens, and otherwise the fallback: the tokenizer's prompt
// estimate plus the fallback completion count, halved when
// DownweightEstimated is set. The handlers' fallback carries no completion
// estimate (0), so the prompt estimate is billed in full either way.
func (h *KiroHandler) bill(userID, model string, fallback encode.Usage, actual kiroevent.NormalizedUsage) {
	if userID == "" || !h.Pricing.Enabled() {
		return
	}
	usage := billing.Usage{PromptTokens: int64(fallback.PromptTokens), Estimated: true}
	if actual.PromptTokens > 0 || actual.CompletionTokens > 0 {
		usage = billing.Usage{
			PromptTokens:     int64(actual.PromptTokens),
			CompletionTokens: int64(actual.CompletionTokens),
			CacheWriteTokens: int64(actual.CacheWriteTokens),
			CacheHitTokens:   int64(actual.CacheHitTokens),
		}
	} else if h.DownweightEstimated {
		usage.CompletionTokens = int64(fallback.CompletionTokens) / 2
	} else {
		usage.CompletionTokens = int64(fallback.CompletionTokens)
	}
	if _, err := h.Pricing.DeductForUsage(h.Ledger, userID, model, usage); err != nil {
		h.Log.Warn().Str("user", userID).Err(err).Msg("kiro: post-request billing deduction failed")
	}
}

// HandleCountTokens serves POST /v1/messages/count_tokens.
func (h *KiroHandler) HandleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "could not read request body")
		return
	}
	req, err := ParseAnthropicRequest(body)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	normalized, err := translate.NormalizeMessages(req)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	count := h.Tokenizer.EstimateMessages(req.Model, req.System, toTokenizerMessages(normalized), toolDefTexts(req.Tools))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"input_tokens": count})
}

func toTokenizerMessages(messages []pipeline.Message) []tokenizer.Message {
	out := make([]tokenizer.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, tokenizer.Message{Role: m.Role, Content: messageText(m.Content), Name: m.Name})
	}
	return out
}

func messageText(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case []pipeline.ContentBlock:
		var out string
		for _, b := range v {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	default:
		return ""
	}
}

func toolDefTexts(tools []pipeline.Tool) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Name+" "+t.Description)
	}
	return out
}

const modelsCacheKey = "models"
const modelsCacheTTL = 5 * time.Minute

// HandleModels serves GET /v1/models: the configured model ids, cached
// behind an lru entry with a short staleness window so a hot path never
// rebuilds the list on every call (spec.md §6). Kiro exposes no model
// discovery endpoint of its own, so the "upstream list" here is the
// gateway's own configured pricing table rather than a live upstream
// fetch; DESIGN.md records this as a deliberate narrowing of the original
// cache-with-staleness behavior to the data this gateway actually has.
func (h *KiroHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	_, span := tracing.StartMiddlewareSpan(r.Context(), "kiro-model-list", "serve")
	defer span.End()

	models := h.cachedModelIDs()
	data := make([]map[string]interface{}, 0, len(models))
	for _, id := range models {
		data = append(data, map[string]interface{}{"id": id, "object": "model"})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"object": "list", "data": data})
}

// HandleModelByID serves GET /v1/models/{id}.
func (h *KiroHandler) HandleModelByID(w http.ResponseWriter, r *http.Request, id string) {
	for _, m := range h.cachedModelIDs() {
		if m == id {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": id, "object": "model"})
			return
		}
	}
	writeAnthropicError(w, http.StatusNotFound, "not_found_error", "model not found: "+id)
}

func (h *KiroHandler) cachedModelIDs() []string {
	if h.modelsCache != nil {
		if entry, ok := h.modelsCache.Get(modelsCacheKey); ok && time.Since(entry.fetchedAt) < modelsCacheTTL {
			return entry.models
		}
	}
	models := h.Pricing.ModelIDs()
	if h.modelsCache != nil {
		h.modelsCache.Add(modelsCacheKey, modelsCacheEntry{models: models, fetchedAt: time.Now()})
	}
	return models
}

// HandleCreateBatch serves POST /v1/messages/batches: registers the batch
// and kicks off its worker pool asynchronously, returning immediately with
// the in_progress batch record (spec.md's Batch module).
func (h *KiroHandler) HandleCreateBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "could not read request body")
		return
	}
	var raw struct {
		Requests []struct {
			CustomID string                 `json:"custom_id"`
			Params   map[string]interface{} `json:"params"`
		} `json:"requests"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	items := make([]batch.Item, 0, len(raw.Requests))
	for _, req := range raw.Requests {
		items = append(items, batch.Item{CustomID: req.CustomID, Params: req.Params})
	}
	b := h.Batches.Create(items)

	userID, _ := UserFromContext(r.Context())
	concurrency := h.BatchConcurrency
	go batch.Run(context.Background(), b, concurrency, func(ctx context.Context, item batch.Item) (map[string]interface{}, error) {
		return h.runBatchItem(ctx, userID, item)
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(batchEnvelope(b))
}

// runBatchItem translates and executes one batch item's params as a
// non-streaming Anthropic request against the upstream, the way
// _run_anthropic_batch dispatches each item through the same request path
// a standalone /v1/messages call would use.
func (h *KiroHandler) runBatchItem(ctx context.Context, userID string, item batch.Item) (map[string]interface{}, error) {
	body, err := json.Marshal(item.Params)
	if err != nil {
		return nil, err
	}
	req, err := ParseAnthropicRequest(body)
	if err != nil {
		return nil, err
	}
	req.Stream = false

	normalized, err := translate.NormalizeMessages(req)
	if err != nil {
		return nil, err
	}

	ctx, sticky := auth.WithSticky(ctx)
	_, profileArn, err := h.AuthMgr.GetAccessToken(ctx, sticky)
	if err != nil {
		return nil, err
	}
	mechanism := h.AuthMgr.Mechanism(sticky.Key)
	region := h.AuthMgr.Region(sticky.Key)

	payload, err := translate.BuildUpstreamPayload(req, normalized, uuid.NewString(), profileArn, mechanism, h.DefaultOrigin)
	if err != nil {
		return nil, err
	}

	spec := httpengine.RequestSpec{
		Method: http.MethodPost,
		URL:    h.HostFor(region) + "/generateAssistantResponse",
		Body:   payload,
		Header: http.Header{
			"Content-Type": {"application/x-amz-json-1.0"},
			"X-Amz-Target": {"AmazonCodeWhispererStreamingService.GenerateAssistantResponse"},
		},
	}
	resp, err := h.Engine.Do(ctx, spec, sticky)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	events, err := kiroevent.Collect(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, err
	}
	promptTokens := h.Tokenizer.EstimateMessages(req.Model, req.System, toTokenizerMessages(normalized), toolDefTexts(req.Tools))
	collected := encode.CollectEvents(events, encode.Usage{PromptTokens: promptTokens, Estimated: true})

	h.bill(userID, req.Model, encode.Usage{PromptTokens: promptTokens, Estimated: true}, kiroevent.NormalizedUsage{
		PromptTokens: collected.Usage.PromptTokens, CompletionTokens: collected.Usage.CompletionTokens,
		CacheWriteTokens: collected.Usage.CacheWriteTokens, CacheHitTokens: collected.Usage.CacheHitTokens,
	})

	return collected.ToAnthropicMessage(req.Model, ""), nil
}

// HandleGetBatch serves GET /v1/messages/batches/{id}.
func (h *KiroHandler) HandleGetBatch(w http.ResponseWriter, r *http.Request, id string) {
	b, ok := h.Batches.Get(id)
	if !ok {
		writeAnthropicError(w, http.StatusNotFound, "not_found_error", "batch not found: "+id)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(batchEnvelope(b))
}

// HandleCancelBatch serves POST /v1/messages/batches/{id}/cancel.
func (h *KiroHandler) HandleCancelBatch(w http.ResponseWriter, r *http.Request, id string) {
	b, ok := h.Batches.Get(id)
	if !ok {
		writeAnthropicError(w, http.StatusNotFound, "not_found_error", "batch not found: "+id)
		return
	}
	h.Batches.Cancel(id)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(batchEnvelope(b))
}

// HandleBatchResults serves GET /v1/messages/batches/{id}/results as
// newline-delimited JSON, one line per item result.
func (h *KiroHandler) HandleBatchResults(w http.ResponseWriter, r *http.Request, id string) {
	b, ok := h.Batches.Get(id)
	if !ok {
		writeAnthropicError(w, http.StatusNotFound, "not_found_error", "batch not found: "+id)
		return
	}
	w.Header().Set("Content-Type", "application/x-jsonl")
	enc := json.NewEncoder(w)
	for _, res := range b.Results() {
		_ = enc.Encode(res)
	}
}

func batchEnvelope(b *batch.Batch) map[string]interface{} {
	counts := b.Counts()
	return map[string]interface{}{
		"id":                b.ID,
		"type":              "message_batch",
		"processing_status": b.ProcessingStatus,
		"created_at":        b.CreatedAt.Format(time.RFC3339),
		"request_counts": map[string]int{
			"processing": counts.Processing,
			"succeeded":  counts.Succeeded,
			"errored":    counts.Errored,
			"canceled":   counts.Canceled,
		},
	}
}

// writeGatewayError maps any error through gatewayerr's status table onto
// an Anthropic-shaped error body (spec.md §7).
func writeGatewayError(w http.ResponseWriter, err error) {
	status := gatewayerr.StatusFor(err)
	kind := gatewayerr.KindOf(err)
	errType := string(kind)
	if errType == "" {
		errType = "api_error"
	}
	writeAnthropicError(w, status, errType, err.Error())
}
