package httpengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiroproxy/gateway/internal/auth"
	"github.com/kiroproxy/gateway/internal/gatewayerr"
)

type fakeTokens struct {
	token        string
	forceRefresh int32
}

func (f *fakeTokens) GetAccessToken(ctx context.Context, sticky *auth.Sticky) (string, string, error) {
	return f.token, "", nil
}

func (f *fakeTokens) ForceRefresh(ctx context.Context, sticky *auth.Sticky) (string, string, error) {
	atomic.AddInt32(&f.forceRefresh, 1)
	f.token = "refreshed"
	return f.token, "", nil
}

// S4: a 403 triggers exactly one force_refresh and one retry, and the retry
// is not counted against the backoff attempt budget.
func TestDo_S4_ForcedRefreshOn403(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "initial"}
	e := New(tokens, Config{MaxRetries: 3})

	resp, err := e.Do(context.Background(), RequestSpec{Method: http.MethodGet, URL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d; want 200", resp.StatusCode)
	}
	if resp.Attempts != 1 {
		t.Errorf("attempts = %d; want 1 (forced-refresh retry must not count)", resp.Attempts)
	}
	if atomic.LoadInt32(&tokens.forceRefresh) != 1 {
		t.Errorf("force refresh called %d times; want 1", tokens.forceRefresh)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("server received %d requests; want 2", calls)
	}
}

// Retryable 5xx statuses are retried up to MaxRetries with backoff, then
// surfaced as a 502-class error carrying the attempt count.
func TestDo_RetriesOnServerError_ThenFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "tok"}
	e := New(tokens, Config{MaxRetries: 3, BaseRetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond})

	_, err := e.Do(context.Background(), RequestSpec{Method: http.MethodGet, URL: srv.URL}, nil)
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	if gatewayerr.KindOf(err) != gatewayerr.KindUpstreamNetwork {
		t.Errorf("kind = %v; want upstream_network", gatewayerr.KindOf(err))
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("server received %d requests; want 3 (MaxRetries)", calls)
	}
}

// Non-retryable 4xx statuses (other than 403) return immediately with no retry.
func TestDo_NonRetryable4xxReturnsImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "tok"}
	e := New(tokens, Config{MaxRetries: 3})

	resp, err := e.Do(context.Background(), RequestSpec{Method: http.MethodGet, URL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d; want 400", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("server received %d requests; want 1", calls)
	}
}

// S5: a first-token timeout retries immediately (no backoff sleep) and
// exhausts into a 504-class error; no retry occurs once any byte of body
// has been delivered.
func TestDoStream_S5_FirstTokenTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "tok"}
	e := New(tokens, Config{FirstTokenTimeout: 5 * time.Millisecond, FirstTokenMaxRetries: 2})

	start := time.Now()
	_, err := e.DoStream(context.Background(), RequestSpec{Method: http.MethodGet, URL: srv.URL}, nil)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected first-token timeout error")
	}
	if gatewayerr.KindOf(err) != gatewayerr.KindUpstreamTimeout {
		t.Errorf("kind = %v; want upstream_timeout", gatewayerr.KindOf(err))
	}
	// 3 attempts * 5ms timeout, well under the 50ms handler sleep plus any
	// backoff: there should be no backoff delay between attempts.
	if elapsed > 40*time.Millisecond {
		t.Errorf("elapsed = %v; expected immediate retries with no backoff", elapsed)
	}
}

// Once the stream establishes successfully, the body streams normally.
func TestDoStream_EstablishesAndReads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "tok"}
	e := New(tokens, Config{FirstTokenTimeout: time.Second})

	resp, err := e.DoStream(context.Background(), RequestSpec{Method: http.MethodGet, URL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("DoStream: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 16)
	n, _ := resp.Body.Read(buf)
	if string(buf[:n]) == "" {
		t.Error("expected non-empty body read")
	}
}
