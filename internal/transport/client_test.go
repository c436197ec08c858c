package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pushcraft/automation-engine/internal/transport"
	"github.com/pushcraft/automation-engine/pkg/contracts"
)

func TestSendBatch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"successCount": 2,
			"failedTokens": []string{},
		})
	}))
	defer srv.Close()

	c := transport.New(srv.URL, "", time.Second)
	got, err := c.SendBatch(context.Background(), contracts.RenderedMessage{Title: "hi", Body: "there"}, []string{"t1", "t2"})
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if got.SuccessCount != 2 {
		t.Errorf("SuccessCount = %d, want 2", got.SuccessCount)
	}
}

func TestSendBatch_ExceedsMaxBatchSize_Errors(t *testing.T) {
	c := transport.New("http://unused", "", time.Second)
	tokens := make([]string, transport.MaxBatchSize+1)
	_, err := c.SendBatch(context.Background(), contracts.RenderedMessage{}, tokens)
	if err == nil {
		t.Fatal("SendBatch() error = nil, want an error when batch exceeds MaxBatchSize")
	}
}

func TestSendBatch_RetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"successCount": 1, "failedTokens": []string{}})
	}))
	defer srv.Close()

	c := transport.New(srv.URL, "", time.Second)
	got, err := c.SendBatch(context.Background(), contracts.RenderedMessage{Title: "hi"}, []string{"t1"})
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if got.SuccessCount != 1 {
		t.Errorf("SuccessCount = %d, want 1", got.SuccessCount)
	}
	if attempts < 3 {
		t.Errorf("attempts = %d, want at least 3 (retried past transient 5xx)", attempts)
	}
}

func TestSendBatch_PermanentClientError_DoesNotRetry(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := transport.New(srv.URL, "", time.Second)
	_, err := c.SendBatch(context.Background(), contracts.RenderedMessage{Title: "hi"}, []string{"t1"})
	if err == nil {
		t.Fatal("SendBatch() error = nil, want an error on 400")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want exactly 1 (4xx is not retried)", attempts)
	}
}

func TestSendBatch_AllRetriesExhausted_MarksAllTokensFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := transport.New(srv.URL, "", time.Second)
	got, err := c.SendBatch(context.Background(), contracts.RenderedMessage{Title: "hi"}, []string{"t1", "t2"})
	if err == nil {
		t.Fatal("SendBatch() error = nil, want an error after exhausting retries")
	}
	if len(got.FailedTokens) != 2 {
		t.Errorf("FailedTokens = %v, want both tokens marked failed", got.FailedTokens)
	}
}
