package cadence_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pushcraft/automation-engine/internal/cadence"
	"github.com/pushcraft/automation-engine/pkg/models"
)

func TestFilter_Layer4_BypassesGatewayEntirely(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := cadence.New(srv.URL, "", time.Second)
	got, err := c.Filter(context.Background(), []string{"u1", "u2"}, models.TestLayer)
	if err != nil {
		t.Fatalf("Filter() error = %v", err)
	}
	if called {
		t.Error("Filter() with layer 4 must not call the cadence service")
	}
	if len(got.EligibleUserIDs) != 2 {
		t.Errorf("EligibleUserIDs = %v, want all input users treated as eligible", got.EligibleUserIDs)
	}
}

func TestFilter_Success_ReturnsEligibleIDs(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"eligibleUserIds": []string{"u1"},
			"excludedCount":   1,
		})
	}))
	defer srv.Close()

	c := cadence.New(srv.URL, "", time.Second)
	got, err := c.Filter(context.Background(), []string{"u1", "u2"}, 2)
	if err != nil {
		t.Fatalf("Filter() error = %v", err)
	}
	if gotPath != "/filter-audience" {
		t.Errorf("request path = %q, want /filter-audience", gotPath)
	}
	if gotBody["userIds"] == nil || gotBody["layerId"] == nil {
		t.Errorf("request body = %+v, want userIds and layerId fields", gotBody)
	}
	if got.Degraded {
		t.Error("Degraded = true, want false on a healthy 2xx response")
	}
	if len(got.EligibleUserIDs) != 1 || got.ExcludedCount != 1 {
		t.Errorf("FilterResult = %+v, want eligible=[u1] excluded=1", got)
	}
}

func TestFilter_ServerError_FailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := cadence.New(srv.URL, "", time.Second)
	got, err := c.Filter(context.Background(), []string{"u1", "u2"}, 2)
	if err != nil {
		t.Fatalf("Filter() error = %v, want nil (fail-open never errors)", err)
	}
	if !got.Degraded {
		t.Error("Degraded = false, want true after a non-2xx response")
	}
	if len(got.EligibleUserIDs) != 2 {
		t.Errorf("EligibleUserIDs = %v, want the original input list on fail-open", got.EligibleUserIDs)
	}
}

func TestFilter_Timeout_FailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	c := cadence.New(srv.URL, "", 10*time.Millisecond)
	got, err := c.Filter(context.Background(), []string{"u1"}, 2)
	if err != nil {
		t.Fatalf("Filter() error = %v, want nil (fail-open never errors)", err)
	}
	if !got.Degraded {
		t.Error("Degraded = false, want true after a timeout")
	}
}

func TestTrack_BestEffort_ReturnsErrorButDoesNotPanic(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := cadence.New(srv.URL, "", time.Second)
	if err := c.Track(context.Background(), "u1", 1, "hello", "world", "vip users"); err == nil {
		t.Fatal("Track() error = nil, want an error surfaced for the caller to log/count")
	}
	if gotPath != "/track-notification" {
		t.Errorf("request path = %q, want /track-notification", gotPath)
	}
	if gotBody["pushTitle"] != "hello" || gotBody["pushBody"] != "world" || gotBody["audienceDescription"] != "vip users" {
		t.Errorf("request body = %+v, want pushTitle/pushBody/audienceDescription populated", gotBody)
	}
}
