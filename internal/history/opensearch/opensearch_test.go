package opensearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/experimentd/internal/experiment"
	"github.com/loykin/experimentd/internal/history"
)

func TestSinkSend(t *testing.T) {
	var gotPath string
	var got history.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := New(srv.URL, "experiment-history")
	e := history.Event{
		Type:         history.EventFailed,
		OccurredAt:   time.Now().UTC(),
		ExperimentID: "e1",
		Model:        "ppo",
		Status:       experiment.StatusFailed,
		Detail:       "boom",
	}
	if err := s.Send(context.Background(), e); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/experiment-history/_doc" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if got.ExperimentID != "e1" || got.Detail != "boom" {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestSinkSendNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(srv.URL, "experiment-history")
	if err := s.Send(context.Background(), history.Event{}); err == nil {
		t.Fatal("non-2xx response must be an error")
	}
}
