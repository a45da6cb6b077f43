package analytics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/safezone/model"
)

type request struct {
	method string
	path   string
	body   string
}

func fakeES(t *testing.T, existing bool, status int) (*httptest.Server, func() []request) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []request
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, request{method: r.Method, path: r.URL.Path, body: string(body)})
		mu.Unlock()

		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodHead:
			if existing {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		case r.Method == http.MethodPut && !strings.Contains(r.URL.Path, "_doc"):
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"acknowledged":true}`))
		default:
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"result":"created"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []request {
		mu.Lock()
		defer mu.Unlock()
		return append([]request(nil), reqs...)
	}
}

func TestEnsureIndexCreatesMissingIndex(t *testing.T) {
	srv, requests := fakeES(t, false, http.StatusCreated)
	es, err := NewElasticsearch([]string{srv.URL}, "")
	if err != nil {
		t.Fatalf("NewElasticsearch: %v", err)
	}
	if es.Index() != DefaultIndex {
		t.Fatalf("index = %s", es.Index())
	}
	if err := es.EnsureIndex(context.Background()); err != nil {
		t.Fatalf("EnsureIndex: %v", err)
	}
	reqs := requests()
	if len(reqs) != 2 || reqs[1].method != http.MethodPut || reqs[1].path != "/"+DefaultIndex {
		t.Fatalf("unexpected requests %+v", reqs)
	}
	if !strings.Contains(reqs[1].body, "geo_point") {
		t.Fatalf("mapping not sent: %s", reqs[1].body)
	}
}

func TestEnsureIndexSkipsExisting(t *testing.T) {
	srv, requests := fakeES(t, true, http.StatusCreated)
	es, _ := NewElasticsearch([]string{srv.URL}, "transitions")
	if err := es.EnsureIndex(context.Background()); err != nil {
		t.Fatalf("EnsureIndex: %v", err)
	}
	if reqs := requests(); len(reqs) != 1 {
		t.Fatalf("expected only the existence check, got %+v", reqs)
	}
}

func TestRecordTransitionIndexesDocument(t *testing.T) {
	srv, requests := fakeES(t, true, http.StatusCreated)
	es, _ := NewElasticsearch([]string{srv.URL}, "transitions")
	es.newID = func() string { return "doc-1" }

	dwell := 90.0
	err := es.RecordTransition(context.Background(), model.ZoneTransition{
		FromZoneID:   "cp",
		ToZoneID:     "yard",
		FromLevel:    model.SafetyLevelSafe,
		ToLevel:      model.SafetyLevelRestricted,
		Location:     model.Coordinate{Latitude: 28.62, Longitude: 77.2},
		OccurredAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		DwellSeconds: &dwell,
	})
	if err != nil {
		t.Fatalf("RecordTransition: %v", err)
	}
	reqs := requests()
	if len(reqs) != 1 || reqs[0].path != "/transitions/_doc/doc-1" {
		t.Fatalf("unexpected requests %+v", reqs)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(reqs[0].body), &doc); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	loc, _ := doc["location"].(map[string]any)
	if doc["to_level"] != "restricted" || loc["lat"] != 28.62 || doc["dwell_seconds"] != 90.0 {
		t.Fatalf("unexpected document %v", doc)
	}
}

func TestRecordTransitionReportsErrorStatus(t *testing.T) {
	srv, _ := fakeES(t, true, http.StatusBadRequest)
	es, _ := NewElasticsearch([]string{srv.URL}, "transitions")
	if err := es.RecordTransition(context.Background(), model.ZoneTransition{ToLevel: model.SafetyLevelCaution}); err == nil {
		t.Fatalf("expected error for 400")
	}
}
