// Package analytics ships zone transitions to an Elasticsearch index for
// aggregate reporting.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"

	"github.com/signalsfoundry/safezone/model"
)

// DefaultIndex is used when no index name is configured.
const DefaultIndex = "safezone-transitions"

// TransitionSink receives every zone transition.
type TransitionSink interface {
	RecordTransition(ctx context.Context, t model.ZoneTransition) error
}

const transitionMapping = `{
  "mappings": {
    "properties": {
      "from_zone_id":  {"type": "keyword"},
      "to_zone_id":    {"type": "keyword"},
      "from_level":    {"type": "keyword"},
      "to_level":      {"type": "keyword"},
      "location":      {"type": "geo_point"},
      "occurred_at":   {"type": "date"},
      "dwell_seconds": {"type": "double"}
    }
  }
}`

type transitionDoc struct {
	FromZoneID   string            `json:"from_zone_id,omitempty"`
	ToZoneID     string            `json:"to_zone_id,omitempty"`
	FromLevel    model.SafetyLevel `json:"from_level,omitempty"`
	ToLevel      model.SafetyLevel `json:"to_level"`
	Location     geoPoint          `json:"location"`
	OccurredAt   time.Time         `json:"occurred_at"`
	DwellSeconds *float64          `json:"dwell_seconds,omitempty"`
}

type geoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Elasticsearch indexes transitions as documents.
type Elasticsearch struct {
	client *elasticsearch.Client
	index  string
	newID  func() string
}

// NewElasticsearch connects to the given addresses.
func NewElasticsearch(addresses []string, index string) (*Elasticsearch, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: addresses})
	if err != nil {
		return nil, fmt.Errorf("%w: elasticsearch client: %v", model.ErrConfiguration, err)
	}
	return NewElasticsearchWithClient(client, index), nil
}

// NewElasticsearchWithClient wraps an existing client.
func NewElasticsearchWithClient(client *elasticsearch.Client, index string) *Elasticsearch {
	if index == "" {
		index = DefaultIndex
	}
	return &Elasticsearch{client: client, index: index, newID: uuid.NewString}
}

// Index returns the target index name.
func (es *Elasticsearch) Index() string { return es.index }

// EnsureIndex creates the index with its mapping if it does not exist.
func (es *Elasticsearch) EnsureIndex(ctx context.Context) error {
	res, err := es.client.Indices.Exists([]string{es.index}, es.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index existence: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == 200 {
		return nil
	}

	res, err = es.client.Indices.Create(
		es.index,
		es.client.Indices.Create.WithBody(strings.NewReader(transitionMapping)),
		es.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("create index %s: %s", es.index, string(body))
	}
	return nil
}

// RecordTransition implements TransitionSink.
func (es *Elasticsearch) RecordTransition(ctx context.Context, t model.ZoneTransition) error {
	body, err := json.Marshal(transitionDoc{
		FromZoneID:   t.FromZoneID,
		ToZoneID:     t.ToZoneID,
		FromLevel:    t.FromLevel,
		ToLevel:      t.ToLevel,
		Location:     geoPoint{Lat: t.Location.Latitude, Lon: t.Location.Longitude},
		OccurredAt:   t.OccurredAt,
		DwellSeconds: t.DwellSeconds,
	})
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      es.index,
		DocumentID: es.newID(),
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, es.client)
	if err != nil {
		return fmt.Errorf("index transition: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("index transition: status %d: %s", res.StatusCode, string(body))
	}
	return nil
}
