package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxProfessionals = "herfa_professionals"

// Meili implements Engine via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	logger  *slog.Logger
}

// NewMeili creates a Meilisearch client and configures the index. The
// returned value is usable while Meilisearch is down; Healthy reports false
// until it recovers.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		logger: logger,
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", slog.String("url", url), slog.Any("err", err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxProfessionals,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", slog.String("index", idxProfessionals), slog.Any("err", err))
	}

	index := m.client.Index(idxProfessionals)
	filterable := []interface{}{"city", "category"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", slog.Any("err", err))
	}
	searchable := []string{"full_name", "category", "city", "bio"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", slog.Any("err", err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Professional, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	q = normalize(q)

	sr := &meili.SearchRequest{
		IndexUID:              idxProfessionals,
		Query:                 strings.TrimSpace(q.Text),
		Limit:                 int64(q.Limit),
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"bio"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if filters := meiliFilters(q); len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Professional
	total := 0
	for _, r := range resp.Results {
		total += int(r.EstimatedTotalHits)
		for _, hit := range r.Hits {
			results = append(results, hitToProfessional(hit))
		}
	}
	return results, total, nil
}

func meiliFilters(q Query) []string {
	var filters []string
	if city := strings.TrimSpace(q.City); city != "" {
		filters = append(filters, fmt.Sprintf("city = %q", city))
	}
	if category := strings.TrimSpace(q.Category); category != "" {
		filters = append(filters, fmt.Sprintf("category = %q", category))
	}
	return filters
}

func hitToProfessional(hit meili.Hit) Professional {
	p := Professional{
		ID:        decodeString(hit, "id"),
		FullName:  decodeString(hit, "full_name"),
		City:      decodeString(hit, "city"),
		Category:  decodeString(hit, "category"),
		AvatarURL: decodeString(hit, "avatar_url"),
		Bio:       decodeString(hit, "bio"),
	}
	if snippet := decodeFormattedString(hit, "bio"); snippet != p.Bio {
		p.Snippet = snippet
	}
	return p
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func (m *Meili) IndexProfessionals(items []Professional) error {
	if len(items) == 0 {
		return nil
	}
	_, err := m.client.Index(idxProfessionals).AddDocuments(items, nil)
	return err
}

func (m *Meili) DeleteProfessional(id string) error {
	_, err := m.client.Index(idxProfessionals).DeleteDocument(id, nil)
	return err
}
