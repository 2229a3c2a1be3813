package search

import (
	"context"

	"herfa/api/internal/store"
)

// Professional is a handyman profile as returned by discovery.
type Professional struct {
	ID        string `json:"id"`
	FullName  string `json:"full_name"`
	City      string `json:"city"`
	Category  string `json:"category"`
	AvatarURL string `json:"avatar_url"`
	Bio       string `json:"bio"`
	Snippet   string `json:"snippet,omitempty"`
}

// Query describes a search request. Empty fields do not filter.
type Query struct {
	Text     string
	City     string
	Category string
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Professional `json:"results"`
	Total   int            `json:"total"`
	Query   string         `json:"query"`
}

// Searcher can execute a professional search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Professional, int, error)
	Healthy() bool
}

// Indexer keeps an external index in step with profiles.
type Indexer interface {
	IndexProfessionals(items []Professional) error
	DeleteProfessional(id string) error
}

// Searchable reports whether a profile belongs in discovery results.
func Searchable(p store.Profile) bool {
	return p.Role == store.RoleHandyman && !p.Banned
}

func FromProfile(p store.Profile) Professional {
	return Professional{
		ID:        p.ID,
		FullName:  p.FullName,
		City:      p.City,
		Category:  p.Category,
		AvatarURL: p.AvatarURL,
		Bio:       p.Bio,
	}
}

func normalize(q Query) Query {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
