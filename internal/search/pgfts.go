package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches profiles with PostgreSQL full-text search.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches profiles.fts with plainto_tsquery. An empty text lists all
// matching professionals by name.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Professional, int, error) {
	q = normalize(q)
	where, args := pgftsWhere(q)

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM profiles p WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	order := "p.full_name ASC, p.id ASC"
	snippet := "''::text"
	if strings.TrimSpace(q.Text) != "" {
		order = "ts_rank(p.fts, plainto_tsquery('simple', $1)) DESC, p.id ASC"
		snippet = "ts_headline('simple', p.bio, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30')"
	}
	dataSQL := fmt.Sprintf(`
		SELECT p.id, p.full_name, p.city, p.category, p.avatar_url, p.bio, %s
		FROM profiles p
		WHERE %s
		ORDER BY %s
		LIMIT %d OFFSET %d`, snippet, where, order, q.Limit, q.Offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Professional
	for rows.Next() {
		var r Professional
		if err := rows.Scan(&r.ID, &r.FullName, &r.City, &r.Category, &r.AvatarURL, &r.Bio, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		if r.Snippet == r.Bio {
			r.Snippet = ""
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// pgftsWhere builds the filter. When text is present it is always $1.
func pgftsWhere(q Query) (string, []any) {
	clauses := []string{"p.role = 'handyman'", "NOT p.banned"}
	var args []any
	if text := strings.TrimSpace(q.Text); text != "" {
		args = append(args, text)
		clauses = append(clauses, "p.fts @@ plainto_tsquery('simple', $1)")
	}
	if city := strings.TrimSpace(q.City); city != "" {
		args = append(args, city)
		clauses = append(clauses, fmt.Sprintf("lower(p.city) = lower($%d)", len(args)))
	}
	if category := strings.TrimSpace(q.Category); category != "" {
		args = append(args, category)
		clauses = append(clauses, fmt.Sprintf("lower(p.category) = lower($%d)", len(args)))
	}
	return strings.Join(clauses, " AND "), args
}
