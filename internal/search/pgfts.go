package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the surveys fts column with ts_headline
// snippets, ranked by ts_rank.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "fts @@ plainto_tsquery('english', $1)"
	if q.DraftsOnly {
		where += " AND is_draft"
	} else if q.PublishedOnly {
		where += " AND NOT is_draft"
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM surveys WHERE " + where
	if err := p.db.QueryRow(countQuery, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count survey hits: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, title,
			ts_headline('english', coalesce(description, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			is_draft, type
		FROM surveys
		WHERE %s
		ORDER BY ts_rank(fts, plainto_tsquery('english', $1)) DESC
		LIMIT $2 OFFSET $3
	`, where)

	rows, err := p.db.Query(query, q.Text, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search surveys: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.IsDraft, &r.Type); err != nil {
			return nil, 0, fmt.Errorf("scan survey hit: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate survey hits: %w", err)
	}
	return results, total, nil
}

// LoadAllRecords reads every survey for reindexing into Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SurveyRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, title, description, is_draft, type FROM surveys`)
	if err != nil {
		return nil, fmt.Errorf("load surveys for reindex: %w", err)
	}
	defer rows.Close()

	var records []SurveyRecord
	for rows.Next() {
		var rec SurveyRecord
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Description, &rec.IsDraft, &rec.Type); err != nil {
			return nil, fmt.Errorf("scan survey record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate survey records: %w", err)
	}
	return records, nil
}
