package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS is the PostgreSQL full-text fallback used when Meilisearch is down.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across letters and transition_events
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultLetter {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'letter'::text AS type, l.id, l.title,
				ts_headline('english', l.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				l.id AS letter_id, l.state,
				ts_rank(to_tsvector('english', l.title || ' ' || l.content), %s) AS rank
			FROM letters l
			WHERE to_tsvector('english', l.title || ' ' || l.content) @@ %s`,
			tsQuery, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultEvent {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'event'::text AS type, e.id::text, e.action AS title,
				ts_headline('english', COALESCE(e.reason, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				e.letter_id, ''::text AS state,
				ts_rank(to_tsvector('english', COALESCE(e.reason, '')), %s) AS rank
			FROM transition_events e
			WHERE to_tsvector('english', COALESCE(e.reason, '')) @@ %s`,
			tsQuery, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, letter_id, state
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.LetterID, &r.State); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]LetterRecord, []EventRecord, error) {
	letterRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, recipient, content, state
		FROM letters
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load letters: %w", err)
	}
	defer letterRows.Close()

	letters := make([]LetterRecord, 0)
	for letterRows.Next() {
		var l LetterRecord
		if err := letterRows.Scan(&l.ID, &l.Title, &l.Recipient, &l.Content, &l.State); err != nil {
			return nil, nil, fmt.Errorf("scan letter: %w", err)
		}
		letters = append(letters, l)
	}
	if err := letterRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate letters: %w", err)
	}

	eventRows, err := p.db.QueryContext(ctx, `
		SELECT id, letter_id, action, actor_name, COALESCE(reason, '')
		FROM transition_events
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load events: %w", err)
	}
	defer eventRows.Close()

	events := make([]EventRecord, 0)
	for eventRows.Next() {
		var e EventRecord
		if err := eventRows.Scan(&e.ID, &e.LetterID, &e.Action, &e.Actor, &e.Reason); err != nil {
			return nil, nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := eventRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate events: %w", err)
	}

	return letters, events, nil
}
