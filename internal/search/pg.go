package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// Pg implements Searcher against PostgreSQL as the fallback engine. Document
// names are short, so a trigram-friendly ILIKE match is enough here; ranking
// falls back to recency.
type Pg struct {
	db *sql.DB
}

func NewPg(db *sql.DB) *Pg {
	return &Pg{db: db}
}

// Healthy always reports true: if Postgres is down, the whole app is down.
func (p *Pg) Healthy() bool {
	return true
}

func (p *Pg) Search(q Query) ([]Result, int, error) {
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

	const where = `
		(d.owner_id = $1 OR EXISTS (
			SELECT 1 FROM share_grants g
			WHERE g.document_id = d.id AND g.user_id = $1
		))
		AND d.name ILIKE '%' || $2 || '%'`

	var total int
	countSQL := "SELECT count(*) FROM documents d WHERE " + where
	if err := p.db.QueryRow(countSQL, q.UserID, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("search count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT d.id, d.name, u.email
		FROM documents d
		JOIN users u ON u.id = d.owner_id
		WHERE %s
		ORDER BY d.last_modified DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.Query(dataSQL, q.UserID, q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Name, &r.OwnerEmail); err != nil {
			return nil, 0, fmt.Errorf("search scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}
