// Package search indexes room files for full-text lookup. Meilisearch is
// preferred; PostgreSQL full-text search over the files table is the
// fallback whenever Meilisearch is unset or unhealthy.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	RoomID   string `json:"roomId"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Snippet  string `json:"snippet"`
}

// Query describes a search request. RoomID is required; searches never cross
// rooms.
type Query struct {
	Text     string
	RoomID   string
	Language string
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// FileRecord is the data indexed for a file.
type FileRecord struct {
	ID       string `json:"id"`
	RoomID   string `json:"roomId"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

type Indexer interface {
	IndexFile(rec FileRecord) error
	DeleteFile(id string) error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
