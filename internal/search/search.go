package search

// Result is a single document hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Snippet    string `json:"snippet,omitempty"`
	OwnerEmail string `json:"ownerEmail"`
}

// Query describes a search request. UserID scopes results to documents the
// user owns or has been granted access to.
type Query struct {
	Text   string
	UserID string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a document search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// DocumentRecord is the data we index for a document. SharedWith carries the
// grant list so the engine can filter by access without a database round trip.
type DocumentRecord struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	OwnerID    string   `json:"ownerId"`
	OwnerEmail string   `json:"ownerEmail"`
	SharedWith []string `json:"sharedWith"`
}
