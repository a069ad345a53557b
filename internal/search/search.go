package search

// Result is a single survey hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	IsDraft bool   `json:"isDraft"`
	Type    string `json:"type"`
}

// Query describes a search request over surveys.
type Query struct {
	Text   string
	Limit  int
	Offset int
	// DraftsOnly / PublishedOnly narrow the result set; both false = all.
	DraftsOnly    bool
	PublishedOnly bool
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over surveys.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push surveys into a search index.
type Indexer interface {
	IndexSurvey(rec SurveyRecord) error
	DeleteSurvey(id string) error
}

// SurveyRecord is the data we index for a survey.
type SurveyRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	IsDraft     bool   `json:"isDraft"`
	Type        string `json:"type"`
}
