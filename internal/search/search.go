package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultLetter ResultType = "letter"
	ResultEvent  ResultType = "event"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	LetterID string     `json:"letterId"`
	State    string     `json:"state,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// LetterRecord is the data we index for a letter.
type LetterRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	State     string `json:"state"`
}

// EventRecord is the data we index for an audit-trail event.
type EventRecord struct {
	ID       int64  `json:"id"`
	LetterID string `json:"letterId"`
	Action   string `json:"action"`
	Actor    string `json:"actor"`
	Reason   string `json:"reason"`
}
