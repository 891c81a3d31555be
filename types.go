package veritas

// Message is one turn of a chat completion request.
// Role is "system", "user", or "assistant".
type Message struct {
	Role    string
	Content string
}

// SearchResult is one external search hit used as decision evidence.
// Reliability in (0,1] weights the hit's evidence score; zero means
// unknown and takes a documented default.
type SearchResult struct {
	Title       string
	URL         string
	Snippet     string
	Reliability float64
}
