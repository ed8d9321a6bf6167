// Package routing implements the route resolver (C7): given an inbound
// request, produce an ordered list of candidate routes, most specific
// first, each carrying exactly one backend. The proxy executor walks
// the list until a candidate's backend is both healthy and willing
// (circuit breaker closed).
package routing

// Backend is the single upstream a RouteEntry proxies to.
type Backend struct {
	Address string // scheme://host:port, no trailing slash
	Weight  int    // carried from config; Resolve does not consult it, siblings sharing a pattern are ordered by ID
}

// HeaderMatch requires a header to be present, equal to Value, or to
// match Regex; exactly one of Value/Present/Regex should be set.
type HeaderMatch struct {
	Name    string
	Value   string
	Present *bool
	Regex   string
}

// Entry is one routable rule: a pattern plus the single backend it sends
// matching traffic to.
type Entry struct {
	ID      string
	Pattern string // exact path, "*"/"**" glob, or a regex when Regex is true
	Regex   bool
	Domain  string // exact host or "*.suffix"; empty matches any host
	Methods []string
	Headers []HeaderMatch

	Backend Backend
}
