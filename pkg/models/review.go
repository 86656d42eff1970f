package models

// ReviewRequest is the payload for starting or resuming a review
type ReviewRequest struct {
	Origin    string     `json:"origin" yaml:"origin"`
	Pages     []PageSpec `json:"pages" yaml:"pages"`
	Viewports []string   `json:"viewports,omitempty" yaml:"viewports,omitempty"`
	// Persistent keeps the browser alive in the session registry after the run
	Persistent bool `json:"persistent,omitempty" yaml:"persistent,omitempty"`
	// SessionID borrows an already registered browser instead of launching one
	SessionID string `json:"sessionId,omitempty" yaml:"sessionId,omitempty"`
	// ReportID resumes an existing report instead of creating a new one
	ReportID            string     `json:"reportId,omitempty" yaml:"reportId,omitempty"`
	Login               *LoginSpec `json:"login,omitempty" yaml:"login,omitempty"`
	AuthState           *AuthState `json:"authState,omitempty" yaml:"-"`
	PollIntervalSeconds int        `json:"pollIntervalSeconds,omitempty" yaml:"pollIntervalSeconds,omitempty"`
}

// EventType classifies a pipeline event
type EventType string

const (
	EventProgress EventType = "progress"
	EventResult   EventType = "result"
	EventError    EventType = "error"
	EventSession  EventType = "session"
	EventDone     EventType = "done"
)

// Event is a progress notification emitted while a run executes
type Event struct {
	Type      EventType    `json:"type"`
	ReportID  string       `json:"reportId,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
	Page      string       `json:"page,omitempty"`
	Viewport  string       `json:"viewport,omitempty"`
	Index     int          `json:"index,omitempty"`
	Total     int          `json:"total,omitempty"`
	Message   string       `json:"message,omitempty"`
	Result    *PageResult  `json:"result,omitempty"`
	Status    ReportStatus `json:"status,omitempty"`
}

// DiscoverRequest is the payload for site discovery
type DiscoverRequest struct {
	Origin    string     `json:"origin"`
	MaxPages  int        `json:"maxPages,omitempty"`
	AuthState *AuthState `json:"authState,omitempty"`
}

// DiscoverySource tells where the discovered page list came from
type DiscoverySource string

const (
	SourceSitemap DiscoverySource = "sitemap"
	SourceCrawl   DiscoverySource = "crawl"
)

// DiscoveredPage is one page found during discovery
type DiscoveredPage struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Title string `json:"title,omitempty"`
	Error string `json:"error,omitempty"`
}

// DiscoveryResult is the outcome of a discovery run
type DiscoveryResult struct {
	Pages           []DiscoveredPage `json:"pages"`
	Source          DiscoverySource  `json:"source"`
	TotalLinksFound int              `json:"totalLinksFound"`
	PagesSkipped    int              `json:"pagesSkipped"`
}
