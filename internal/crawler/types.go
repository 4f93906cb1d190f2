package crawler

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
)

// StatusLabel is the lifecycle label shared by every stateful entity.
type StatusLabel string

// Lifecycle labels that must exist before any crawl runs.
const (
	StatusNew        StatusLabel = "new"
	StatusInProgress StatusLabel = "in progress"
	StatusCompleted  StatusLabel = "completed"
)

// RequiredStatuses lists the labels EnsureDefaults guarantees.
var RequiredStatuses = []StatusLabel{StatusNew, StatusInProgress, StatusCompleted}

// Status is one row of the status table.
type Status struct {
	ID    int64       `json:"id"`
	Label StatusLabel `json:"label"`
}

// StatusSet carries the resolved ids of the required labels.
type StatusSet struct {
	New        int64 `json:"new"`
	InProgress int64 `json:"in_progress"`
	Completed  int64 `json:"completed"`
}

// Label maps a status id back to its label, or "" when unknown.
func (s StatusSet) Label(id int64) StatusLabel {
	switch id {
	case s.New:
		return StatusNew
	case s.InProgress:
		return StatusInProgress
	case s.Completed:
		return StatusCompleted
	default:
		return ""
	}
}

// FieldKeyShortNameMax bounds FieldKey.ShortName, in runes.
const FieldKeyShortNameMax = 25

// DefaultNameMaxLength bounds the display text captured for a Name, in runes.
const DefaultNameMaxLength = 255

// SelectorConfig is the declarative extraction configuration stored on a Registry.
type SelectorConfig struct {
	LinkTag              string `json:"link_tag" mapstructure:"link_tag"`
	LinkAttr             string `json:"link_attr" mapstructure:"link_attr"`
	ParentSelector       string `json:"parent_selector" mapstructure:"parent_selector"`
	EntityParentSelector string `json:"entity_parent_selector" mapstructure:"entity_parent_selector"`
	DetailMarker         string `json:"detail_marker" mapstructure:"detail_marker"`
	PaginationMarker     string `json:"pagination_marker" mapstructure:"pagination_marker"`
	LabelSelector        string `json:"label_selector" mapstructure:"label_selector"`
	ValueSelector        string `json:"value_selector" mapstructure:"value_selector"`
	TitleSelector        string `json:"title_selector" mapstructure:"title_selector"`
	PageParam            string `json:"page_param" mapstructure:"page_param"`
	NameMaxLength        int    `json:"name_max_length" mapstructure:"name_max_length"`
}

// WithDefaults fills blank fields with generic values.
func (c SelectorConfig) WithDefaults() SelectorConfig {
	if c.LinkTag == "" {
		c.LinkTag = "a"
	}
	if c.LinkAttr == "" {
		c.LinkAttr = "href"
	}
	if c.PageParam == "" {
		c.PageParam = "page"
	}
	if c.NameMaxLength <= 0 {
		c.NameMaxLength = DefaultNameMaxLength
	}
	return c
}

// Validate compiles every selector so a broken configuration is rejected
// when the Registry is created rather than halfway through a crawl.
func (c SelectorConfig) Validate() error {
	c = c.WithDefaults()
	selectors := map[string]string{
		"link_tag":               c.LinkTag,
		"parent_selector":        c.ParentSelector,
		"entity_parent_selector": c.EntityParentSelector,
		"label_selector":         c.LabelSelector,
		"value_selector":         c.ValueSelector,
		"title_selector":         c.TitleSelector,
	}
	for field, sel := range selectors {
		if sel == "" {
			continue
		}
		if _, err := cascadia.Compile(sel); err != nil {
			return fmt.Errorf("%w: %s %q: %v", ErrInvalidSelectors, field, sel, err)
		}
	}
	if c.EntityParentSelector == "" {
		return fmt.Errorf("%w: entity_parent_selector is required", ErrInvalidSelectors)
	}
	if c.LabelSelector == "" || c.ValueSelector == "" {
		return fmt.Errorf("%w: label_selector and value_selector are required", ErrInvalidSelectors)
	}
	if strings.ContainsAny(c.PageParam, "&=?# ") {
		return fmt.Errorf("%w: page_param %q is not a valid query key", ErrInvalidSelectors, c.PageParam)
	}
	return nil
}

// Registry is one external paginated listing source.
type Registry struct {
	ID        int64          `json:"id"`
	Shortname string         `json:"shortname"`
	URL       string         `json:"url"`
	BasePath  string         `json:"base_path"`
	Charset   string         `json:"charset,omitempty"`
	Selectors SelectorConfig `json:"selectors"`
	Timeout   time.Duration  `json:"timeout"`
	StatusID  int64          `json:"status_id"`
}

// Validate checks the registry definition before it is persisted.
func (r Registry) Validate() error {
	if strings.TrimSpace(r.Shortname) == "" {
		return fmt.Errorf("%w: shortname is required", ErrInvalidRegistry)
	}
	u, err := url.Parse(r.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: url %q must be absolute", ErrInvalidRegistry, r.URL)
	}
	if r.BasePath == "" {
		return fmt.Errorf("%w: base_path is required", ErrInvalidRegistry)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be >= 0", ErrInvalidRegistry)
	}
	return r.Selectors.Validate()
}

// Code is a category discovered on a Registry's listing page.
type Code struct {
	ID         int64  `json:"id"`
	Code       string `json:"code"`
	URL        string `json:"url"`
	RegistryID int64  `json:"registry_id"`
	StatusID   int64  `json:"status_id"`
	// LastPage is the highest page whose Names are durably persisted; nil
	// means the walk has not started or has completed.
	LastPage *int `json:"last_page"`
}

// Name is one entity discovered within a Code's paginated listing.
type Name struct {
	ID       int64  `json:"id"`
	CodeID   int64  `json:"code_id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	StatusID int64  `json:"status_id"`
}

// Rawdata is the fetched detail page for exactly one Name.
type Rawdata struct {
	ID         int64             `json:"id"`
	NameID     int64             `json:"name_id"`
	BodyHTML   string            `json:"body_html"`
	Title      string            `json:"title"`
	ParsedData map[string]string `json:"parsed_data"` // full label text -> value
	StatusID   int64             `json:"status_id"`
}

// FieldKey records a source label and how often it has been seen.
type FieldKey struct {
	ID        int64  `json:"id"`
	ShortName string `json:"short_name"`
	FullName  string `json:"full_name"`
	Frequency int64  `json:"frequency"`
}

// CrawlJobStatus is the lifecycle of a tracked crawl job.
type CrawlJobStatus string

// Crawl job states.
const (
	CrawlJobQueued    CrawlJobStatus = "queued"
	CrawlJobRunning   CrawlJobStatus = "running"
	CrawlJobSucceeded CrawlJobStatus = "succeeded"
	CrawlJobFailed    CrawlJobStatus = "failed"
	CrawlJobCanceled  CrawlJobStatus = "canceled"
)

// CrawlJob is the persisted record an operator uses to follow or cancel work.
// Cancellation is observed between pages only, never mid-fetch.
type CrawlJob struct {
	ID              string         `json:"id"`
	Kind            TaskName       `json:"kind"`
	TargetID        int64          `json:"target_id"`
	Status          CrawlJobStatus `json:"status"`
	CancelRequested bool           `json:"cancel_requested"`
	ErrorText       string         `json:"error_text,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// RunStatus describes the outcome of a Registry discovery run.
type RunStatus string

// Registry discovery outcomes.
const (
	RunDiscovered       RunStatus = "discovered"
	RunAlreadyCompleted RunStatus = "already_completed"
	RunFetchFailed      RunStatus = "fetch_failed"
)

// RunResult is returned by Orchestrator.Run.
type RunResult struct {
	Status       RunStatus `json:"status"`
	RegistryID   int64     `json:"registry_id"`
	Registry     string    `json:"registry"`
	CodesFound   int       `json:"codes_found"`
	CodesCreated int       `json:"codes_created"`
	// ForceAvailable tells the caller a completed Registry can be re-walked with Force.
	ForceAvailable bool   `json:"force_available,omitempty"`
	Error          string `json:"error,omitempty"`
}

// WalkStatus describes the outcome of a Code pagination walk.
type WalkStatus string

// Pagination walk outcomes.
const (
	WalkCompleted        WalkStatus = "completed"
	WalkInProgress       WalkStatus = "in_progress"
	WalkFetchFailed      WalkStatus = "fetch_failed"
	WalkCanceled         WalkStatus = "canceled"
	WalkNoCode           WalkStatus = "no_code"
	WalkAlreadyCompleted WalkStatus = "already_completed"
)

// WalkResult is returned by Orchestrator.ParseNamesFromCode.
type WalkResult struct {
	Status       WalkStatus `json:"status"`
	CodeID       int64      `json:"code_id,omitempty"`
	StartPage    int        `json:"start_page,omitempty"`
	PagesFetched int        `json:"pages_fetched"`
	NamesFound   int        `json:"names_found"`
	NamesCreated int        `json:"names_created"`
	LastPage     *int       `json:"last_page"`
	Error        string     `json:"error,omitempty"`
}

// DetailResult is returned by Orchestrator.FetchDetail.
type DetailResult struct {
	NameID    int64  `json:"name_id"`
	RawdataID int64  `json:"rawdata_id"`
	Title     string `json:"title,omitempty"`
	Fields    int    `json:"fields"`
}

// TaskName identifies the handler a queued Task is routed to.
type TaskName string

// Known task names.
const (
	TaskFetchDetail TaskName = "fetch_detail"
	TaskWalkCode    TaskName = "walk_code"
)

// Task is one unit of work on the job queue: a named job with a single
// entity id argument.
type Task struct {
	ID         string    `json:"id"`
	Name       TaskName  `json:"name"`
	Arg        int64     `json:"arg"`
	Attempt    int       `json:"attempt"`
	MaxRetries int       `json:"max_retries"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// FetchRequest captures everything the Fetch Client needs.
type FetchRequest struct {
	URL     string
	Timeout time.Duration
	// Charset overrides the response's declared charset when set.
	Charset string
}

// FetchResponse is the decoded (UTF-8) result of a fetch.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

// Severity classifies operator notifications.
type Severity string

// Notification severities.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is a free-text operator message.
type Notification struct {
	Severity Severity  `json:"severity"`
	Category string    `json:"category"`
	Body     string    `json:"body"`
	At       time.Time `json:"at"`
}
