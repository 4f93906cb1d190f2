package crawler

import (
	"context"
	"time"
)

// Fetcher performs a GET with retry and returns a UTF-8 body.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Notifier delivers operator messages. Delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Queue is the job broker contract shared by the in-memory and Redis queues.
// Enqueue returns ErrDuplicateTask when a task with the same non-empty ID is
// already pending or running. Complete releases that ID.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
	Complete(ctx context.Context, task Task) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// StatusRepository manages the status table.
type StatusRepository interface {
	EnsureDefaults(ctx context.Context) (StatusSet, error)
	List(ctx context.Context) ([]Status, error)
}

// RegistryRepository manages Registry rows.
type RegistryRepository interface {
	Create(ctx context.Context, registry Registry) (Registry, error)
	Get(ctx context.Context, id int64) (Registry, error)
	GetByShortname(ctx context.Context, shortname string) (Registry, error)
	GetByURL(ctx context.Context, rawURL string) (Registry, error)
	FirstIncomplete(ctx context.Context, completedID int64) (Registry, error)
	UpdateStatus(ctx context.Context, id, statusID int64) error
}

// CodeRepository manages Code rows.
type CodeRepository interface {
	// Create inserts the Code unless its URL already exists; created reports which.
	Create(ctx context.Context, code Code) (created bool, err error)
	Get(ctx context.Context, id int64) (Code, error)
	FirstIncomplete(ctx context.Context, completedID int64) (Code, error)
	ListIncomplete(ctx context.Context, completedID int64) ([]Code, error)
	CountIncomplete(ctx context.Context, registryID, completedID int64) (int, error)
	UpdateProgress(ctx context.Context, id, statusID int64, lastPage *int) error
}

// NameRepository manages Name rows.
type NameRepository interface {
	// Create inserts the Name unless its URL already exists; created reports which.
	Create(ctx context.Context, name Name) (created bool, err error)
	Get(ctx context.Context, id int64) (Name, error)
	ListIncomplete(ctx context.Context, completedID int64) ([]Name, error)
	UpdateStatus(ctx context.Context, id, statusID int64) error
}

// RawdataRepository manages Rawdata rows.
type RawdataRepository interface {
	Upsert(ctx context.Context, raw Rawdata) (Rawdata, error)
	GetByName(ctx context.Context, nameID int64) (Rawdata, error)
}

// FieldKeyRepository manages the field-key catalogue.
type FieldKeyRepository interface {
	// GetOrCreate increments Frequency when FullName exists, otherwise inserts
	// a row with Frequency 1. It is the only writer of Frequency.
	GetOrCreate(ctx context.Context, shortName, fullName string) (FieldKey, error)
	List(ctx context.Context, limit int) ([]FieldKey, error)
}

// CrawlJobRepository persists crawl job records used for progress and cancellation.
type CrawlJobRepository interface {
	Create(ctx context.Context, job CrawlJob) error
	Get(ctx context.Context, id string) (CrawlJob, error)
	UpdateStatus(ctx context.Context, id string, status CrawlJobStatus, errText string) error
	RequestCancel(ctx context.Context, id string) error
	IsCancelRequested(ctx context.Context, id string) (bool, error)
}

// Repositories bundles every per-entity repository.
type Repositories interface {
	Statuses() StatusRepository
	Registries() RegistryRepository
	Codes() CodeRepository
	Names() NameRepository
	Rawdata() RawdataRepository
	FieldKeys() FieldKeyRepository
	CrawlJobs() CrawlJobRepository
}

// Store is the relational store. InTx runs fn against repositories bound to
// a single transaction that is committed when fn returns nil and rolled back
// otherwise.
type Store interface {
	Repositories
	InTx(ctx context.Context, fn func(Repositories) error) error
	Close()
}
