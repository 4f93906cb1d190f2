// Package memory implements crawler.Store in process memory for development
// and tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
)

type state struct {
	seq        int64
	statuses   []crawler.Status
	registries map[int64]crawler.Registry
	codes      map[int64]crawler.Code
	names      map[int64]crawler.Name
	rawdata    map[int64]crawler.Rawdata // keyed by name id
	fieldKeys  map[string]crawler.FieldKey
	jobs       map[string]crawler.CrawlJob
}

func newState() *state {
	return &state{
		registries: make(map[int64]crawler.Registry),
		codes:      make(map[int64]crawler.Code),
		names:      make(map[int64]crawler.Name),
		rawdata:    make(map[int64]crawler.Rawdata),
		fieldKeys:  make(map[string]crawler.FieldKey),
		jobs:       make(map[string]crawler.CrawlJob),
	}
}

func (s *state) clone() *state {
	return &state{
		seq:        s.seq,
		statuses:   slices.Clone(s.statuses),
		registries: maps.Clone(s.registries),
		codes:      maps.Clone(s.codes),
		names:      maps.Clone(s.names),
		rawdata:    maps.Clone(s.rawdata),
		fieldKeys:  maps.Clone(s.fieldKeys),
		jobs:       maps.Clone(s.jobs),
	}
}

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

// Store keeps every table in maps guarded by a single mutex. Transactions
// are serialised; a failed transaction restores the snapshot taken when it
// began. Calls made outside a transaction wait for any running one, so a
// rollback never discards them.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	st   *state
	now  func() time.Time
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{st: newState(), now: func() time.Time { return time.Now().UTC() }}
}

// InTx runs fn and rolls every change back when it returns an error.
func (s *Store) InTx(_ context.Context, fn func(crawler.Repositories) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(view{Store: s, inTx: true}); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() {}

// Statuses implements crawler.Repositories.
func (s *Store) Statuses() crawler.StatusRepository { return view{Store: s}.Statuses() }

// Registries implements crawler.Repositories.
func (s *Store) Registries() crawler.RegistryRepository { return view{Store: s}.Registries() }

// Codes implements crawler.Repositories.
func (s *Store) Codes() crawler.CodeRepository { return view{Store: s}.Codes() }

// Names implements crawler.Repositories.
func (s *Store) Names() crawler.NameRepository { return view{Store: s}.Names() }

// Rawdata implements crawler.Repositories.
func (s *Store) Rawdata() crawler.RawdataRepository { return view{Store: s}.Rawdata() }

// FieldKeys implements crawler.Repositories.
func (s *Store) FieldKeys() crawler.FieldKeyRepository { return view{Store: s}.FieldKeys() }

// CrawlJobs implements crawler.Repositories.
func (s *Store) CrawlJobs() crawler.CrawlJobRepository { return view{Store: s}.CrawlJobs() }

// view is the Store as its repositories see it. inTx marks the view handed
// to an InTx callback, which already holds txMu.
type view struct {
	*Store
	inTx bool
}

func (v view) Statuses() crawler.StatusRepository     { return statusRepo{v} }
func (v view) Registries() crawler.RegistryRepository { return registryRepo{v} }
func (v view) Codes() crawler.CodeRepository          { return codeRepo{v} }
func (v view) Names() crawler.NameRepository          { return nameRepo{v} }
func (v view) Rawdata() crawler.RawdataRepository     { return rawdataRepo{v} }
func (v view) FieldKeys() crawler.FieldKeyRepository  { return fieldKeyRepo{v} }
func (v view) CrawlJobs() crawler.CrawlJobRepository  { return crawlJobRepo{v} }

func (v view) lock() (*state, func()) {
	if v.inTx {
		v.mu.Lock()
		return v.st, v.mu.Unlock
	}
	v.txMu.Lock()
	v.mu.Lock()
	return v.st, func() {
		v.mu.Unlock()
		v.txMu.Unlock()
	}
}

type statusRepo struct{ s view }

func (r statusRepo) EnsureDefaults(_ context.Context) (crawler.StatusSet, error) {
	st, unlock := r.s.lock()
	defer unlock()

	ids := make(map[crawler.StatusLabel]int64, len(st.statuses))
	for _, status := range st.statuses {
		ids[status.Label] = status.ID
	}
	for _, label := range crawler.RequiredStatuses {
		if _, ok := ids[label]; ok {
			continue
		}
		id := int64(len(st.statuses) + 1)
		st.statuses = append(st.statuses, crawler.Status{ID: id, Label: label})
		ids[label] = id
	}
	return crawler.StatusSet{
		New:        ids[crawler.StatusNew],
		InProgress: ids[crawler.StatusInProgress],
		Completed:  ids[crawler.StatusCompleted],
	}, nil
}

func (r statusRepo) List(_ context.Context) ([]crawler.Status, error) {
	st, unlock := r.s.lock()
	defer unlock()
	return slices.Clone(st.statuses), nil
}

type registryRepo struct{ s view }

func (r registryRepo) Create(_ context.Context, registry crawler.Registry) (crawler.Registry, error) {
	st, unlock := r.s.lock()
	defer unlock()
	for _, existing := range st.registries {
		if existing.Shortname == registry.Shortname || existing.URL == registry.URL {
			return crawler.Registry{}, fmt.Errorf("registry %q: %w", registry.Shortname, crawler.ErrDuplicateRegistry)
		}
	}
	registry.ID = st.nextID()
	st.registries[registry.ID] = registry
	return registry, nil
}

func (r registryRepo) Get(_ context.Context, id int64) (crawler.Registry, error) {
	st, unlock := r.s.lock()
	defer unlock()
	registry, ok := st.registries[id]
	if !ok {
		return crawler.Registry{}, crawler.ErrNotFound
	}
	return registry, nil
}

func (r registryRepo) find(match func(crawler.Registry) bool) (crawler.Registry, error) {
	st, unlock := r.s.lock()
	defer unlock()
	for _, id := range sortedKeys(st.registries) {
		if match(st.registries[id]) {
			return st.registries[id], nil
		}
	}
	return crawler.Registry{}, crawler.ErrNotFound
}

func (r registryRepo) GetByShortname(_ context.Context, shortname string) (crawler.Registry, error) {
	return r.find(func(reg crawler.Registry) bool { return reg.Shortname == shortname })
}

func (r registryRepo) GetByURL(_ context.Context, rawURL string) (crawler.Registry, error) {
	return r.find(func(reg crawler.Registry) bool { return reg.URL == rawURL })
}

func (r registryRepo) FirstIncomplete(_ context.Context, completedID int64) (crawler.Registry, error) {
	return r.find(func(reg crawler.Registry) bool { return reg.StatusID != completedID })
}

func (r registryRepo) UpdateStatus(_ context.Context, id, statusID int64) error {
	st, unlock := r.s.lock()
	defer unlock()
	registry, ok := st.registries[id]
	if !ok {
		return crawler.ErrNotFound
	}
	registry.StatusID = statusID
	st.registries[id] = registry
	return nil
}

type codeRepo struct{ s view }

func (r codeRepo) Create(_ context.Context, code crawler.Code) (bool, error) {
	st, unlock := r.s.lock()
	defer unlock()
	for _, existing := range st.codes {
		if existing.URL == code.URL {
			return false, nil
		}
	}
	if _, ok := st.registries[code.RegistryID]; !ok {
		return false, fmt.Errorf("code %s: registry %d: %w", code.URL, code.RegistryID, crawler.ErrNotFound)
	}
	code.ID = st.nextID()
	st.codes[code.ID] = code
	return true, nil
}

func (r codeRepo) Get(_ context.Context, id int64) (crawler.Code, error) {
	st, unlock := r.s.lock()
	defer unlock()
	code, ok := st.codes[id]
	if !ok {
		return crawler.Code{}, crawler.ErrNotFound
	}
	return code, nil
}

func (r codeRepo) ListIncomplete(_ context.Context, completedID int64) ([]crawler.Code, error) {
	st, unlock := r.s.lock()
	defer unlock()
	var out []crawler.Code
	for _, id := range sortedKeys(st.codes) {
		if st.codes[id].StatusID != completedID {
			out = append(out, st.codes[id])
		}
	}
	return out, nil
}

func (r codeRepo) FirstIncomplete(ctx context.Context, completedID int64) (crawler.Code, error) {
	codes, _ := r.ListIncomplete(ctx, completedID)
	if len(codes) == 0 {
		return crawler.Code{}, crawler.ErrNotFound
	}
	return codes[0], nil
}

func (r codeRepo) CountIncomplete(_ context.Context, registryID, completedID int64) (int, error) {
	st, unlock := r.s.lock()
	defer unlock()
	n := 0
	for _, code := range st.codes {
		if code.RegistryID == registryID && code.StatusID != completedID {
			n++
		}
	}
	return n, nil
}

func (r codeRepo) UpdateProgress(_ context.Context, id, statusID int64, lastPage *int) error {
	st, unlock := r.s.lock()
	defer unlock()
	code, ok := st.codes[id]
	if !ok {
		return crawler.ErrNotFound
	}
	code.StatusID = statusID
	code.LastPage = nil
	if lastPage != nil {
		v := *lastPage
		code.LastPage = &v
	}
	st.codes[id] = code
	return nil
}

type nameRepo struct{ s view }

func (r nameRepo) Create(_ context.Context, name crawler.Name) (bool, error) {
	st, unlock := r.s.lock()
	defer unlock()
	for _, existing := range st.names {
		if existing.URL == name.URL {
			return false, nil
		}
	}
	if _, ok := st.codes[name.CodeID]; !ok {
		return false, fmt.Errorf("name %s: code %d: %w", name.URL, name.CodeID, crawler.ErrNotFound)
	}
	name.ID = st.nextID()
	st.names[name.ID] = name
	return true, nil
}

func (r nameRepo) Get(_ context.Context, id int64) (crawler.Name, error) {
	st, unlock := r.s.lock()
	defer unlock()
	name, ok := st.names[id]
	if !ok {
		return crawler.Name{}, crawler.ErrNotFound
	}
	return name, nil
}

func (r nameRepo) ListIncomplete(_ context.Context, completedID int64) ([]crawler.Name, error) {
	st, unlock := r.s.lock()
	defer unlock()
	var out []crawler.Name
	for _, id := range sortedKeys(st.names) {
		if st.names[id].StatusID != completedID {
			out = append(out, st.names[id])
		}
	}
	return out, nil
}

func (r nameRepo) UpdateStatus(_ context.Context, id, statusID int64) error {
	st, unlock := r.s.lock()
	defer unlock()
	name, ok := st.names[id]
	if !ok {
		return crawler.ErrNotFound
	}
	name.StatusID = statusID
	st.names[id] = name
	return nil
}

type rawdataRepo struct{ s view }

func (r rawdataRepo) Upsert(_ context.Context, raw crawler.Rawdata) (crawler.Rawdata, error) {
	st, unlock := r.s.lock()
	defer unlock()
	if _, ok := st.names[raw.NameID]; !ok {
		return crawler.Rawdata{}, fmt.Errorf("rawdata: name %d: %w", raw.NameID, crawler.ErrNotFound)
	}
	if existing, ok := st.rawdata[raw.NameID]; ok {
		raw.ID = existing.ID
	} else {
		raw.ID = st.nextID()
	}
	raw.ParsedData = maps.Clone(raw.ParsedData)
	st.rawdata[raw.NameID] = raw
	return raw, nil
}

func (r rawdataRepo) GetByName(_ context.Context, nameID int64) (crawler.Rawdata, error) {
	st, unlock := r.s.lock()
	defer unlock()
	raw, ok := st.rawdata[nameID]
	if !ok {
		return crawler.Rawdata{}, crawler.ErrNotFound
	}
	raw.ParsedData = maps.Clone(raw.ParsedData)
	return raw, nil
}

type fieldKeyRepo struct{ s view }

func (r fieldKeyRepo) GetOrCreate(_ context.Context, shortName, fullName string) (crawler.FieldKey, error) {
	st, unlock := r.s.lock()
	defer unlock()
	key, ok := st.fieldKeys[fullName]
	if !ok {
		key = crawler.FieldKey{ID: st.nextID(), ShortName: shortName, FullName: fullName}
	}
	key.Frequency++
	st.fieldKeys[fullName] = key
	return key, nil
}

func (r fieldKeyRepo) List(_ context.Context, limit int) ([]crawler.FieldKey, error) {
	st, unlock := r.s.lock()
	defer unlock()
	out := slices.Collect(maps.Values(st.fieldKeys))
	slices.SortFunc(out, func(a, b crawler.FieldKey) int {
		if c := cmp.Compare(b.Frequency, a.Frequency); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type crawlJobRepo struct{ s view }

func (r crawlJobRepo) Create(_ context.Context, job crawler.CrawlJob) error {
	st, unlock := r.s.lock()
	defer unlock()
	if _, exists := st.jobs[job.ID]; exists {
		return fmt.Errorf("crawl job %s already exists", job.ID)
	}
	now := r.s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	st.jobs[job.ID] = job
	return nil
}

func (r crawlJobRepo) Get(_ context.Context, id string) (crawler.CrawlJob, error) {
	st, unlock := r.s.lock()
	defer unlock()
	job, ok := st.jobs[id]
	if !ok {
		return crawler.CrawlJob{}, crawler.ErrNotFound
	}
	return job, nil
}

func (r crawlJobRepo) UpdateStatus(_ context.Context, id string, status crawler.CrawlJobStatus, errText string) error {
	st, unlock := r.s.lock()
	defer unlock()
	job, ok := st.jobs[id]
	if !ok {
		return crawler.ErrNotFound
	}
	job.Status = status
	job.ErrorText = errText
	job.UpdatedAt = r.s.now()
	st.jobs[id] = job
	return nil
}

func (r crawlJobRepo) RequestCancel(_ context.Context, id string) error {
	st, unlock := r.s.lock()
	defer unlock()
	job, ok := st.jobs[id]
	if !ok {
		return crawler.ErrNotFound
	}
	job.CancelRequested = true
	job.UpdatedAt = r.s.now()
	st.jobs[id] = job
	return nil
}

func (r crawlJobRepo) IsCancelRequested(_ context.Context, id string) (bool, error) {
	st, unlock := r.s.lock()
	defer unlock()
	job, ok := st.jobs[id]
	if !ok {
		return false, crawler.ErrNotFound
	}
	return job.CancelRequested, nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	return slices.Sorted(maps.Keys(m))
}
