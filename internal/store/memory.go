package store

// The in-memory store backs tests and COUNCIL_STORE=memory. Nothing
// survives a restart.

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lifeos-nexus/council/pkg/models"
	"github.com/rs/zerolog/log"
)

// memoryRow pairs a request with its insertion sequence, which breaks
// created_at ties the same way rowid does in SQLite.
type memoryRow struct {
	req *models.CouncilRequest
	seq uint64
}

// MemoryStore implements RequestStore with an in-memory map.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*memoryRow // key: request id
	seq  uint64
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]*memoryRow),
		now:  time.Now,
	}
}

func (m *MemoryStore) Init(_ context.Context) error {
	log.Info().Msg("✅ In-memory council store initialized")
	return nil
}

func (m *MemoryStore) Save(_ context.Context, id, query, tier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[id]; ok {
		return ErrAlreadyExists
	}
	now := m.now().UnixMilli()
	m.seq++
	m.rows[id] = &memoryRow{
		seq: m.seq,
		req: &models.CouncilRequest{
			ID:        id,
			Query:     query,
			Tier:      tier,
			Status:    models.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	return nil
}

func (m *MemoryStore) MarkProcessing(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[id]
	if !ok || row.req.Status != models.StatusPending {
		log.Debug().Str("request_id", id).Msg("No pending row to mark processing")
		return nil
	}
	row.req.Status = models.StatusProcessing
	row.req.UpdatedAt = m.now().UnixMilli()
	return nil
}

func (m *MemoryStore) Complete(_ context.Context, id string, resp *models.CouncilResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[id]
	if !ok || row.req.Status.Terminal() {
		return nil
	}
	r := row.req
	r.Status = models.StatusCompleted
	r.Stage1 = resp.Stage1
	r.Stage2 = resp.Stage2
	r.Stage3 = resp.Stage3
	r.Metadata = resp.Metadata
	if resp.Duration != nil {
		d := *resp.Duration
		r.Duration = &d
	}
	r.UpdatedAt = m.now().UnixMilli()
	return nil
}

func (m *MemoryStore) Fail(_ context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[id]
	if !ok || row.req.Status.Terminal() {
		return nil
	}
	row.req.Status = models.StatusError
	row.req.Error = message
	row.req.UpdatedAt = m.now().UnixMilli()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.CouncilRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.rows[id]
	if !ok {
		return nil, notFound(id)
	}
	cp := *row.req
	return &cp, nil
}

func (m *MemoryStore) GetActive(_ context.Context) (*models.CouncilRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, row := range m.sortedLocked() {
		if !row.req.Status.Terminal() {
			cp := *row.req
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListRecent(_ context.Context, limit int) ([]models.RequestSummary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	sorted := m.sortedLocked()
	out := make([]models.RequestSummary, 0, min(limit, len(sorted)))
	for _, row := range sorted {
		if len(out) == limit {
			break
		}
		out = append(out, models.RequestSummary{
			ID:        row.req.ID,
			Query:     row.req.Query,
			Tier:      row.req.Tier,
			CreatedAt: row.req.CreatedAt,
			Duration:  row.req.Duration,
		})
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[id]; !ok {
		return false, nil
	}
	delete(m.rows, id)
	return true, nil
}

func (m *MemoryStore) Prune(_ context.Context, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := m.sortedLocked()
	if keep < 0 {
		keep = 0
	}
	var pruned int64
	for i := keep; i < len(sorted); i++ {
		delete(m.rows, sorted[i].req.ID)
		pruned++
	}
	return pruned, nil
}

func (m *MemoryStore) FailInFlight(_ context.Context, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixMilli()
	var n int64
	for _, row := range m.rows {
		if row.req.Status.Terminal() {
			continue
		}
		row.req.Status = models.StatusError
		row.req.Error = message
		row.req.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }

// sortedLocked returns rows newest first. Caller holds m.mu.
func (m *MemoryStore) sortedLocked() []*memoryRow {
	out := make([]*memoryRow, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].req.CreatedAt != out[j].req.CreatedAt {
			return out[i].req.CreatedAt > out[j].req.CreatedAt
		}
		return out[i].seq > out[j].seq
	})
	return out
}
