// Package memstore is an in-process CanvasStore used in dev mode and by the
// service tests. A single mutex guards all state, which gives every operation
// the same atomicity the DynamoDB transactions provide.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/zlnvch/cosketch/models"
	"github.com/zlnvch/cosketch/store"
)

type LedgerEntry struct {
	UserId  string
	Delta   int64
	Reason  string
	JobId   string
	Created int64
}

type sessionData struct {
	session models.Session
	strokes []models.Stroke
	viewers map[string]models.ViewerState
	layers  map[string]models.ImageLayer
	jobs    map[string]models.GenerationJob
}

type MemCanvasStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionData
	balances map[string]int64
	ledger   []LedgerEntry
}

func NewMemCanvasStore() *MemCanvasStore {
	return &MemCanvasStore{
		sessions: make(map[string]*sessionData),
		balances: make(map[string]int64),
	}
}

func newId() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (m *MemCanvasStore) session(sessionId string) (*sessionData, error) {
	sd, ok := m.sessions[sessionId]
	if !ok {
		return nil, store.ErrItemNotFound
	}
	return sd, nil
}

func (m *MemCanvasStore) CreateSession(ctx context.Context, session models.Session) (models.Session, error) {
	id, err := newId()
	if err != nil {
		return models.Session{}, err
	}
	session.Id = id
	session.Created = time.Now().UnixMilli()
	session.StrokeCounter = 0

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = &sessionData{
		session: session,
		viewers: make(map[string]models.ViewerState),
		layers:  make(map[string]models.ImageLayer),
		jobs:    make(map[string]models.GenerationJob),
	}
	return session, nil
}

// PutSession inserts a session as given, keeping its id and created time.
// Tests use it to build fixtures with controlled layer orders.
func (m *MemCanvasStore) PutSession(session models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.Id] = &sessionData{
		session: session,
		viewers: make(map[string]models.ViewerState),
		layers:  make(map[string]models.ImageLayer),
		jobs:    make(map[string]models.GenerationJob),
	}
}

func (m *MemCanvasStore) GetSession(ctx context.Context, sessionId string) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sd, err := m.session(sessionId)
	if err != nil {
		return models.Session{}, err
	}
	return sd.session, nil
}

func (m *MemCanvasStore) ListSessionIds(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemCanvasStore) SetPaintLayerVisible(ctx context.Context, sessionId string, visible bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sd, err := m.session(sessionId)
	if err != nil {
		return err
	}
	sd.session.PaintLayerVisible = visible
	return nil
}

func (m *MemCanvasStore) AppendStroke(ctx context.Context, stroke models.Stroke) (models.Stroke, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sd, err := m.session(stroke.SessionId)
	if err != nil {
		return models.Stroke{}, err
	}
	stroke.Order = sd.session.StrokeCounter
	sd.session.StrokeCounter++
	sd.strokes = append(sd.strokes, stroke)
	return stroke, nil
}

func (m *MemCanvasStore) GetStrokesSince(ctx context.Context, sessionId string, afterOrder int64) ([]models.Stroke, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sd, ok := m.sessions[sessionId]
	if !ok {
		return []models.Stroke{}, nil
	}
	// strokes are appended in order, so the index equals the order
	if afterOrder >= int64(len(sd.strokes)) {
		return []models.Stroke{}, nil
	}
	start := max(afterOrder+1, 0)
	return slices.Clone(sd.strokes[start:]), nil
}

func (m *MemCanvasStore) UpsertViewerState(ctx context.Context, state models.ViewerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sd, err := m.session(state.SessionId)
	if err != nil {
		return err
	}
	if current, ok := sd.viewers[state.ViewerId]; ok && current.LastAckedStrokeOrder >= state.LastAckedStrokeOrder {
		return store.ErrConditionFailed
	}
	sd.viewers[state.ViewerId] = state
	return nil
}

func (m *MemCanvasStore) GetViewerState(ctx context.Context, sessionId string, viewerId string) (models.ViewerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sd, err := m.session(sessionId)
	if err != nil {
		return models.ViewerState{}, err
	}
	state, ok := sd.viewers[viewerId]
	if !ok {
		return models.ViewerState{}, store.ErrItemNotFound
	}
	return state, nil
}

func (m *MemCanvasStore) DeleteViewerState(ctx context.Context, sessionId string, viewerId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sd, ok := m.sessions[sessionId]; ok {
		delete(sd.viewers, viewerId)
	}
	return nil
}

func (m *MemCanvasStore) DeleteSessionViewerStates(ctx context.Context, sessionId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sd, ok := m.sessions[sessionId]; ok {
		clear(sd.viewers)
	}
	return nil
}

func (m *MemCanvasStore) CreateImageLayer(ctx context.Context, layer models.ImageLayer) (models.ImageLayer, error) {
	if layer.Id == "" {
		id, err := newId()
		if err != nil {
			return models.ImageLayer{}, err
		}
		layer.Id = id
	}
	if layer.Created == 0 {
		layer.Created = time.Now().UnixMilli()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sd, err := m.session(layer.SessionId)
	if err != nil {
		return models.ImageLayer{}, err
	}
	if _, exists := sd.layers[layer.Id]; exists {
		return models.ImageLayer{}, store.ErrConditionFailed
	}
	sd.layers[layer.Id] = layer
	return layer, nil
}

func (m *MemCanvasStore) GetImageLayers(ctx context.Context, sessionId string) ([]models.ImageLayer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sd, ok := m.sessions[sessionId]
	if !ok {
		return []models.ImageLayer{}, nil
	}
	layers := make([]models.ImageLayer, 0, len(sd.layers))
	for _, l := range sd.layers {
		layers = append(layers, l)
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].Id < layers[j].Id })
	return layers, nil
}

func (m *MemCanvasStore) UpdateLayerOrders(ctx context.Context, sessionId string, updates []models.LayerOrderUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sd, err := m.session(sessionId)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if u.Ref.Kind != models.LayerPaint {
			if _, ok := sd.layers[u.Ref.Id]; !ok {
				return store.ErrItemNotFound
			}
		}
	}
	for _, u := range updates {
		if u.Ref.Kind == models.LayerPaint {
			sd.session.PaintLayerOrder = u.Order
			continue
		}
		l := sd.layers[u.Ref.Id]
		l.LayerOrder = u.Order
		sd.layers[u.Ref.Id] = l
	}
	return nil
}

func (m *MemCanvasStore) CreateJob(ctx context.Context, job models.GenerationJob) (models.GenerationJob, error) {
	id, err := newId()
	if err != nil {
		return models.GenerationJob{}, err
	}
	job.Id = id
	job.Status = models.JobPending
	job.Created = time.Now().UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()
	sd, err := m.session(job.SessionId)
	if err != nil {
		return models.GenerationJob{}, err
	}
	sd.jobs[id] = job
	return job, nil
}

func (m *MemCanvasStore) GetJob(ctx context.Context, sessionId string, jobId string) (models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sd, err := m.session(sessionId)
	if err != nil {
		return models.GenerationJob{}, err
	}
	job, ok := sd.jobs[jobId]
	if !ok {
		return models.GenerationJob{}, store.ErrItemNotFound
	}
	return job, nil
}

func (m *MemCanvasStore) ListJobs(ctx context.Context, sessionId string) ([]models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sd, ok := m.sessions[sessionId]
	if !ok {
		return []models.GenerationJob{}, nil
	}
	jobs := make([]models.GenerationJob, 0, len(sd.jobs))
	for _, j := range sd.jobs {
		jobs = append(jobs, j)
	}
	// v7 ids sort by creation time
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Id < jobs[j].Id })
	return jobs, nil
}

func (m *MemCanvasStore) pendingJob(sessionId string, jobId string) (*sessionData, models.GenerationJob, error) {
	sd, err := m.session(sessionId)
	if err != nil {
		return nil, models.GenerationJob{}, err
	}
	job, ok := sd.jobs[jobId]
	if !ok {
		return nil, models.GenerationJob{}, store.ErrItemNotFound
	}
	if job.Status != models.JobPending {
		return nil, models.GenerationJob{}, store.ErrConditionFailed
	}
	return sd, job, nil
}

func (m *MemCanvasStore) SetJobProviderId(ctx context.Context, sessionId string, jobId string, providerJobId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sd, job, err := m.pendingJob(sessionId, jobId)
	if err != nil {
		return err
	}
	job.ProviderJobId = providerJobId
	sd.jobs[jobId] = job
	return nil
}

func (m *MemCanvasStore) FailJob(ctx context.Context, sessionId string, jobId string, errorKind string, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sd, job, err := m.pendingJob(sessionId, jobId)
	if err != nil {
		return err
	}
	job.Status = models.JobFailed
	job.ErrorKind = errorKind
	job.ErrorMessage = errorMessage
	job.Finished = time.Now().UnixMilli()
	sd.jobs[jobId] = job
	return nil
}

func (m *MemCanvasStore) SettleJob(ctx context.Context, settlement models.JobSettlement) (models.GenerationJob, error) {
	layer := settlement.Layer
	if layer.Id == "" {
		id, err := newId()
		if err != nil {
			return models.GenerationJob{}, err
		}
		layer.Id = id
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if settlement.Cost > 0 && m.balances[settlement.UserId] < settlement.Cost {
		return models.GenerationJob{}, store.ErrInsufficientFunds
	}
	sd, job, err := m.pendingJob(settlement.SessionId, settlement.JobId)
	if err != nil {
		return models.GenerationJob{}, err
	}
	if _, exists := sd.layers[layer.Id]; exists {
		return models.GenerationJob{}, store.ErrConditionFailed
	}

	now := time.Now().UnixMilli()
	m.balances[settlement.UserId] -= settlement.Cost
	m.ledger = append(m.ledger, LedgerEntry{
		UserId:  settlement.UserId,
		Delta:   -settlement.Cost,
		Reason:  settlement.Reason,
		JobId:   settlement.JobId,
		Created: now,
	})

	layer.Created = now
	sd.layers[layer.Id] = layer

	job.Status = models.JobCompleted
	job.ImageURL = settlement.ImageURL
	job.LayerId = layer.Id
	job.Finished = now
	sd.jobs[job.Id] = job
	return job, nil
}

func (m *MemCanvasStore) GetTokenBalance(ctx context.Context, userId string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userId], nil
}

func (m *MemCanvasStore) GrantTokens(ctx context.Context, userId string, amount int64, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userId] += amount
	m.ledger = append(m.ledger, LedgerEntry{
		UserId:  userId,
		Delta:   amount,
		Reason:  reason,
		Created: time.Now().UnixMilli(),
	})
	return m.balances[userId], nil
}

// Ledger returns a copy of every ledger entry for userId, oldest first.
func (m *MemCanvasStore) Ledger(userId string) []LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []LedgerEntry
	for _, e := range m.ledger {
		if e.UserId == userId {
			entries = append(entries, e)
		}
	}
	return entries
}
