package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

// PredictionStore is an in-memory implementation of domain.PredictionStore.
type PredictionStore struct {
	mu     sync.RWMutex
	data   map[uint64]domain.Prediction
	lastID uint64
}

// NewPredictionStore creates an empty prediction store.
func NewPredictionStore() *PredictionStore {
	return &PredictionStore{data: make(map[uint64]domain.Prediction)}
}

// Insert assigns the next id to p and stores it.
func (s *PredictionStore) Insert(_ context.Context, p domain.Prediction) (domain.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	p.ID = s.lastID
	s.data[p.ID] = p
	return p, nil
}

// Get returns a prediction by id.
func (s *PredictionStore) Get(_ context.Context, id uint64) (domain.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data[id]
	if !ok {
		return domain.Prediction{}, domain.ErrNotFound
	}
	return p, nil
}

// LatestActive returns the active prediction with the highest id.
func (s *PredictionStore) LatestActive(_ context.Context) (domain.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := s.lastID; id >= 1; id-- {
		if p, ok := s.data[id]; ok && p.Active {
			return p, nil
		}
	}
	return domain.Prediction{}, domain.ErrNotFound
}

// Deactivate clears the active flag of a prediction.
func (s *PredictionStore) Deactivate(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Active = false
	s.data[id] = p
	return nil
}

// List returns predictions newest first.
func (s *PredictionStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Prediction
	for id := s.lastID; id >= 1; id-- {
		p, ok := s.data[id]
		if !ok {
			continue
		}
		if opts.Since != nil && p.SubmittedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && p.SubmittedAt.After(*opts.Until) {
			continue
		}
		result = append(result, p)
	}
	return paginate(result, opts), nil
}

// ForecasterStore is an in-memory implementation of domain.ForecasterStore.
type ForecasterStore struct {
	mu   sync.RWMutex
	data map[common.Address]struct{}
}

// NewForecasterStore creates an empty forecaster set.
func NewForecasterStore() *ForecasterStore {
	return &ForecasterStore{data: make(map[common.Address]struct{})}
}

// Authorize adds addr to the set. Re-authorizing is a no-op.
func (s *ForecasterStore) Authorize(_ context.Context, addr common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[addr] = struct{}{}
	return nil
}

// Revoke removes addr from the set.
func (s *ForecasterStore) Revoke(_ context.Context, addr common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[addr]; !ok {
		return domain.ErrNotFound
	}
	delete(s.data, addr)
	return nil
}

// IsAuthorized reports whether addr may submit forecasts.
func (s *ForecasterStore) IsAuthorized(_ context.Context, addr common.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[addr]
	return ok, nil
}

// List returns authorized addresses sorted by hex form.
func (s *ForecasterStore) List(_ context.Context) ([]common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Address, 0, len(s.data))
	for a := range s.data {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out, nil
}

// DataSourceStore is an in-memory implementation of domain.DataSourceStore.
type DataSourceStore struct {
	mu   sync.RWMutex
	data map[string]domain.DataSource
}

// NewDataSourceStore creates an empty data source store.
func NewDataSourceStore() *DataSourceStore {
	return &DataSourceStore{data: make(map[string]domain.DataSource)}
}

// Put inserts or replaces a data source by name.
func (s *DataSourceStore) Put(_ context.Context, ds domain.DataSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[ds.Name] = ds
	return nil
}

// Get returns a data source by name.
func (s *DataSourceStore) Get(_ context.Context, name string) (domain.DataSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.data[name]
	if !ok {
		return domain.DataSource{}, domain.ErrNotFound
	}
	return ds, nil
}

// List returns all data sources sorted by name.
func (s *DataSourceStore) List(_ context.Context) ([]domain.DataSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DataSource, 0, len(s.data))
	for _, ds := range s.data {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Compile-time interface checks.
var (
	_ domain.PredictionStore = (*PredictionStore)(nil)
	_ domain.ForecasterStore = (*ForecasterStore)(nil)
	_ domain.DataSourceStore = (*DataSourceStore)(nil)
)
