package repositoryimpl

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ktsuji/lamphub/internal/userstats"
	"github.com/ktsuji/lamphub/pkg/cerr"
	"github.com/ktsuji/lamphub/pkg/storage"
)

const statsPrefix = "userstats"

type YAMLRepository struct {
	storage storage.Storage

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{
		storage: s,
		locks:   make(map[string]*sync.Mutex),
	}
}

func path(userID string) string {
	return fmt.Sprintf("%s/%s.yaml", statsPrefix, userID)
}

func (r *YAMLRepository) lockFor(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[userID] = l
	}
	return l
}

func (r *YAMLRepository) Get(ctx context.Context, userID string) (*userstats.Stats, error) {
	data, err := r.storage.Read(ctx, path(userID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &userstats.Stats{UserID: userID}, nil
		}
		return nil, cerr.WrapStorageReadError("user stats", err)
	}
	var s userstats.Stats
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal user stats: %w", err))
	}
	return &s, nil
}

func (r *YAMLRepository) Mutate(ctx context.Context, userID string, fn func(s *userstats.Stats) error) (*userstats.Stats, error) {
	l := r.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	s, err := r.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal user stats: %w", err))
	}
	if err := r.storage.Write(ctx, path(userID), data); err != nil {
		return nil, cerr.WrapStorageWriteError("user stats", err)
	}
	return s, nil
}
