package repositoryimpl

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ktsuji/lamphub/internal/device"
	"github.com/ktsuji/lamphub/pkg/cerr"
	"github.com/ktsuji/lamphub/pkg/storage"
)

const devicesPrefix = "devices"

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

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", devicesPrefix, id)
}

// lockFor returns the mutex serializing read-modify-write cycles for one device.
func (r *YAMLRepository) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

func (r *YAMLRepository) Create(ctx context.Context, d *device.Device) error {
	l := r.lockFor(d.ID)
	l.Lock()
	defer l.Unlock()

	exists, err := r.storage.Exists(ctx, path(d.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("device", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "device already exists", nil)
	}
	return r.write(ctx, d)
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*device.Device, error) {
	data, err := r.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("device", err)
	}
	var d device.Device
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal device: %w", err))
	}
	return &d, nil
}

func (r *YAMLRepository) List(ctx context.Context, ownerID string) ([]*device.Device, error) {
	paths, err := r.storage.List(ctx, devicesPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("devices", err)
	}

	var all []*device.Device
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var d device.Device
		if err := yaml.Unmarshal(data, &d); err != nil {
			continue
		}
		if ownerID != "" && d.OwnerID != ownerID {
			continue
		}
		all = append(all, &d)
	}
	return all, nil
}

func (r *YAMLRepository) Update(ctx context.Context, d *device.Device) error {
	l := r.lockFor(d.ID)
	l.Lock()
	defer l.Unlock()

	exists, err := r.storage.Exists(ctx, path(d.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("device", err)
	}
	if !exists {
		return cerr.NewError(cerr.NotFound, "device not found", nil)
	}
	return r.write(ctx, d)
}

func (r *YAMLRepository) Delete(ctx context.Context, id string) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if err := r.storage.Delete(ctx, path(id)); err != nil {
		return cerr.WrapStorageDeleteError("device", err)
	}
	return nil
}

func (r *YAMLRepository) Mutate(ctx context.Context, id string, fn func(d *device.Device) error) (*device.Device, error) {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	d, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(d); err != nil {
		return nil, err
	}
	if err := r.write(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *YAMLRepository) write(ctx context.Context, d *device.Device) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal device: %w", err))
	}
	if err := r.storage.Write(ctx, path(d.ID), data); err != nil {
		return cerr.WrapStorageWriteError("device", err)
	}
	return nil
}
