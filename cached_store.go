package carto

import "context"

// CachedStore fronts a TableStore with an EphemeralCache on the host side so
// repeated reads from several sessions do not hit the store. Any write through
// it drops the table's entry.
type CachedStore struct {
	TableStore
	cache *EphemeralCache
}

var (
	_ TableStore       = (*CachedStore)(nil)
	_ CacheInvalidator = (*CachedStore)(nil)
)

func NewCachedStore(store TableStore, options ...CacheOption) *CachedStore {
	return &CachedStore{
		TableStore: store,
		cache:      NewEphemeralCache(options...),
	}
}

func (s *CachedStore) ReadTable(ctx context.Context, name string) (TableSnapshot, error) {
	if snap, ok := s.cache.Get(name); ok {
		return snap, nil
	}
	snap, err := s.TableStore.ReadTable(ctx, name)
	if err != nil {
		return TableSnapshot{}, err
	}
	s.cache.Set(name, snap)
	return snap, nil
}

func (s *CachedStore) AddRow(ctx context.Context, name string, row Row) error {
	defer s.cache.Invalidate(name)
	return s.TableStore.AddRow(ctx, name, row)
}

func (s *CachedStore) UpdateRow(ctx context.Context, name string, rowIndex int, row Row) error {
	defer s.cache.Invalidate(name)
	return s.TableStore.UpdateRow(ctx, name, rowIndex, row)
}

func (s *CachedStore) DeleteRow(ctx context.Context, name string, rowIndex int) error {
	defer s.cache.Invalidate(name)
	return s.TableStore.DeleteRow(ctx, name, rowIndex)
}

func (s *CachedStore) InvalidateCache(name string) {
	if name == "" {
		s.cache.InvalidateAll()
		return
	}
	s.cache.Invalidate(name)
}
