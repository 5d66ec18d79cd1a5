// Package memory provides in-process implementations of the store contracts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/unklstewy/securelinks/internal/models"
	"github.com/unklstewy/securelinks/internal/store"
)

// LinkStore is a mutex guarded store.LinkStore.
type LinkStore struct {
	mu     sync.RWMutex
	nextID int64
	links  map[int64]*models.SecureLink
	byHash map[string]int64
}

// NewLinkStore creates an empty link store.
func NewLinkStore() *LinkStore {
	return &LinkStore{
		links:  make(map[int64]*models.SecureLink),
		byHash: make(map[string]int64),
	}
}

func (s *LinkStore) Create(_ context.Context, link *models.SecureLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byHash[link.Hash]; exists {
		return store.ErrConflict
	}

	s.nextID++
	link.ID = s.nextID
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	cp := *link
	s.links[cp.ID] = &cp
	s.byHash[cp.Hash] = cp.ID
	return nil
}

func (s *LinkStore) GetByID(_ context.Context, id int64) (*models.SecureLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	link, ok := s.links[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *link
	return &cp, nil
}

func (s *LinkStore) GetByHash(_ context.Context, hash string) (*models.SecureLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.links[id]
	return &cp, nil
}

func (s *LinkStore) FindActive(_ context.Context, mediaID, formatID int64, now time.Time) (*models.SecureLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.SecureLink
	for _, link := range s.links {
		if link.MediaID != mediaID || link.FormatID != formatID || !link.Usable(now) {
			continue
		}
		if best == nil || link.ID > best.ID {
			best = link
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *LinkStore) List(_ context.Context, filter store.LinkFilter) ([]*models.SecureLink, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*models.SecureLink, 0)
	for _, link := range s.links {
		if filter.Matches(link) {
			cp := *link
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	return paginate(matched, filter.Limit, filter.Offset), len(matched), nil
}

func (s *LinkStore) SetActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[id]
	if !ok {
		return store.ErrNotFound
	}
	link.Active = active
	return nil
}

func (s *LinkStore) DeactivatePair(_ context.Context, mediaID, formatID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, link := range s.links {
		if link.MediaID == mediaID && link.FormatID == formatID && link.Active {
			link.Active = false
			n++
		}
	}
	return n, nil
}

func (s *LinkStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.byHash, link.Hash)
	delete(s.links, id)
	return nil
}

func (s *LinkStore) IncrementUsage(_ context.Context, id int64, action models.ActionKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[id]
	if !ok {
		return store.ErrNotFound
	}
	switch action {
	case models.ActionDownload:
		link.DownloadCount++
	case models.ActionCopy:
		link.CopyCount++
	}
	return nil
}

func (s *LinkStore) CountActive(_ context.Context, now time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, link := range s.links {
		if link.Usable(now) {
			n++
		}
	}
	return n, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
