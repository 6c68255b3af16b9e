// Package memory provides in-process implementations of the session stores.
// The transport store is always process-local; the metadata store is the
// single-instance alternative to redisstore.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/mcp-exchange-server/sessions"
)

var (
	_ sessions.TransportStore = (*TransportStore)(nil)
	_ sessions.MetadataStore  = (*MetadataStore)(nil)
)

// TransportStore is a mutex-guarded map of live transports.
type TransportStore struct {
	mu         sync.RWMutex
	transports map[string]sessions.Transport
}

// NewTransportStore returns an empty TransportStore.
func NewTransportStore() *TransportStore {
	return &TransportStore{transports: make(map[string]sessions.Transport)}
}

func (s *TransportStore) Get(id string) (sessions.Transport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transports[id]
	return t, ok
}

func (s *TransportStore) Put(id string, t sessions.Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.transports[id]; exists {
		return sessions.ErrSessionExists
	}
	s.transports[id] = t
	return nil
}

func (s *TransportStore) Delete(id string) (sessions.Transport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transports[id]
	if ok {
		delete(s.transports, id)
	}
	return t, ok
}

// IDs returns a sorted snapshot of the stored ids.
func (s *TransportStore) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.transports))
	for id := range s.transports {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (s *TransportStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transports)
}

// MetadataStore keeps session metadata in a map. Values are copied in and out
// so callers never share a record.
type MetadataStore struct {
	mu   sync.RWMutex
	meta map[string]*sessions.Metadata
}

// NewMetadataStore returns an empty MetadataStore.
func NewMetadataStore() *MetadataStore {
	return &MetadataStore{meta: make(map[string]*sessions.Metadata)}
}

func (s *MetadataStore) Insert(_ context.Context, md sessions.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.meta[md.ID]; exists {
		return sessions.ErrSessionExists
	}
	cp := md
	s.meta[md.ID] = &cp
	return nil
}

func (s *MetadataStore) Get(_ context.Context, id string) (sessions.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md, ok := s.meta[id]
	if !ok {
		return sessions.Metadata{}, sessions.ErrSessionNotFound
	}
	return *md, nil
}

func (s *MetadataStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.meta, id)
	s.mu.Unlock()
	return nil
}

func (s *MetadataStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if md, ok := s.meta[id]; ok && at.After(md.LastActivityAt) {
		md.LastActivityAt = at
	}
	return nil
}

func (s *MetadataStore) IncrRequests(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.meta[id]
	if !ok {
		return 0, nil
	}
	md.RequestCount++
	return md.RequestCount, nil
}

func (s *MetadataStore) IncrErrors(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.meta[id]
	if !ok {
		return 0, nil
	}
	md.ErrorCount++
	return md.ErrorCount, nil
}

// List returns all records ordered by id.
func (s *MetadataStore) List(_ context.Context) ([]sessions.Metadata, error) {
	s.mu.RLock()
	out := make([]sessions.Metadata, 0, len(s.meta))
	for _, md := range s.meta {
		out = append(out, *md)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
