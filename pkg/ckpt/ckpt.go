// Package ckpt defines a checkpoint store: named checkpoints made of named
// sections, written by one node and read by another.
package ckpt

import (
	"context"
	"sort"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// Section is one named blob of a checkpoint.
type Section struct {
	ID   string
	Data []byte
}

// Store holds checkpoints.
type Store interface {
	// CreateSection adds a section to a checkpoint, creating the checkpoint
	// if needed. An existing section yields errdefs.ErrAlreadyExists.
	CreateSection(ctx context.Context, name, section string, data []byte) error

	// Sections returns the sections of a checkpoint in creation order.
	// A missing checkpoint yields errdefs.ErrNotFound.
	Sections(ctx context.Context, name string) ([]Section, error)

	// Unlink removes a checkpoint. Removing a missing checkpoint is not an
	// error.
	Unlink(ctx context.Context, name string) error
}

// MemoryStore is a Store kept in memory. It is safe for concurrent use.
type MemoryStore struct {
	mu          sync.Mutex
	checkpoints map[string][]Section
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string][]Section)}
}

func (s *MemoryStore) CreateSection(_ context.Context, name, section string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sec := range s.checkpoints[name] {
		if sec.ID == section {
			return errors.Wrapf(errdefs.ErrAlreadyExists, "checkpoint %s section %s", name, section)
		}
	}
	s.checkpoints[name] = append(s.checkpoints[name], Section{ID: section, Data: append([]byte(nil), data...)})
	return nil
}

func (s *MemoryStore) Sections(_ context.Context, name string) ([]Section, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secs, ok := s.checkpoints[name]
	if !ok {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "checkpoint %s", name)
	}
	out := make([]Section, len(secs))
	for i, sec := range secs {
		out[i] = Section{ID: sec.ID, Data: append([]byte(nil), sec.Data...)}
	}
	return out, nil
}

func (s *MemoryStore) Unlink(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, name)
	return nil
}

// Names returns the names of all checkpoints, sorted.
func (s *MemoryStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.checkpoints))
	for n := range s.checkpoints {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
