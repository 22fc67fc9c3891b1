package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Backend loads and saves the whole Document.
type Backend interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
}

// Store owns the Document. Reads are served from memory and every mutation is a
// read-modify-write serialized by one mutex, persisted before it becomes visible.
type Store struct {
	mu      sync.RWMutex
	doc     *Document
	backend Backend
	logger  *slog.Logger
}

func Open(ctx context.Context, backend Backend, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	doc, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}

	logger.Info("document loaded",
		"#credentials", len(doc.Credentials),
		"#scheduledMessages", len(doc.ScheduledMessages),
	)

	return &Store{
		doc:     doc.normalize(),
		backend: backend,
		logger:  logger,
	}, nil
}

func (s *Store) Tokens() *TokenStore {
	return &TokenStore{store: s}
}

func (s *Store) Queue() *Queue {
	return &Queue{store: s}
}

func (s *Store) read(fn func(doc *Document)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.doc)
}

// update applies fn to a copy of the document. The copy replaces the current
// document only when fn reports a change and the save succeeds.
func (s *Store) update(ctx context.Context, fn func(doc *Document) (changed bool, err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	changed, err := fn(next)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if err := s.backend.Save(ctx, next); err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	s.doc = next

	return nil
}
