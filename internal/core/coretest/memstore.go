// Package coretest provides in-memory implementations of the core storage
// interfaces for tests.
package coretest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/markdave123-py/Docket/internal/core"
	"github.com/markdave123-py/Docket/internal/models"
)

var (
	_ core.DbClient     = (*MemDB)(nil)
	_ core.ObjectClient = (*MemStore)(nil)
)

// MemDB is an in-memory core.DbClient. PersistIngestion validates the batch
// and replaces everything stored for the source at once.
type MemDB struct {
	mu      sync.Mutex
	sources map[string]*models.Source
	pages   map[string][]models.Page
	chunks  map[string][]models.Chunk
	images  map[string][]models.Image
	phases  map[string][]models.Phase
	reports map[string][]byte

	PersistErr error
}

func NewMemDB() *MemDB {
	return &MemDB{
		sources: make(map[string]*models.Source),
		pages:   make(map[string][]models.Page),
		chunks:  make(map[string][]models.Chunk),
		images:  make(map[string][]models.Image),
		phases:  make(map[string][]models.Phase),
		reports: make(map[string][]byte),
	}
}

func (f *MemDB) UpsertSource(_ context.Context, src *models.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *src
	f.sources[src.ID] = &cp
	return nil
}

func (f *MemDB) GetSource(_ context.Context, id string) (*models.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.sources[id]
	if !ok {
		return nil, nil
	}
	cp := *src
	return &cp, nil
}

func (f *MemDB) UpdateSourcePhase(_ context.Context, id string, phase models.Phase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.sources[id]
	if !ok {
		return errors.New("no such source")
	}
	src.Phase = phase
	f.phases[id] = append(f.phases[id], phase)
	return nil
}

func (f *MemDB) SaveIngestReport(_ context.Context, id string, report []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[id] = report
	if src, ok := f.sources[id]; ok {
		src.Report = report
	}
	return nil
}

func (f *MemDB) DeleteSource(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sources, id)
	delete(f.pages, id)
	delete(f.chunks, id)
	delete(f.images, id)
	return nil
}

func (f *MemDB) PersistIngestion(_ context.Context, b *models.IngestionBatch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PersistErr != nil {
		return f.PersistErr
	}
	cp := *b.Source
	f.sources[cp.ID] = &cp
	f.pages[cp.ID] = append([]models.Page(nil), b.Pages...)
	f.chunks[cp.ID] = append([]models.Chunk(nil), b.Chunks...)
	f.images[cp.ID] = append([]models.Image(nil), b.Images...)
	return nil
}

func (f *MemDB) GetChunksBySource(_ context.Context, sourceID string) ([]models.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Chunk(nil), f.chunks[sourceID]...), nil
}

func (f *MemDB) GetImageByPosition(_ context.Context, sourceID string, anchor models.Anchor, index int) (*models.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, img := range f.images[sourceID] {
		if img.Anchor == anchor && img.ImageIndex == index {
			cp := img
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *MemDB) ListImageStoragePaths(_ context.Context, sourceID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, img := range f.images[sourceID] {
		out = append(out, img.StoragePath)
	}
	return out, nil
}

func (f *MemDB) Close() error { return nil }

func (f *MemDB) Phases(id string) []models.Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Phase(nil), f.phases[id]...)
}

// MemStore is an in-memory core.ObjectClient. Keys listed in FailKeys refuse
// uploads.
type MemStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	deleted  []string
	FailKeys map[string]bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		objects:  make(map[string][]byte),
		types:    make(map[string]string),
		FailKeys: make(map[string]bool),
	}
}

func (s *MemStore) UploadFile(_ context.Context, bucket, key string, data io.Reader, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailKeys[key] {
		return "", fmt.Errorf("upload %s refused", key)
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	s.objects[key] = b
	s.types[key] = contentType
	return "mem://" + bucket + "/" + key, nil
}

func (s *MemStore) DeleteFile(_ context.Context, _, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *MemStore) GetFile(_ context.Context, _, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("no object %s", key)
	}
	return b, nil
}

func (s *MemStore) GetObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	b, err := s.GetFile(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *MemStore) PresignGet(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("mem://%s/%s?ttl=%s", bucket, key, ttl), nil
}

func (s *MemStore) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
}

func (s *MemStore) Keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (f *MemDB) Pages(id string) []models.Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Page(nil), f.pages[id]...)
}

func (f *MemDB) Chunks(id string) []models.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Chunk(nil), f.chunks[id]...)
}

func (f *MemDB) Images(id string) []models.Image {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Image(nil), f.images[id]...)
}

func (f *MemDB) Report(id string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reports[id]
}

func (s *MemStore) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

func (s *MemStore) ContentType(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.types[key]
}
