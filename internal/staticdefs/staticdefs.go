// Package staticdefs serves test definitions from a published JSON document
// instead of the database, for sites that deploy their tests as a static file.
package staticdefs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ksiegai/abgate/internal/store"
)

const maxDocumentSize = 4 << 20

// Document is the published shape: active tests keyed by page path.
type Document struct {
	Tests map[string]*store.Test `json:"tests"`
}

// Build collects the active tests into a Document. When two active tests
// claim the same page the most recently updated one wins.
func Build(tests []*store.Test) Document {
	doc := Document{Tests: make(map[string]*store.Test)}
	for _, t := range tests {
		if !t.Active() || t.PagePath == "" {
			continue
		}
		if cur, ok := doc.Tests[t.PagePath]; ok && cur.UpdatedAt.After(t.UpdatedAt) {
			continue
		}
		doc.Tests[t.PagePath] = t
	}
	return doc
}

// Write encodes doc as indented JSON.
func Write(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// Source fetches a Document over HTTP and caches it for a TTL. A failed fetch
// keeps serving the last good document; with none, there are no tests. Once a
// document is loaded, callers get it immediately while one refresh runs.
type Source struct {
	url    string
	ttl    time.Duration
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
	group  singleflight.Group

	mu        sync.Mutex
	doc       Document
	fetchedAt time.Time
	loaded    bool
}

func NewSource(url string, ttl time.Duration, logger *zap.Logger) *Source {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
		now:    time.Now,
	}
}

// ActiveTestForPage satisfies store.Definitions.
func (s *Source) ActiveTestForPage(ctx context.Context, pagePath string) (*store.Test, error) {
	doc := s.document(ctx)
	t, ok := doc.Tests[pagePath]
	if !ok || !t.Active() {
		return nil, store.ErrNotFound
	}
	return t, nil
}

// GetTestByKey satisfies store.Definitions.
func (s *Source) GetTestByKey(ctx context.Context, key string) (*store.Test, error) {
	doc := s.document(ctx)
	for _, t := range doc.Tests {
		if t.Key == key {
			return t, nil
		}
	}
	return nil, store.ErrNotFound
}

// Keys lists the test keys in the current document.
func (s *Source) Keys(ctx context.Context) []string {
	doc := s.document(ctx)
	keys := make([]string, 0, len(doc.Tests))
	for _, t := range doc.Tests {
		keys = append(keys, t.Key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Source) document(ctx context.Context) Document {
	s.mu.Lock()
	doc, loaded := s.doc, s.loaded
	fresh := loaded && s.now().Sub(s.fetchedAt) < s.ttl
	s.mu.Unlock()
	if fresh {
		return doc
	}

	// The refresh outlives the request that started it.
	ch := s.group.DoChan("document", func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx)), nil
	})
	if loaded {
		return doc
	}
	select {
	case res := <-ch:
		return res.Val.(Document)
	case <-ctx.Done():
		return Document{}
	}
}

func (s *Source) refresh(ctx context.Context) Document {
	doc, err := s.fetch(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Retry on the next TTL boundary rather than on every request.
	s.fetchedAt = s.now()
	if err != nil {
		s.logger.Warn("fetching static test definitions failed", zap.String("url", s.url), zap.Error(err))
		if !s.loaded {
			s.loaded = true
			s.doc = Document{}
		}
		return s.doc
	}
	s.doc = doc
	s.loaded = true
	return s.doc
}

func (s *Source) fetch(ctx context.Context) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Document{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("get %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("get %s: status %d", s.url, resp.StatusCode)
	}

	var doc Document
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	for path, t := range doc.Tests {
		if t == nil {
			delete(doc.Tests, path)
			continue
		}
		if t.PagePath == "" {
			t.PagePath = path
		}
		if t.ID == "" {
			t.ID = t.Key
		}
		if err := store.Validate(t); err != nil {
			s.logger.Warn("skipping invalid static test", zap.String("page_path", path), zap.Error(err))
			delete(doc.Tests, path)
		}
	}
	return doc, nil
}
