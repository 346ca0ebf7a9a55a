package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// ResultStore keeps finished results keyed by ID.
type ResultStore struct {
	mu    sync.RWMutex
	scans map[string]qa.ScanResult
	multi map[string]qa.MultiPageScanResult
	forms []qa.FormTestResult
}

var _ qa.ResultStore = (*ResultStore)(nil)

// NewResultStore constructs an empty ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{
		scans: make(map[string]qa.ScanResult),
		multi: make(map[string]qa.MultiPageScanResult),
	}
}

// SaveScan stores a single-page result.
func (s *ResultStore) SaveScan(_ context.Context, result qa.ScanResult) error {
	if result.ID == "" {
		return fmt.Errorf("%w: scan result without id", qa.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans[result.ID] = result
	return nil
}

// SaveMultiPage stores a crawl or batch result.
func (s *ResultStore) SaveMultiPage(_ context.Context, result qa.MultiPageScanResult) error {
	if result.ID == "" {
		return fmt.Errorf("%w: multi-page result without id", qa.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multi[result.ID] = result
	return nil
}

// SaveFormTest appends a form test result.
func (s *ResultStore) SaveFormTest(_ context.Context, result qa.FormTestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forms = append(s.forms, result)
	return nil
}

// Scan returns a stored single-page result or qa.ErrNotFound.
func (s *ResultStore) Scan(id string) (qa.ScanResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.scans[id]
	if !ok {
		return qa.ScanResult{}, fmt.Errorf("scan %s: %w", id, qa.ErrNotFound)
	}
	return r, nil
}

// MultiPage returns a stored crawl or batch result or qa.ErrNotFound.
func (s *ResultStore) MultiPage(id string) (qa.MultiPageScanResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.multi[id]
	if !ok {
		return qa.MultiPageScanResult{}, fmt.Errorf("result %s: %w", id, qa.ErrNotFound)
	}
	return r, nil
}

// FormTests returns a copy of every stored form test.
func (s *ResultStore) FormTests() []qa.FormTestResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]qa.FormTestResult, len(s.forms))
	copy(out, s.forms)
	return out
}
