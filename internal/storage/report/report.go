// Package report writes results as JSON artifacts to a blob store.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/qa-scanner/internal/id/uuid"
	"github.com/JakeFAU/qa-scanner/internal/qa"
)

const contentType = "application/json"

// Store implements qa.ResultStore on a BlobStore. Objects are laid out as
// <kind>/<site>/<id>.json.
type Store struct {
	blobs qa.BlobStore
	ids   qa.IDGenerator
}

var _ qa.ResultStore = (*Store)(nil)

// New wraps blobs.
func New(blobs qa.BlobStore) *Store {
	return &Store{blobs: blobs, ids: uuid.New("form")}
}

// SaveScan writes scans/<site>/<id>.json.
func (s *Store) SaveScan(ctx context.Context, r qa.ScanResult) error {
	_, err := s.put(ctx, "scans", r.SiteID, r.ID, r)
	return err
}

// SaveMultiPage writes crawls/<site>/<id>.json.
func (s *Store) SaveMultiPage(ctx context.Context, r qa.MultiPageScanResult) error {
	_, err := s.put(ctx, "crawls", r.SiteID, r.ID, r)
	return err
}

// SaveFormTest writes forms/<host>/<id>.json under a fresh ID.
func (s *Store) SaveFormTest(ctx context.Context, r qa.FormTestResult) error {
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("form report id: %w", err)
	}
	_, err = s.put(ctx, "forms", hostOf(r.URL), id, r)
	return err
}

func (s *Store) put(ctx context.Context, kind, site, id string, v any) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: %s report without id", qa.ErrInvalidRequest, kind)
	}
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s report: %w", kind, err)
	}
	if site == "" {
		site = "_"
	}
	key := path.Join(kind, safeSegment(site), safeSegment(id)+".json")
	uri, err := s.blobs.PutObject(ctx, key, contentType, body)
	if err != nil {
		return "", fmt.Errorf("write %s report: %w", kind, err)
	}
	return uri, nil
}

func hostOf(raw string) string {
	rest := raw
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// safeSegment keeps one path element from escaping its directory.
func safeSegment(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
	if s == "" || s == "." {
		return "_"
	}
	return s
}
