// Package storage combines result store backends.
package storage

import (
	"context"
	"errors"

	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// Fanout saves every result to each backend and joins their errors.
type Fanout []qa.ResultStore

var _ qa.ResultStore = Fanout(nil)

// SaveScan writes r to every backend.
func (f Fanout) SaveScan(ctx context.Context, r qa.ScanResult) error {
	return f.each(func(s qa.ResultStore) error { return s.SaveScan(ctx, r) })
}

// SaveMultiPage writes r to every backend.
func (f Fanout) SaveMultiPage(ctx context.Context, r qa.MultiPageScanResult) error {
	return f.each(func(s qa.ResultStore) error { return s.SaveMultiPage(ctx, r) })
}

// SaveFormTest writes r to every backend.
func (f Fanout) SaveFormTest(ctx context.Context, r qa.FormTestResult) error {
	return f.each(func(s qa.ResultStore) error { return s.SaveFormTest(ctx, r) })
}

func (f Fanout) each(fn func(qa.ResultStore) error) error {
	var errs []error
	for _, s := range f {
		if err := fn(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
