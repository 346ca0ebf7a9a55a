package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/qa-scanner/internal/qa"
	"github.com/JakeFAU/qa-scanner/internal/server"
)

type scanFlags struct {
	url       string
	siteID    string
	checks    []string
	maxPages  int
	testForms bool
	submit    bool
}

func (f scanFlags) request() (qa.ScanRequest, error) {
	if f.url == "" {
		return qa.ScanRequest{}, errors.New("--url is required")
	}
	if f.submit && !f.testForms {
		return qa.ScanRequest{}, errors.New("--submit requires --forms")
	}
	req := qa.ScanRequest{
		URL:         f.url,
		SiteID:      f.siteID,
		TestForms:   f.testForms,
		SubmitForms: f.submit,
	}
	for _, c := range f.checks {
		req.Checks = append(req.Checks, qa.CheckKind(c))
	}
	return req, nil
}

func newScanCmd() *cobra.Command {
	var f scanFlags
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan one page, or crawl from it with --max-pages, and print the result as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			st, err := stateFrom(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), st.cfg, st.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 30*time.Second)
				defer cancel()
				if cerr := app.Close(ctx); cerr != nil {
					st.logger.Warn("shutdown failed", zap.Error(cerr))
				}
			}()
			if err := app.StartScanner(cmd.Context()); err != nil {
				return err
			}

			var out any
			if f.maxPages > 1 {
				out, err = app.Scanner().ScanMultiPage(cmd.Context(), qa.MultiPageScanRequest{ScanRequest: req, MaxPages: f.maxPages})
			} else {
				out, err = app.Scanner().Scan(cmd.Context(), req)
			}
			if err != nil {
				return fmt.Errorf("scan %s: %w", req.URL, err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&f.url, "url", "", "page to scan")
	cmd.Flags().StringVar(&f.siteID, "site", "", "site ID recorded on the result")
	cmd.Flags().StringSliceVar(&f.checks, "checks", nil, "checks to run (links, seo, performance, accessibility); default all")
	cmd.Flags().IntVar(&f.maxPages, "max-pages", 1, "crawl same-origin links up to this many pages")
	cmd.Flags().BoolVar(&f.testForms, "forms", false, "discover and fill forms")
	cmd.Flags().BoolVar(&f.submit, "submit", false, "submit forms after filling them")
	return cmd
}
