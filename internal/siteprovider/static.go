// Package siteprovider lists the sites, pages and forms the scanner is allowed to test.
package siteprovider

import (
	"context"
	"fmt"
	"sort"

	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// SiteConfig is one catalog entry.
type SiteConfig struct {
	ID      string   `mapstructure:"id"`
	Name    string   `mapstructure:"name"`
	BaseURL string   `mapstructure:"base_url"`
	Pages   []string `mapstructure:"pages"`
	Forms   []string `mapstructure:"forms"`
}

// Config holds the catalog and the credential guarding it.
type Config struct {
	Token string       `mapstructure:"token"`
	Sites []SiteConfig `mapstructure:"sites"`
}

// Static serves a catalog loaded from configuration.
type Static struct {
	token string
	sites map[string]SiteConfig
	order []string
}

var _ qa.SiteProvider = (*Static)(nil)

// NewStatic indexes cfg by site ID. Duplicate IDs are rejected.
func NewStatic(cfg Config) (*Static, error) {
	s := &Static{token: cfg.Token, sites: make(map[string]SiteConfig, len(cfg.Sites))}
	for _, site := range cfg.Sites {
		if site.ID == "" {
			return nil, fmt.Errorf("%w: site without id", qa.ErrInvalidRequest)
		}
		if _, dup := s.sites[site.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate site %q", qa.ErrInvalidRequest, site.ID)
		}
		s.sites[site.ID] = site
		s.order = append(s.order, site.ID)
	}
	sort.Strings(s.order)
	return s, nil
}

// ListSites returns every site ordered by ID.
func (s *Static) ListSites(_ context.Context) ([]qa.Site, error) {
	if err := s.authorize(); err != nil {
		return nil, err
	}
	out := make([]qa.Site, 0, len(s.order))
	for _, id := range s.order {
		site := s.sites[id]
		out = append(out, qa.Site{ID: site.ID, Name: site.Name, BaseURL: site.BaseURL})
	}
	return out, nil
}

// ListPages returns the site's pages, falling back to its base URL.
func (s *Static) ListPages(_ context.Context, siteID string) ([]qa.PageRef, error) {
	site, err := s.lookup(siteID)
	if err != nil {
		return nil, err
	}
	urls := site.Pages
	if len(urls) == 0 && site.BaseURL != "" {
		urls = []string{site.BaseURL}
	}
	out := make([]qa.PageRef, 0, len(urls))
	for _, u := range urls {
		out = append(out, qa.PageRef{SiteID: siteID, URL: u})
	}
	return out, nil
}

// ListForms returns the pages known to carry forms.
func (s *Static) ListForms(_ context.Context, siteID string) ([]qa.FormRef, error) {
	site, err := s.lookup(siteID)
	if err != nil {
		return nil, err
	}
	out := make([]qa.FormRef, 0, len(site.Forms))
	for _, u := range site.Forms {
		out = append(out, qa.FormRef{SiteID: siteID, PageURL: u})
	}
	return out, nil
}

func (s *Static) lookup(siteID string) (SiteConfig, error) {
	if err := s.authorize(); err != nil {
		return SiteConfig{}, err
	}
	site, ok := s.sites[siteID]
	if !ok {
		return SiteConfig{}, fmt.Errorf("site %q: %w", siteID, qa.ErrNotFound)
	}
	return site, nil
}

func (s *Static) authorize() error {
	if s.token == "" {
		return fmt.Errorf("site provider: %w", qa.ErrUnauthorized)
	}
	return nil
}
