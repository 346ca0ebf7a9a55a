package siteprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/qa-scanner/internal/qa"
)

func testCatalog() Config {
	return Config{
		Token: "secret",
		Sites: []SiteConfig{
			{ID: "zeta", Name: "Zeta", BaseURL: "https://zeta.example/"},
			{
				ID:      "acme",
				Name:    "Acme",
				BaseURL: "https://acme.example/",
				Pages:   []string{"https://acme.example/", "https://acme.example/pricing"},
				Forms:   []string{"https://acme.example/contact"},
			},
		},
	}
}

func TestStaticListings(t *testing.T) {
	t.Parallel()

	p, err := NewStatic(testCatalog())
	require.NoError(t, err)
	ctx := context.Background()

	sites, err := p.ListSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	require.Equal(t, "acme", sites[0].ID)

	pages, err := p.ListPages(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, []qa.PageRef{
		{SiteID: "acme", URL: "https://acme.example/"},
		{SiteID: "acme", URL: "https://acme.example/pricing"},
	}, pages)

	pages, err = p.ListPages(ctx, "zeta")
	require.NoError(t, err)
	require.Equal(t, []qa.PageRef{{SiteID: "zeta", URL: "https://zeta.example/"}}, pages)

	forms, err := p.ListForms(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, []qa.FormRef{{SiteID: "acme", PageURL: "https://acme.example/contact"}}, forms)

	_, err = p.ListPages(ctx, "missing")
	require.ErrorIs(t, err, qa.ErrNotFound)
}

func TestStaticWithoutTokenIsUnauthorized(t *testing.T) {
	t.Parallel()

	cfg := testCatalog()
	cfg.Token = ""
	p, err := NewStatic(cfg)
	require.NoError(t, err)

	_, err = p.ListSites(context.Background())
	require.ErrorIs(t, err, qa.ErrUnauthorized)
	_, err = p.ListForms(context.Background(), "acme")
	require.ErrorIs(t, err, qa.ErrUnauthorized)
}

func TestNewStaticRejectsBadCatalog(t *testing.T) {
	t.Parallel()

	_, err := NewStatic(Config{Sites: []SiteConfig{{ID: "a"}, {ID: "a"}}})
	require.ErrorIs(t, err, qa.ErrInvalidRequest)
	_, err = NewStatic(Config{Sites: []SiteConfig{{Name: "nameless"}}})
	require.ErrorIs(t, err, qa.ErrInvalidRequest)
}
