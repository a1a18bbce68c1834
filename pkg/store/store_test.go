package store

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostguard/pkg/rules"
	"hostguard/pkg/sources"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "hostguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSeedAndReadSources(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	seed := []sources.HostsSource{
		{Label: "alpha", URL: "https://a.example/list", Enabled: true, Format: sources.FormatHostsFile},
		{Label: "beta", URL: "https://b.example/list", Enabled: false, Format: sources.FormatAdblockPlus,
			Auth: sources.AuthConfig{Token: "t"}},
	}
	require.NoError(t, s.SeedSources(ctx, seed))

	list, err := s.Sources(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Label)
	assert.Less(t, list[0].ID, list[1].ID)
	assert.Equal(t, sources.FormatAdblockPlus, list[1].Format)
	assert.Equal(t, "t", list[1].Auth.Token)
	assert.Equal(t, sources.StateOutdated, list[0].State)
	assert.Nil(t, list[0].LastFetchedAt)

	// user toggles survive a re-seed, URL changes reset freshness
	require.NoError(t, s.SetEnabled(ctx, list[1].ID, true))
	now := time.Now()
	list[0].State, list[0].LastFetchedAt, list[0].LastModifiedRemote = sources.StateUpToDate, &now, `"v1"`
	require.NoError(t, s.UpdateFetchState(ctx, list[0]))

	seed[0].URL = "https://a.example/moved"
	require.NoError(t, s.SeedSources(ctx, seed))

	alpha, err := s.Source(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/moved", alpha.URL)
	assert.Equal(t, sources.StateOutdated, alpha.State)
	assert.Empty(t, alpha.LastModifiedRemote)

	beta, err := s.Source(ctx, list[1].ID)
	require.NoError(t, err)
	assert.True(t, beta.Enabled)
}

func TestUpdateFetchStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	id, err := s.AddSource(ctx, sources.HostsSource{Label: "x", URL: "https://x.example", Enabled: true})
	require.NoError(t, err)

	when := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateFetchState(ctx, sources.HostsSource{
		ID: id, State: sources.StateError, LastFetchedAt: &when, LastModifiedRemote: "tok",
	}))
	src, err := s.Source(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sources.StateError, src.State)
	require.NotNil(t, src.LastFetchedAt)
	assert.True(t, when.Equal(*src.LastFetchedAt))
	assert.Equal(t, "tok", src.LastModifiedRemote)

	assert.ErrorIs(t, s.UpdateFetchState(ctx, sources.HostsSource{ID: 999}), ErrNotFound)
	_, err = s.Source(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnableAllReportsChange(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	_, err := s.AddSource(ctx, sources.HostsSource{Label: "on", URL: "https://on.example", Enabled: true})
	require.NoError(t, err)
	_, err = s.AddSource(ctx, sources.HostsSource{Label: "off", URL: "https://off.example"})
	require.NoError(t, err)

	changed, err := s.EnableAll(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.EnableAll(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSourceEntriesAndCascade(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	a, err := s.AddSource(ctx, sources.HostsSource{Label: "a", URL: "https://a.example", Enabled: true})
	require.NoError(t, err)
	b, err := s.AddSource(ctx, sources.HostsSource{Label: "b", URL: "https://b.example", Enabled: true})
	require.NoError(t, err)
	c, err := s.AddSource(ctx, sources.HostsSource{Label: "c", URL: "https://c.example", Enabled: false})
	require.NoError(t, err)

	require.NoError(t, s.ReplaceSourceEntries(ctx, a, []rules.Entry{
		{Host: "ads.example.com", Kind: rules.Block},
		{Host: "r.example.com", Kind: rules.Redirect, Target: netip.MustParseAddr("203.0.113.9")},
	}))
	require.NoError(t, s.ReplaceSourceEntries(ctx, b, []rules.Entry{{Host: "ok.example.com", Kind: rules.Allow}}))
	require.NoError(t, s.ReplaceSourceEntries(ctx, c, []rules.Entry{{Host: "off.example.com", Kind: rules.Block}}))

	got, err := s.EnabledSourceEntries(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a, got[0].SourceID)
	assert.Len(t, got[0].Entries, 2)
	assert.Equal(t, b, got[1].SourceID)

	// replacing drops the previous generation
	require.NoError(t, s.ReplaceSourceEntries(ctx, a, []rules.Entry{{Host: "new.example.com", Kind: rules.Block}}))
	got, err = s.EnabledSourceEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, got[0].Entries, 1)

	require.NoError(t, s.RemoveSource(ctx, a))
	got, err = s.EnabledSourceEntries(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b, got[0].SourceID)
	assert.ErrorIs(t, s.RemoveSource(ctx, a), ErrNotFound)
}

func TestRuleSetPersistence(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	set := rules.NewSet([]rules.Entry{
		{Host: "ads.example.com", Kind: rules.Block, SourceID: 1},
		{Host: "tracker.example.com", Kind: rules.Block, SourceID: 2},
		{Host: "ok.example.com", Kind: rules.Allow, SourceID: 2},
		{Host: "r.example.com", Kind: rules.Redirect, Target: netip.MustParseAddr("2001:db8::1"), SourceID: 1},
	})
	require.NoError(t, s.SaveRuleSet(ctx, set))

	loaded, err := s.LoadRuleSet(ctx)
	require.NoError(t, err)
	assert.Equal(t, set.Digest(), loaded.Digest())

	counts, err := s.CountByKind(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[rules.Kind]int{rules.Block: 2, rules.Allow: 1, rules.Redirect: 1}, counts)

	require.NoError(t, s.SaveRuleSet(ctx, rules.Empty()))
	loaded, err = s.LoadRuleSet(ctx)
	require.NoError(t, err)
	assert.Zero(t, loaded.Len())
}
