package hostsfile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostguard/pkg/hosterr"
	"hostguard/pkg/rules"
)

const originalHosts = "127.0.0.1 localhost\n::1 localhost ip6-localhost\n"

func setup(t *testing.T) (*Strategy, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts")
	require.NoError(t, os.WriteFile(path, []byte(originalHosts), 0o644))
	s := New(Options{Path: path, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	return s, path
}

func sampleRules() *rules.Holder {
	return rules.NewHolder(rules.NewSet([]rules.Entry{
		{Host: "ads.example.com", Kind: rules.Block, SourceID: 1},
		{Host: "safe.example.com", Kind: rules.Allow, SourceID: 1},
		{Host: "r.example.com", Kind: rules.Redirect, Target: netip.MustParseAddr("203.0.113.9"), SourceID: 2},
	}))
}

func TestInstallWritesRules(t *testing.T) {
	s, path := setup(t)
	require.NoError(t, s.Install(context.Background(), sampleRules()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.True(t, strings.HasPrefix(content, originalHosts))
	assert.Contains(t, content, "\n0.0.0.0 ads.example.com\n")
	assert.Contains(t, content, "\n203.0.113.9 r.example.com\n")
	assert.NotContains(t, content, "safe.example.com")
	assert.True(t, s.Installed())
}

func TestInstallTwiceIsIdempotent(t *testing.T) {
	s, path := setup(t)
	holder := sampleRules()
	require.NoError(t, s.Install(context.Background(), holder))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, s.Install(context.Background(), holder))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	backup, err := os.ReadFile(path + ".hostguard.bak")
	require.NoError(t, err)
	assert.Equal(t, originalHosts, string(backup))
}

func TestUninstallRestoresOriginal(t *testing.T) {
	s, path := setup(t)
	ctx := context.Background()
	require.NoError(t, s.Install(ctx, sampleRules()))
	require.NoError(t, s.Uninstall(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, originalHosts, string(data))
	assert.False(t, s.Installed())

	// nothing installed
	require.NoError(t, s.Uninstall(ctx))
}

func TestInstallPrivilegeDenied(t *testing.T) {
	s, path := setup(t)
	s.canWrite = func(string) error { return os.ErrPermission }

	err := s.Install(context.Background(), sampleRules())
	require.Error(t, err)
	assert.Equal(t, hosterr.PrivilegeDenied, hosterr.KindOf(err))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, originalHosts, string(data))
	assert.False(t, s.Installed())
}

func TestReloadFailureRollsBack(t *testing.T) {
	if _, err := os.Stat("/bin/false"); err != nil {
		t.Skip("no /bin/false")
	}
	s, path := setup(t)
	s.reload = []string{"/bin/false"}

	err := s.Install(context.Background(), sampleRules())
	require.Error(t, err)
	assert.Equal(t, hosterr.WriteFailed, hosterr.KindOf(err))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, originalHosts, string(data))
	assert.False(t, s.Installed())
}

func TestReinstallFailureKeepsPreviousInstall(t *testing.T) {
	s, path := setup(t)
	ctx := context.Background()
	require.NoError(t, s.Install(ctx, sampleRules()))
	installed, err := os.ReadFile(path)
	require.NoError(t, err)

	s.reload = []string{filepath.Join(t.TempDir(), "missing-command")}
	require.Error(t, s.Install(ctx, rules.NewHolder(rules.Empty())))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, installed, data)
	assert.True(t, s.Installed())
}

func TestRenderEmptySet(t *testing.T) {
	out := Render([]byte("127.0.0.1 localhost"), rules.Empty())
	assert.Equal(t, "127.0.0.1 localhost\n# hostguard begin\n# hostguard end\n", string(out))
}

func TestBlankWebServer(t *testing.T) {
	w := NewWebServer("127.0.0.1:0", nil)
	addr, err := w.Start()
	require.NoError(t, err)
	defer func() { _ = w.Shutdown(context.Background()) }()

	resp, err := http.Get("http://" + addr.String() + "/ads/banner.js")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get("http://" + addr.String() + "/__hostguard/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok\n", string(body))
}

func TestClassifyWrite(t *testing.T) {
	assert.Equal(t, hosterr.PrivilegeDenied, hosterr.KindOf(classifyWrite(os.ErrPermission, "x")))
	assert.Equal(t, hosterr.WriteFailed, hosterr.KindOf(classifyWrite(errors.New("disk full"), "x")))
}
