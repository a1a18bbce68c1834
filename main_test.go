package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostguard/pkg/config"
	"hostguard/pkg/enforce"
	"hostguard/pkg/logger"
)

const originalHosts = "127.0.0.1 localhost\n"

type env struct {
	dir    string
	config string
	hosts  string
	list   string
}

func newEnv(t *testing.T, method, extra string) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		dir:    dir,
		config: filepath.Join(dir, "hostguard.toml"),
		hosts:  filepath.Join(dir, "hosts"),
		list:   filepath.Join(dir, "list.txt"),
	}
	require.NoError(t, os.WriteFile(e.hosts, []byte(originalHosts), 0o600))
	require.NoError(t, os.WriteFile(e.list, []byte("0.0.0.0 ads.example.com\n0.0.0.0 track.example.com\n"), 0o600))

	cfg := fmt.Sprintf(`[logging]
level = "error"
file = %q

[data]
dir = %q

[enforcement]
method = %q

[hosts]
path = %q

[sources.local]
enabled = true
url = %q
format = "hosts"
%s`, filepath.Join(dir, "hostguard.log"), filepath.Join(dir, "data"), method, e.hosts, e.list, extra)
	require.NoError(t, os.WriteFile(e.config, []byte(cfg), 0o600))
	return e
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", e.config}, args...))
	err := root.Execute()
	return out.String(), err
}

func (e *env) readHosts(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(e.hosts)
	require.NoError(t, err)
	return string(data)
}

func TestSyncApplyRevert(t *testing.T) {
	e := newEnv(t, "root", "")

	out, err := e.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "rules: 2 (changed: true)")
	assert.Equal(t, originalHosts, e.readHosts(t), "sync alone must not touch the hosts file")

	out, err = e.run(t, "apply")
	require.NoError(t, err)
	assert.Contains(t, out, "enforcement: applied")
	hosts := e.readHosts(t)
	assert.Contains(t, hosts, originalHosts)
	assert.Contains(t, hosts, "0.0.0.0 ads.example.com")
	assert.Contains(t, hosts, "0.0.0.0 track.example.com")

	out, err = e.run(t, "status")
	require.NoError(t, err)
	assert.Regexp(t, `enforcement\s+applied`, out)
	assert.Regexp(t, `blocked\s+2`, out)

	_, err = e.run(t, "revert")
	require.NoError(t, err)
	assert.Equal(t, originalHosts, e.readHosts(t))
}

func TestSyncRefreshesInstalledHostsFile(t *testing.T) {
	e := newEnv(t, "root", "")
	_, err := e.run(t, "sync")
	require.NoError(t, err)
	_, err = e.run(t, "apply")
	require.NoError(t, err)

	// A new modification time marks the local list as changed.
	require.NoError(t, os.WriteFile(e.list, []byte("0.0.0.0 other.example.com\n"), 0o600))
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(e.list, later, later))

	out, err := e.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "hosts file updated")
	hosts := e.readHosts(t)
	assert.Contains(t, hosts, "other.example.com")
	assert.NotContains(t, hosts, "ads.example.com")
}

func TestSourcesCommands(t *testing.T) {
	e := newEnv(t, "root", "")

	out, err := e.run(t, "sources", "add", "--format", "domains", "extra", "https://example.com/list.txt")
	require.NoError(t, err)
	assert.Contains(t, out, "added source 2")

	out, err = e.run(t, "sources", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "local")
	assert.Contains(t, out, "extra")
	assert.Contains(t, out, "domains")

	out, err = e.run(t, "sources", "toggle", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "source 2 enabled: false")

	out, err = e.run(t, "sources", "enable-all")
	require.NoError(t, err)
	assert.Contains(t, out, "changed: true")

	_, err = e.run(t, "sources", "remove", "2")
	require.NoError(t, err)
	_, err = e.run(t, "sources", "remove", "2")
	assert.Error(t, err)

	_, err = e.run(t, "sources", "toggle", "abc")
	assert.Error(t, err)
	_, err = e.run(t, "sources", "add", "--format", "xml", "bad", "https://example.com")
	assert.Error(t, err)
}

func TestTunnelNeedsServe(t *testing.T) {
	e := newEnv(t, "vpn", "")
	_, err := e.run(t, "apply")
	require.ErrorIs(t, err, errTunnelOneShot)
	_, err = e.run(t, "revert")
	require.ErrorIs(t, err, errTunnelOneShot)
}

func TestInvalidConfig(t *testing.T) {
	e := newEnv(t, "carrier-pigeon", "")
	_, err := e.run(t, "status")
	require.Error(t, err)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestServe(t *testing.T) {
	addr := freeAddr(t)
	e := newEnv(t, "root", fmt.Sprintf("\n[admin]\nlisten = %q\n", addr))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		root := newRootCmd()
		root.SetOut(&bytes.Buffer{})
		root.SetArgs([]string{"--config", e.config, "serve"})
		done <- root.ExecuteContext(ctx)
	}()

	base := "http://" + addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Post(base+"/api/sync", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, e.readHosts(t), "0.0.0.0 ads.example.com")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
	assert.Contains(t, e.readHosts(t), "ads.example.com", "hosts file stays installed after shutdown")
}

func TestReloadKeepsConfigWhenMethodSwitchFails(t *testing.T) {
	e := newEnv(t, "root", "")
	cfg, err := config.NewLoader(e.config).Load()
	require.NoError(t, err)
	log, closeLog, err := logger.Setup("error", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeLog() })

	ctx := context.Background()
	a, err := newApp(ctx, cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	next := *cfg
	next.Enforcement.Method = enforce.Method(99)
	a.reload(ctx, &next, nil)
	assert.Same(t, cfg, a.config())
	assert.Equal(t, enforce.MethodRoot, a.ctrl.Method())

	next = *cfg
	next.Sync.UserAgent = "edited"
	a.reload(ctx, &next, nil)
	assert.Equal(t, "edited", a.config().Sync.UserAgent)
}

func TestLogFileClosedAfterCommand(t *testing.T) {
	e := newEnv(t, "root", "")
	c := &cli{}
	root := c.rootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", e.config, "status"})
	require.NoError(t, root.Execute())
	assert.Nil(t, c.closeLog, "log file left open after status")

	c = &cli{}
	root = c.rootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", e.config, "sources", "remove", "42"})
	require.Error(t, root.Execute())
	assert.Nil(t, c.closeLog, "log file left open after a failed command")
}
