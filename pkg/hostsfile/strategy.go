// Package hostsfile enforces rules by rewriting the system hosts file.
package hostsfile

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"hostguard/pkg/enforce"
	"hostguard/pkg/hosterr"
	"hostguard/pkg/rules"
)

const (
	defaultPath = "/etc/hosts"
	fileMode    = 0o644
)

// Options configures the strategy.
type Options struct {
	Path          string
	BackupPath    string
	ReloadCommand []string
	Logger        *slog.Logger
}

// Strategy installs the rule set into the hosts file. The pre-enforcement
// file is kept at BackupPath while installed; its presence is the installed
// marker across restarts.
type Strategy struct {
	path       string
	backupPath string
	reload     []string
	log        *slog.Logger
	canWrite   func(dir string) error
}

// New creates a Strategy.
func New(opts Options) *Strategy {
	path := opts.Path
	if path == "" {
		path = defaultPath
	}
	backup := opts.BackupPath
	if backup == "" {
		backup = path + ".hostguard.bak"
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Strategy{
		path:       path,
		backupPath: backup,
		reload:     opts.ReloadCommand,
		log:        log,
		canWrite:   checkWritable,
	}
}

func (s *Strategy) Method() enforce.Method { return enforce.MethodRoot }

// Installed reports whether a previous install is still in place.
func (s *Strategy) Installed() bool {
	_, err := os.Stat(s.backupPath)
	return err == nil
}

// Install writes the original hosts content followed by one line per BLOCK
// and REDIRECT rule, then verifies the adopted file. On failure the previous
// file is restored.
func (s *Strategy) Install(ctx context.Context, provider rules.Provider) error {
	if err := s.checkPrivilege(); err != nil {
		return err
	}

	previous, err := os.ReadFile(s.path)
	if err != nil {
		return hosterr.Wrapf(err, hosterr.WriteFailed, "read %s", s.path)
	}

	firstInstall := !s.Installed()
	original := previous
	if firstInstall {
		if err := writeAtomic(s.backupPath, previous); err != nil {
			return classifyWrite(err, "back up "+s.path)
		}
	} else {
		original, err = os.ReadFile(s.backupPath)
		if err != nil {
			return hosterr.Wrapf(err, hosterr.WriteFailed, "read backup %s", s.backupPath)
		}
	}

	set := provider.Current()
	content := Render(original, set)
	if err := s.replace(ctx, content); err != nil {
		s.rollback(previous, firstInstall)
		return err
	}
	s.log.Info("hosts file installed", "path", s.path, "rules", set.Len(), "bytes", len(content))
	return nil
}

// Uninstall restores the pre-enforcement file byte for byte. It is a no-op
// when nothing is installed.
func (s *Strategy) Uninstall(ctx context.Context) error {
	if !s.Installed() {
		return nil
	}
	if err := s.checkPrivilege(); err != nil {
		return err
	}
	original, err := os.ReadFile(s.backupPath)
	if err != nil {
		return hosterr.Wrapf(err, hosterr.WriteFailed, "read backup %s", s.backupPath)
	}
	previous, err := os.ReadFile(s.path)
	if err != nil {
		return hosterr.Wrapf(err, hosterr.WriteFailed, "read %s", s.path)
	}

	if err := s.replace(ctx, original); err != nil {
		s.rollback(previous, false)
		return err
	}
	if err := os.Remove(s.backupPath); err != nil {
		return hosterr.Wrapf(err, hosterr.WriteFailed, "remove backup %s", s.backupPath)
	}
	s.log.Info("hosts file restored", "path", s.path)
	return nil
}

// replace writes content, verifies it and asks the system to reload.
func (s *Strategy) replace(ctx context.Context, content []byte) error {
	if err := writeAtomic(s.path, content); err != nil {
		return classifyWrite(err, "write "+s.path)
	}
	if err := verify(s.path, content); err != nil {
		return err
	}
	return s.runReload(ctx)
}

func (s *Strategy) rollback(previous []byte, removeBackup bool) {
	if err := writeAtomic(s.path, previous); err != nil {
		s.log.Error("failed to restore hosts file", "path", s.path, "error", err)
		return
	}
	if removeBackup {
		if err := os.Remove(s.backupPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("failed to remove backup", "path", s.backupPath, "error", err)
		}
	}
}

func (s *Strategy) runReload(ctx context.Context) error {
	if len(s.reload) == 0 {
		return nil
	}
	// #nosec G204 -- command comes from configuration.
	cmd := exec.CommandContext(ctx, s.reload[0], s.reload[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return hosterr.Wrapf(err, hosterr.WriteFailed, "reload command %q: %s", s.reload[0], bytes.TrimSpace(out))
	}
	return nil
}

func (s *Strategy) checkPrivilege() error {
	if err := s.canWrite(filepath.Dir(s.path)); err != nil {
		return hosterr.Wrapf(err, hosterr.PrivilegeDenied, "no write access to %s", filepath.Dir(s.path))
	}
	return nil
}

func verify(path string, want []byte) error {
	got, err := os.ReadFile(path)
	if err != nil {
		return hosterr.Wrapf(err, hosterr.VerifyFailed, "read back %s", path)
	}
	if sha256.Sum256(got) != sha256.Sum256(want) {
		return hosterr.New(hosterr.VerifyFailed, fmt.Sprintf("%s does not match the written content", path))
	}
	return nil
}

// writeAtomic writes data to a temporary file next to path and renames it
// into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(name, fileMode); err != nil {
		return err
	}
	if err := os.Rename(name, path); err != nil {
		// Bind-mounted files, as in containers, cannot be renamed over.
		if werr := os.WriteFile(path, data, fileMode); werr != nil {
			return errors.Join(err, werr)
		}
	}
	return nil
}

func classifyWrite(err error, msg string) error {
	if errors.Is(err, fs.ErrPermission) {
		return hosterr.Wrap(err, hosterr.PrivilegeDenied, msg)
	}
	return hosterr.Wrap(err, hosterr.WriteFailed, msg)
}
