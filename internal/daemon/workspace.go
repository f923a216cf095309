package daemon

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/woozymasta/drover/internal/metrics"
)

// CopyFunc copies the directory tree src to dst, which must not exist.
type CopyFunc func(src, dst string) error

// Prepare copies the pattern template into a fresh workspace for name and
// returns the workspace path. A stale workspace of a server that is not
// running is replaced.
func (m *Manager) Prepare(pattern, name string) (string, error) {
	template := filepath.Join(m.opts.PatternsDir, pattern)
	if info, err := os.Stat(template); err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: no template for pattern %s", ErrNotStartable, pattern)
	}

	if m.running(name) {
		return "", fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}

	dir := m.workspace(name)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("%w: remove stale workspace %s: %w", ErrNotStartable, dir, err)
	}
	if err := os.MkdirAll(m.opts.ServersDir, 0o755); err != nil {
		return "", err
	}
	if err := m.copy(template, dir); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("%w: copy template %s: %w", ErrNotStartable, pattern, err)
	}

	return dir, nil
}

// startable reports whether dir holds an executable start file.
func (m *Manager) startable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: workspace %s missing", ErrNotStartable, dir)
	}

	start, err := os.Stat(filepath.Join(dir, m.opts.StartFile))
	if err != nil || !start.Mode().IsRegular() {
		return fmt.Errorf("%w: start file %s missing in %s", ErrNotStartable, m.opts.StartFile, dir)
	}

	return nil
}

// cleanup removes the workspace of an exited server, archiving it into the
// pattern template first when autoSave is set. Archive failures are logged
// and never prevent the deletion.
func (m *Manager) cleanup(s *Server) {
	if s.AutoSave {
		if err := m.archive(s.Dir, filepath.Join(m.opts.PatternsDir, s.Pattern)); err != nil {
			metrics.RecordCleanupFailure("archive")
			m.log.Warn().Err(err).Str("instance", s.Name()).Msg("Failed to archive workspace")
		}
	}

	if err := os.RemoveAll(s.Dir); err != nil {
		metrics.RecordCleanupFailure("delete")
		m.log.Warn().Err(err).Str("instance", s.Name()).Msg("Failed to delete workspace")
	}
}

// archive replaces template with a copy of dir. The copy goes to a sibling
// directory first, so a failed copy leaves the previous template in place.
func (m *Manager) archive(dir, template string) error {
	staging := template + ".archive"
	if err := os.RemoveAll(staging); err != nil {
		return err
	}

	if err := m.copy(dir, staging); err != nil {
		_ = os.RemoveAll(staging)
		return err
	}

	if err := os.RemoveAll(template); err != nil {
		_ = os.RemoveAll(staging)
		return err
	}

	return os.Rename(staging, template)
}

// CopyDir copies a directory tree preserving file modes. Symlinks are recreated.
func CopyDir(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("copy %s: destination %s exists", src, dst)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}
