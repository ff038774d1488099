package striplib

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

const permBits = fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky

// Materializer copies a resolved path set from Source into the export root Dest
type Materializer struct {
	Source string
	Dest   string
}

func owner(info fs.FileInfo) (int, int, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return int(stat.Uid), int(stat.Gid), true
}

func copyContents(src string, dest string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (m *Materializer) copyOne(p string) error {
	src := filepath.Join(m.Source, filepath.FromSlash(p))
	dest := filepath.Join(m.Dest, filepath.FromSlash(p))
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	mode := info.Mode()
	switch {
	case mode.IsDir():
		if err := os.Mkdir(dest, mode.Perm()); err != nil && !os.IsExist(err) {
			return err
		}
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		if err := os.Symlink(target, dest); err != nil {
			return err
		}
	case mode.IsRegular():
		if err := copyContents(src, dest, mode); err != nil {
			return err
		}
	default:
		logrus.WithField("path", p).Warnf("Skipping unsupported file type %s", mode.Type())
		return nil
	}
	if uid, gid, ok := owner(info); ok {
		if err := os.Lchown(dest, uid, gid); err != nil {
			return err
		}
	}
	if mode&fs.ModeSymlink == 0 {
		// Chmod after chown, chown clears setuid and setgid
		if err := os.Chmod(dest, mode&permBits); err != nil {
			return err
		}
	}
	return nil
}

// Materialize copies every path, all or nothing. On failure Dest is emptied again.
func (m *Materializer) Materialize(files []string) (err error) {
	defer func() {
		if err == nil {
			return
		}
		if cleanErr := ClearDir(m.Dest); cleanErr != nil {
			err = multierror.Append(err, fmt.Errorf("error removing partial export root %s: %w", m.Dest, cleanErr))
		}
	}()
	sorted := slices.Clone(files)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	dirs := []string{}
	for _, p := range sorted {
		p = path.Clean("/" + p)
		if p == "/" {
			continue
		}
		if err := m.copyOne(p); err != nil {
			return fmt.Errorf("error copying %s: %w", p, err)
		}
		info, err := os.Lstat(filepath.Join(m.Source, filepath.FromSlash(p)))
		if err != nil {
			return fmt.Errorf("error looking up %s: %w", p, err)
		}
		if info.IsDir() {
			dirs = append(dirs, p)
			continue
		}
		if info.Mode().IsRegular() {
			if err := os.Chtimes(filepath.Join(m.Dest, filepath.FromSlash(p)), info.ModTime(), info.ModTime()); err != nil {
				return fmt.Errorf("error setting times of %s: %w", p, err)
			}
		}
	}
	// Directory times change as children are written, so they're set last, deepest first
	for i := len(dirs) - 1; i >= 0; i-- {
		info, err := os.Lstat(filepath.Join(m.Source, filepath.FromSlash(dirs[i])))
		if err != nil {
			return fmt.Errorf("error looking up %s: %w", dirs[i], err)
		}
		if err := os.Chtimes(filepath.Join(m.Dest, filepath.FromSlash(dirs[i])), info.ModTime(), info.ModTime()); err != nil {
			return fmt.Errorf("error setting times of %s: %w", dirs[i], err)
		}
	}
	return nil
}

// ClearDir removes everything inside dir but not dir itself, which may be a mount point
func ClearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
