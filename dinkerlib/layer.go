package dinkerlib

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	tarfs "github.com/nlepage/go-tarfs"
	"github.com/sirupsen/logrus"
)

func writeRootfsEntry(destTar *tar.Writer, root AbsPath, p AbsPath, info fs.FileInfo) error {
	rel, err := p.RelTo(root)
	if err != nil {
		return fmt.Errorf("error making %s relative to layer root %s: %w", p, root, err)
	}
	link := ""
	if info.Mode()&fs.ModeSymlink != 0 {
		link, err = os.Readlink(p.Raw())
		if err != nil {
			return fmt.Errorf("error reading symlink %s: %w", p, err)
		}
	}
	if info.Mode()&fs.ModeSocket != 0 {
		logrus.WithField("path", p.Raw()).Warn("Skipping socket, can't be stored in a layer")
		return nil
	}
	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("error building tar header for %s: %w", p, err)
	}
	// Names would come from the host user db, which has nothing to do with the image's
	header.Uname = ""
	header.Gname = ""
	header.AccessTime = time.Time{}
	header.ChangeTime = time.Time{}
	header.Format = tar.FormatPAX
	header.Name = rel
	if info.IsDir() {
		header.Name += "/"
	}
	if err := destTar.WriteHeader(header); err != nil {
		return fmt.Errorf("error writing tar header for %s: %w", p, err)
	}
	if header.Typeflag != tar.TypeReg {
		return nil
	}
	fSource, err := os.Open(p.Raw())
	if err != nil {
		return fmt.Errorf("error opening source file %s for adding to layer: %w", p, err)
	}
	defer fSource.Close()
	if _, err := io.Copy(destTar, fSource); err != nil {
		return fmt.Errorf("error copying data from %s: %w", p, err)
	}
	return nil
}

// WriteRootfsTar writes the whole tree under root as an uncompressed tar, root itself excluded.
// Entries keep their type, mode bits (incl setuid, setgid, sticky), owner ids and symlink text.
func WriteRootfsTar(w io.Writer, root AbsPath) error {
	destTar := tar.NewWriter(w)
	err := filepath.WalkDir(root.Raw(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root.Raw() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("error looking up metadata for layer file %s: %w", path, err)
		}
		return writeRootfsEntry(destTar, root, AbsPath(path), info)
	})
	if err != nil {
		return fmt.Errorf("error writing %s to tar: %w", root, err)
	}
	if err := destTar.Close(); err != nil {
		return fmt.Errorf("error closing layer tar: %w", err)
	}
	return nil
}

// ReadLayer opens a gzipped layer blob as a read-only filesystem
func ReadLayer(p AbsPath) (fs.FS, error) {
	f, err := os.Open(p.Raw())
	if err != nil {
		return nil, fmt.Errorf("unable to open layer %s: %w", p, err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("layer %s is not gzip compressed: %w", p, err)
	}
	defer gz.Close()
	tfs, err := tarfs.New(gz)
	if err != nil {
		return nil, fmt.Errorf("unable to open layer %s as tar: %w", p, err)
	}
	return tfs, nil
}

// ListLayer returns every path stored in a gzipped layer blob
func ListLayer(p AbsPath) ([]string, error) {
	tfs, err := ReadLayer(p)
	if err != nil {
		return nil, err
	}
	out := []string{}
	err = fs.WalkDir(tfs, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != "." {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error listing layer %s: %w", p, err)
	}
	return out, nil
}
