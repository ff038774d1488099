package striplib

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Compressor rewrites an executable in place into a smaller self-extracting form
type Compressor interface {
	// Compress returns ErrAlreadyCompressed if there was nothing to do. On error the file must
	// be left as it was.
	Compress(ctx context.Context, path string) error
}

type CompressReport struct {
	Compressed int
	Skipped    int
	Failed     int
	// Sizes of the compressed files only
	Before int64
	After  int64
}

func (r CompressReport) String() string {
	return fmt.Sprintf(
		"compressed %d files (%s -> %s), %d already compressed, %d failed",
		r.Compressed,
		datasize.ByteSize(r.Before).HR(),
		datasize.ByteSize(r.After).HR(),
		r.Skipped,
		r.Failed,
	)
}

// CompressTree compresses every ELF executable and shared library under root using at most workers
// concurrent compressions. Per-file failures are logged and counted, never returned.
func CompressTree(ctx context.Context, root string, compressor Compressor, workers int) (CompressReport, error) {
	targets := []string{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		isElf, err := IsELF(p)
		if err != nil {
			return fmt.Errorf("error reading %s: %w", p, err)
		}
		if isElf {
			targets = append(targets, p)
		}
		return nil
	})
	if err != nil {
		return CompressReport{}, fmt.Errorf("error finding binaries to compress in %s: %w", root, err)
	}

	var mu sync.Mutex
	report := CompressReport{}
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(max(workers, 1))
	for _, p := range targets {
		group.Go(func() error {
			before, after, err := compressOne(gctx, compressor, p)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrAlreadyCompressed):
				report.Skipped++
			case err != nil:
				report.Failed++
				logrus.WithField("path", p).Warnf("Compression failed, leaving file uncompressed: %s", err)
			default:
				report.Compressed++
				report.Before += before
				report.After += after
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

// compressOne owns p for its whole duration: execute bit on, compress, original mode back
func compressOne(ctx context.Context, compressor Compressor, p string) (before int64, after int64, err error) {
	info, err := os.Lstat(p)
	if err != nil {
		return 0, 0, err
	}
	mode := info.Mode() & permBits
	if mode&0o100 == 0 {
		if err := os.Chmod(p, mode|0o100); err != nil {
			return 0, 0, err
		}
	}
	defer func() {
		if chmodErr := os.Chmod(p, mode); chmodErr != nil && err == nil {
			err = fmt.Errorf("error restoring mode of %s: %w", p, chmodErr)
		}
	}()
	if err := compressor.Compress(ctx, p); err != nil {
		return 0, 0, err
	}
	compressed, err := os.Lstat(p)
	if err != nil {
		return 0, 0, err
	}
	logrus.WithField("path", p).Debugf("Compressed %s -> %s", datasize.ByteSize(info.Size()).HR(), datasize.ByteSize(compressed.Size()).HR())
	return info.Size(), compressed.Size(), nil
}
