package striplib

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// elfHeader returns the smallest file IsELF accepts as the given ELF type
func elfHeader(typ elf.Type) []byte {
	b := make([]byte, 64)
	copy(b, elf.ELFMAG)
	b[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	b[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	b[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	binary.LittleEndian.PutUint16(b[elf.EI_NIDENT:], uint16(typ))
	return b
}

type fixtureEntry struct {
	// File contents, ignored for dirs and links
	data []byte
	mode os.FileMode
	// Symlink target if set
	link string
	dir  bool
}

func file(data string, mode os.FileMode) fixtureEntry {
	return fixtureEntry{data: []byte(data), mode: mode}
}

func elfFile(typ elf.Type, mode os.FileMode) fixtureEntry {
	return fixtureEntry{data: elfHeader(typ), mode: mode}
}

func link(target string) fixtureEntry {
	return fixtureEntry{link: target}
}

func dir(mode os.FileMode) fixtureEntry {
	return fixtureEntry{dir: true, mode: mode}
}

// buildRoot lays out entries (absolute image paths) under a fresh temp dir
func buildRoot(t *testing.T, entries map[string]fixtureEntry) string {
	t.Helper()
	root := t.TempDir()
	for p, e := range entries {
		hp := filepath.Join(root, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(hp), 0o755))
		switch {
		case e.dir:
			require.NoError(t, os.MkdirAll(hp, 0o755))
			require.NoError(t, os.Chmod(hp, e.mode))
		case e.link != "":
			require.NoError(t, os.Symlink(e.link, hp))
		default:
			require.NoError(t, os.WriteFile(hp, e.data, 0o644))
			require.NoError(t, os.Chmod(hp, e.mode))
		}
	}
	return root
}

type fakePackages struct {
	owned   map[string][]string
	depends map[string][]string
}

func (f *fakePackages) Owned(ctx context.Context, name string) ([]string, error) {
	owned, ok := f.owned[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, name)
	}
	return owned, nil
}

func (f *fakePackages) Depends(ctx context.Context, name string) ([]string, error) {
	return f.depends[name], nil
}

// fakeLinker answers like ldd would for the image paths in needed
type fakeLinker struct {
	root   string
	needed map[string][]string
	mu     sync.Mutex
	asked  []string
}

func (f *fakeLinker) Needed(ctx context.Context, path string) ([]string, error) {
	p := strings.TrimPrefix(path, f.root)
	f.mu.Lock()
	f.asked = append(f.asked, p)
	f.mu.Unlock()
	return f.needed[p], nil
}
