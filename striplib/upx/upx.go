package upx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/andrewbaxter/dinker-strip/striplib"
	"github.com/andrewbaxter/dinker-strip/striplib/command"
	"github.com/pkg/errors"
)

// Upx compresses executables with the upx packer
type Upx struct {
	Executable string
	// Passed before the file, e.g. `--best` or `--lzma`
	Args   []string
	Runner command.Runner
}

func New(executable string, args []string, runner command.Runner) (*Upx, error) {
	if executable == "" {
		executable = "upx"
	}
	p, err := command.LookPath(executable)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", striplib.ErrToolMissing, err)
	}
	return &Upx{Executable: p, Args: args, Runner: runner}, nil
}

var alreadyPacked = []string{
	"AlreadyPackedException",
	"already packed by UPX",
}

// Compress packs into a sibling temp file and only replaces the original once upx succeeded
func (u *Upx) Compress(ctx context.Context, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return errors.Wrapf(err, "error looking up %s", path)
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".upx")
	// upx refuses to overwrite its output
	_ = os.Remove(tmp)

	args := append([]string{"-q"}, u.Args...)
	args = append(args, "-o", tmp, path)
	_, err = u.Runner.Execute(ctx, command.Command{Executable: u.Executable, Args: args})
	if err != nil {
		_ = os.Remove(tmp)
		var exitErr *command.ExitError
		if errors.As(err, &exitErr) {
			for _, s := range alreadyPacked {
				if strings.Contains(exitErr.Stderr, s) || strings.Contains(exitErr.Stdout, s) {
					return striplib.ErrAlreadyCompressed
				}
			}
		}
		return errors.Wrapf(err, "upx failed on %s", path)
	}

	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if err := os.Lchown(tmp, int(stat.Uid), int(stat.Gid)); err != nil {
			_ = os.Remove(tmp)
			return errors.Wrapf(err, "error setting owner of packed %s", path)
		}
	}
	// After chown, which clears setuid and setgid
	mode := info.Mode().Perm() | info.Mode()&(os.ModeSetuid|os.ModeSetgid|os.ModeSticky)
	if err := os.Chmod(tmp, mode); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "error setting mode of packed %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "error replacing %s with packed version", path)
	}
	return nil
}
