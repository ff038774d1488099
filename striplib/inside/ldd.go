package inside

import (
	"context"
	"strings"

	"github.com/andrewbaxter/dinker-strip/striplib/command"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Ldd asks the image's dynamic linker which shared libraries a binary needs
type Ldd struct {
	Runner command.Runner
	// Defaults to `ldd`
	Executable string
}

var notDynamic = []string{
	"not a dynamic executable",
	"statically linked",
	"Not a valid dynamic program",
}

// ParseLdd pulls library paths out of glibc or musl ldd output. Libraries the linker couldn't find
// are returned separately.
func ParseLdd(output string) (paths []string, missing []string) {
	paths = []string{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, target, hasArrow := strings.Cut(line, "=>")
		if hasArrow {
			target = strings.TrimSpace(target)
			if strings.HasPrefix(target, "not found") {
				missing = append(missing, strings.TrimSpace(name))
				continue
			}
		} else {
			target = name
		}
		fields := strings.Fields(target)
		if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
			// vdso and the like aren't files
			continue
		}
		paths = append(paths, fields[0])
	}
	return paths, missing
}

func (l *Ldd) Needed(ctx context.Context, path string) ([]string, error) {
	out, err := l.Runner.Execute(ctx, command.Command{
		Executable: l.executable(),
		Args:       []string{path},
	})
	if err != nil {
		var exitErr *command.ExitError
		if errors.As(err, &exitErr) {
			for _, s := range notDynamic {
				if strings.Contains(exitErr.Stderr, s) || strings.Contains(exitErr.Stdout, s) {
					return nil, nil
				}
			}
		}
		return nil, errors.Wrapf(err, "ldd failed for %s", path)
	}
	for _, s := range notDynamic {
		if strings.Contains(string(out), s) {
			return nil, nil
		}
	}
	paths, missing := ParseLdd(string(out))
	for _, m := range missing {
		logrus.WithFields(logrus.Fields{"binary": path, "library": m}).Warn("Shared library not found in image")
	}
	return paths, nil
}

func (l *Ldd) executable() string {
	if l.Executable == "" {
		return "ldd"
	}
	return l.Executable
}
