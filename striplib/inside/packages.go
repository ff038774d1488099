package inside

import (
	"context"
	"regexp"
	"strings"

	"github.com/andrewbaxter/dinker-strip/striplib"
	"github.com/andrewbaxter/dinker-strip/striplib/command"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// LookPath is swapped out in tests
var LookPath = command.LookPath

// DetectPackageManager picks the package manager installed in the image
func DetectPackageManager(runner command.Runner) (striplib.PackageQuery, error) {
	if _, err := LookPath("dpkg-query"); err == nil {
		return &Dpkg{Runner: runner}, nil
	}
	if _, err := LookPath("apk"); err == nil {
		return &Apk{Runner: runner}, nil
	}
	if _, err := LookPath("rpm"); err == nil {
		return &Rpm{Runner: runner}, nil
	}
	return nil, striplib.ErrNoPackageManager
}

func lines(out []byte) []string {
	return lo.Filter(strings.Split(string(out), "\n"), func(l string, _ int) bool {
		return strings.TrimSpace(l) != ""
	})
}

func unknown(err error, name string, markers ...string) error {
	var exitErr *command.ExitError
	if errors.As(err, &exitErr) {
		for _, m := range markers {
			if strings.Contains(exitErr.Stderr, m) || strings.Contains(exitErr.Stdout, m) {
				return errors.Wrap(striplib.ErrUnknownPackage, name)
			}
		}
	}
	return errors.Wrapf(err, "error querying package %s", name)
}

// Dpkg queries Debian and Ubuntu images
type Dpkg struct {
	Runner command.Runner
}

// ParseDpkgList reads `dpkg-query -L` output. Diversion notes carry the path actually in use.
func ParseDpkgList(out []byte) []string {
	paths := []string{}
	for _, l := range lines(out) {
		l = strings.TrimSpace(l)
		if strings.HasPrefix(l, "/") {
			paths = append(paths, l)
			continue
		}
		if _, p, ok := strings.Cut(l, ": /"); ok {
			paths = append(paths, "/"+p)
		}
	}
	return paths
}

var versionConstraint = regexp.MustCompile(`\s*\(.*\)`)

// ParseDpkgDepends reads a `Depends` field value, listing every alternative
func ParseDpkgDepends(field string) []string {
	out := []string{}
	for _, dep := range strings.Split(field, ",") {
		for _, alt := range strings.Split(dep, "|") {
			alt = versionConstraint.ReplaceAllString(alt, "")
			alt = strings.TrimSpace(alt)
			alt, _, _ = strings.Cut(alt, ":")
			if alt != "" {
				out = append(out, alt)
			}
		}
	}
	return lo.Uniq(out)
}

func (d *Dpkg) Owned(ctx context.Context, name string) ([]string, error) {
	out, err := d.Runner.Execute(ctx, command.Command{Executable: "dpkg-query", Args: []string{"-L", name}})
	if err != nil {
		return nil, unknown(err, name, "is not installed", "no packages found")
	}
	return ParseDpkgList(out), nil
}

func (d *Dpkg) Depends(ctx context.Context, name string) ([]string, error) {
	out, err := d.Runner.Execute(ctx, command.Command{
		Executable: "dpkg-query",
		Args:       []string{"-W", "-f=${Depends}, ${Pre-Depends}", name},
	})
	if err != nil {
		return nil, unknown(err, name, "no packages found")
	}
	return ParseDpkgDepends(string(out)), nil
}

// Apk queries Alpine images
type Apk struct {
	Runner command.Runner
}

var apkConstraint = regexp.MustCompile(`[<>=~].*$`)

// ParseApkDepends reads `apk info -R` output, skipping virtual so:, cmd: and pc: provides
func ParseApkDepends(out []byte) []string {
	deps := []string{}
	for _, l := range lines(out) {
		l = strings.TrimSpace(l)
		if strings.HasSuffix(l, "depends on:") || strings.Contains(l, ":") {
			continue
		}
		l = strings.TrimPrefix(l, "!")
		l = apkConstraint.ReplaceAllString(l, "")
		if l != "" {
			deps = append(deps, l)
		}
	}
	return lo.Uniq(deps)
}

func (a *Apk) Owned(ctx context.Context, name string) ([]string, error) {
	if _, err := a.Runner.Execute(ctx, command.Command{Executable: "apk", Args: []string{"info", "-e", name}}); err != nil {
		var exitErr *command.ExitError
		if errors.As(err, &exitErr) {
			return nil, errors.Wrap(striplib.ErrUnknownPackage, name)
		}
		return nil, errors.Wrapf(err, "error querying package %s", name)
	}
	out, err := a.Runner.Execute(ctx, command.Command{Executable: "apk", Args: []string{"info", "-qL", name}})
	if err != nil {
		return nil, errors.Wrapf(err, "error listing files of package %s", name)
	}
	paths := []string{}
	for _, l := range lines(out) {
		l = strings.TrimSpace(l)
		if strings.HasSuffix(l, "contains:") {
			continue
		}
		// apk lists paths relative to the root
		paths = append(paths, "/"+strings.TrimPrefix(l, "/"))
	}
	return paths, nil
}

func (a *Apk) Depends(ctx context.Context, name string) ([]string, error) {
	out, err := a.Runner.Execute(ctx, command.Command{Executable: "apk", Args: []string{"info", "-qR", name}})
	if err != nil {
		return nil, errors.Wrapf(err, "error listing dependencies of package %s", name)
	}
	return ParseApkDepends(out), nil
}

// Rpm queries Fedora, RHEL and SUSE images
type Rpm struct {
	Runner command.Runner
}

// ParseRpmRequires reads `rpm -qR` output, keeping plain package names only
func ParseRpmRequires(out []byte) []string {
	deps := []string{}
	for _, l := range lines(out) {
		fields := strings.Fields(l)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		if strings.HasPrefix(name, "/") || strings.ContainsAny(name, "()") {
			continue
		}
		deps = append(deps, name)
	}
	return lo.Uniq(deps)
}

func (r *Rpm) Owned(ctx context.Context, name string) ([]string, error) {
	out, err := r.Runner.Execute(ctx, command.Command{Executable: "rpm", Args: []string{"-ql", name}})
	if err != nil {
		return nil, unknown(err, name, "is not installed")
	}
	return lo.Filter(lines(out), func(l string, _ int) bool {
		return strings.HasPrefix(l, "/")
	}), nil
}

func (r *Rpm) Depends(ctx context.Context, name string) ([]string, error) {
	out, err := r.Runner.Execute(ctx, command.Command{Executable: "rpm", Args: []string{"-qR", name}})
	if err != nil {
		return nil, unknown(err, name, "is not installed")
	}
	return ParseRpmRequires(out), nil
}
