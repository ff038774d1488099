package striplib

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/sirupsen/logrus"
)

// PackageQuery is the package manager of the source image
type PackageQuery interface {
	// Owned returns the paths installed by the package, or ErrUnknownPackage if it isn't installed
	Owned(ctx context.Context, name string) ([]string, error)
	// Depends returns the names of packages the package declares it needs. Every alternative is
	// listed, uninstalled ones are skipped by the caller.
	Depends(ctx context.Context, name string) ([]string, error)
}

// DependencyQuery returns the shared libraries a binary needs at load time
type DependencyQuery interface {
	// Needed returns no paths if the file isn't dynamically linked
	Needed(ctx context.Context, path string) ([]string, error)
}

type EdgeKind string

const (
	EdgeLibrary     EdgeKind = "library"
	EdgeInterpreter EdgeKind = "interpreter"
	EdgeSymlink     EdgeKind = "symlink"
)

type DependencyEdge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
}

type Resolution struct {
	// Sorted absolute paths, parents before children
	Files []string `json:"files"`
	// Include patterns that matched nothing
	Unmatched []string         `json:"unmatched"`
	Edges     []DependencyEdge `json:"edges"`
}

// Searched when a script starts with `#!/usr/bin/env prog`
var envPath = []string{"/usr/local/sbin", "/usr/local/bin", "/usr/sbin", "/usr/bin", "/sbin", "/bin"}

const maxSymlinkHops = 40

type Resolver struct {
	// Filesystem root of the source image, `/` when running inside it
	Root string
	// May be nil if no packages are requested
	Packages     PackageQuery
	Dependencies DependencyQuery
}

func (r *Resolver) hostPath(p string) string {
	return filepath.Join(r.Root, filepath.FromSlash(p))
}

func splitPath(p string) []string {
	return strings.FieldsFunc(p, func(c rune) bool { return c == '/' })
}

// canonical resolves symlinks in the directories leading to p, keeping the last element as is.
// The symlinks passed through are returned so they can be kept in the image as links.
func (r *Resolver) canonical(p string) (string, []string, error) {
	p = path.Clean("/" + p)
	if p == "/" {
		return p, nil, nil
	}
	dir, base := path.Split(p)
	links := []string{}
	cur := "/"
	parts := splitPath(dir)
	hops := 0
	for i := 0; i < len(parts); i++ {
		next := path.Join(cur, parts[i])
		info, err := os.Lstat(r.hostPath(next))
		if err != nil {
			if os.IsNotExist(err) {
				return path.Join(append([]string{cur}, append(parts[i:], base)...)...), links, nil
			}
			return "", nil, fmt.Errorf("error looking up %s: %w", next, err)
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			cur = next
			continue
		}
		hops++
		if hops > maxSymlinkHops {
			return "", nil, fmt.Errorf("too many levels of symlinks resolving %s", p)
		}
		target, err := os.Readlink(r.hostPath(next))
		if err != nil {
			return "", nil, fmt.Errorf("error reading symlink %s: %w", next, err)
		}
		links = append(links, next)
		if path.IsAbs(target) {
			cur = "/"
		}
		parts = append(splitPath(target), parts[i+1:]...)
		i = -1
	}
	return path.Join(cur, base), links, nil
}

// realpath is canonical with the last element followed too if it's a symlink
func (r *Resolver) realpath(p string) (string, error) {
	for hops := 0; hops <= maxSymlinkHops; hops++ {
		canon, _, err := r.canonical(p)
		if err != nil {
			return "", err
		}
		if canon == "/" {
			return canon, nil
		}
		target, err := os.Readlink(r.hostPath(canon))
		if err != nil {
			// Not a symlink or doesn't exist
			return canon, nil
		}
		if !path.IsAbs(target) {
			target = path.Join(path.Dir(canon), target)
		}
		p = target
	}
	return "", fmt.Errorf("too many levels of symlinks resolving %s", p)
}

type closure struct {
	r     *Resolver
	files Set[string]
	queue []string
	edges []DependencyEdge
}

func (c *closure) insert(p string) {
	if c.files.Insert(p) {
		c.queue = append(c.queue, p)
	}
}

// add puts p and any symlinked directories leading to it in the closure
func (c *closure) add(p string, from string, kind EdgeKind) error {
	canon, links, err := c.r.canonical(p)
	if err != nil {
		return err
	}
	if canon == "/" {
		return nil
	}
	for _, l := range links {
		c.insert(l)
	}
	if from != "" {
		c.edges = append(c.edges, DependencyEdge{From: from, To: canon, Kind: kind})
		if !c.files.Has(canon) {
			logrus.WithFields(logrus.Fields{"from": from, "to": canon, "kind": kind}).Debug("Found dependency")
		}
	}
	c.insert(canon)
	return nil
}

func (c *closure) addPackages(ctx context.Context, req ResolveRequest) error {
	if c.r.Packages == nil {
		return ErrNoPackageManager
	}
	requested := Sorted(req.Packages)
	seen := NewSet(requested...)
	queue := append([]string{}, requested...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		owned, err := c.r.Packages.Owned(ctx, name)
		if err != nil {
			if req.Packages.Has(name) {
				return fmt.Errorf("error listing files of package %s: %w", name, err)
			}
			logrus.WithField("package", name).Debugf("Skipping declared dependency: %s", err)
			continue
		}
		logrus.WithField("package", name).Debugf("Package owns %d paths", len(owned))
		for _, p := range owned {
			if err := c.add(p, "", ""); err != nil {
				return err
			}
		}
		if !req.PackageDeps {
			continue
		}
		deps, err := c.r.Packages.Depends(ctx, name)
		if err != nil {
			return fmt.Errorf("error listing dependencies of package %s: %w", name, err)
		}
		for _, d := range deps {
			if seen.Insert(d) {
				queue = append(queue, d)
			}
		}
	}
	return nil
}

// addPatterns expands the include patterns, a matched directory brings its whole subtree
func (c *closure) addPatterns(patterns Set[string]) ([]string, error) {
	unmatched := []string{}
	fsys := os.DirFS(c.r.Root)
	for _, pattern := range Sorted(patterns) {
		matches, err := doublestar.Glob(fsys, strings.TrimPrefix(path.Clean(pattern), "/"))
		if err != nil {
			return nil, fmt.Errorf("error expanding include pattern %s: %w", pattern, err)
		}
		if len(matches) == 0 {
			unmatched = append(unmatched, pattern)
			continue
		}
		for _, m := range matches {
			canon, links, err := c.r.canonical("/" + m)
			if err != nil {
				return nil, err
			}
			for _, l := range links {
				c.insert(l)
			}
			info, err := os.Lstat(c.r.hostPath(canon))
			if err != nil {
				return nil, fmt.Errorf("error looking up %s: %w", canon, err)
			}
			dir := canon
			if info.Mode()&fs.ModeSymlink != 0 {
				// The link is kept, a directory it points at is included like the link was the directory
				c.insert(canon)
				real, err := c.r.realpath(canon)
				if err != nil {
					return nil, err
				}
				info, err = os.Lstat(c.r.hostPath(real))
				if err != nil {
					if os.IsNotExist(err) {
						continue
					}
					return nil, fmt.Errorf("error looking up %s: %w", real, err)
				}
				dir = real
			}
			if !info.IsDir() {
				c.insert(canon)
				continue
			}
			if err := c.walk(dir); err != nil {
				return nil, err
			}
		}
	}
	return unmatched, nil
}

func (c *closure) walk(dir string) error {
	err := filepath.WalkDir(c.r.hostPath(dir), func(hp string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(c.r.hostPath(dir), hp)
		if err != nil {
			return err
		}
		c.insert(path.Join(dir, filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return fmt.Errorf("error walking included directory %s: %w", dir, err)
	}
	return nil
}

func (c *closure) lookupEnv(prog string) string {
	if strings.Contains(prog, "/") {
		return prog
	}
	for _, dir := range envPath {
		p := path.Join(dir, prog)
		// Links are followed, but never out of the root
		hp, err := securejoin.SecureJoin(c.r.Root, p)
		if err != nil {
			continue
		}
		if info, err := os.Stat(hp); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

func (c *closure) visit(ctx context.Context, p string) error {
	hp := c.r.hostPath(p)
	info, err := os.Lstat(hp)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.WithField("path", p).Debug("Path doesn't exist in image, skipping")
			c.files.Remove(p)
			return nil
		}
		return fmt.Errorf("error looking up %s: %w", p, err)
	}
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(hp)
		if err != nil {
			return fmt.Errorf("error reading symlink %s: %w", p, err)
		}
		if !path.IsAbs(target) {
			target = path.Join(path.Dir(p), target)
		}
		return c.add(target, p, EdgeSymlink)
	case info.Mode().IsRegular():
		interp, args, err := Interpreter(hp)
		if err != nil {
			return fmt.Errorf("error reading %s: %w", p, err)
		}
		if interp != "" {
			if err := c.add(interp, p, EdgeInterpreter); err != nil {
				return err
			}
			if path.Base(interp) == "env" {
				for _, a := range args {
					if strings.HasPrefix(a, "-") {
						continue
					}
					if prog := c.lookupEnv(a); prog != "" {
						if err := c.add(prog, p, EdgeInterpreter); err != nil {
							return err
						}
					}
					break
				}
			}
			return nil
		}
		isElf, err := IsELF(hp)
		if err != nil {
			return fmt.Errorf("error reading %s: %w", p, err)
		}
		if !isElf {
			return nil
		}
		needed, err := c.r.Dependencies.Needed(ctx, hp)
		if err != nil {
			return fmt.Errorf("error finding shared libraries of %s: %w", p, err)
		}
		for _, lib := range needed {
			if err := c.add(lib, p, EdgeLibrary); err != nil {
				return err
			}
		}
	}
	return nil
}

// chase follows symlinks, interpreters and shared libraries until nothing new turns up
func (c *closure) chase(ctx context.Context) error {
	for len(c.queue) > 0 {
		p := c.queue[0]
		c.queue = c.queue[1:]
		if err := c.visit(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// excludePatterns adds a second spelling of each pattern whose literal directories go through
// symlinks, since the closure only holds canonical paths
func (r *Resolver) excludePatterns(patterns Set[string]) ([]string, error) {
	out := NewSet[string]()
	for _, pattern := range Sorted(patterns) {
		pattern = path.Clean(pattern)
		out.Add(pattern)
		// A literal pattern names the link itself when it ends in one, a glob's base dir is followed
		var real, prefix, rest string
		var err error
		if base, glob := doublestar.SplitPattern(pattern); strings.ContainsAny(glob, "*?[{\\") {
			prefix, rest = base, glob
			real, err = r.realpath(prefix)
		} else {
			prefix = pattern
			real, _, err = r.canonical(prefix)
		}
		if err != nil {
			return nil, fmt.Errorf("error resolving exclude pattern %s: %w", pattern, err)
		}
		if real == prefix {
			continue
		}
		alias := real
		if rest != "" {
			alias = strings.TrimSuffix(real, "/") + "/" + rest
		}
		logrus.WithFields(logrus.Fields{"pattern": pattern, "alias": alias}).Debug("Exclude pattern goes through a symlink")
		out.Add(alias)
	}
	return Sorted(out), nil
}

func excluded(patterns []string, p string) bool {
	for cur := p; cur != "/" && cur != "."; cur = path.Dir(cur) {
		for _, pattern := range patterns {
			if ok, _ := doublestar.Match(pattern, cur); ok {
				return true
			}
		}
	}
	return false
}

// Resolve computes the closure of the requested packages and files, minus exclusions
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (Resolution, error) {
	c := &closure{r: r, files: NewSet[string]()}
	if req.Packages.Len() > 0 {
		if err := c.addPackages(ctx, req); err != nil {
			return Resolution{}, err
		}
	}
	unmatched, err := c.addPatterns(req.IncludeFiles)
	if err != nil {
		return Resolution{}, err
	}
	for _, u := range unmatched {
		logrus.WithField("pattern", u).Warn("Include pattern matched no files")
	}
	if req.Strict && len(unmatched) > 0 {
		return Resolution{}, fmt.Errorf("%w: %s", ErrUnmatchedPattern, strings.Join(unmatched, ", "))
	}
	if err := c.chase(ctx); err != nil {
		return Resolution{}, err
	}

	excludes, err := r.excludePatterns(req.ExcludeFiles)
	if err != nil {
		return Resolution{}, err
	}
	out := NewSet[string]()
	for p := range c.files {
		if excluded(excludes, p) {
			logrus.WithField("path", p).Debug("Excluded")
			continue
		}
		out.Add(p)
	}
	for p := range out {
		for d := path.Dir(p); d != "/"; d = path.Dir(d) {
			out.Add(d)
		}
	}
	return Resolution{
		Files:     Sorted(out),
		Unmatched: unmatched,
		Edges:     c.edges,
	}, nil
}
