package dinkerlib

import (
	"os"
	"path/filepath"
	"strings"
)

func Def[T comparable](v T, alt T) T {
	var ref T
	if v == ref {
		return alt
	} else {
		return v
	}
}

type AbsPath string

func MakeAbsPath(relOrAbs string) AbsPath {
	p, err := filepath.Abs(relOrAbs)
	if err != nil {
		panic(err)
	}
	return AbsPath(p)
}

// During json unmarshaling, relative paths are based on the working directory of dinker-strip
func (s *AbsPath) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*s = ""
		return nil
	}
	*s = MakeAbsPath(string(text))
	return nil
}

func (p AbsPath) String() string {
	return string(p)
}

func (p AbsPath) Raw() string {
	return string(p)
}

func (p AbsPath) Parent() AbsPath {
	return AbsPath(filepath.Dir(p.Raw()))
}

func (p AbsPath) Filename() string {
	return filepath.Base(string(p))
}

func (p AbsPath) Join(rel string) AbsPath {
	if filepath.IsAbs(rel) {
		panic("join path abs: " + rel)
	}
	return AbsPath(filepath.Clean(filepath.Join(string(p), rel)))
}

// Path of p inside root using forward slashes and no leading slash, as stored in tar headers
func (p AbsPath) RelTo(root AbsPath) (string, error) {
	rel, err := filepath.Rel(root.Raw(), p.Raw())
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(filepath.ToSlash(rel), "./"), nil
}

func (p AbsPath) Exists() bool {
	_, err := os.Lstat(p.Raw())
	return !os.IsNotExist(err)
}
