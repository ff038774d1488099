package striplib

import (
	"fmt"
	"path"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/distribution/reference"
)

// StripRequest is one validated stripping job. It isn't modified after Validate.
type StripRequest struct {
	SourceImage string
	TargetImage string
	Packages    Set[string]
	// Absolute glob patterns
	IncludeFiles Set[string]
	// Absolute glob patterns, applied after everything else
	ExcludeFiles Set[string]
	ExtraPorts   Set[Port]
	Verbose      bool
	Compress     bool
	// Also pull in the packages the package manager says the requested packages depend on
	PackageDeps bool
	// Fail when an include pattern matches nothing instead of warning
	Strict bool
}

func validatePatterns(kind string, patterns Set[string]) error {
	for _, p := range Sorted(patterns) {
		if !path.IsAbs(p) {
			return fmt.Errorf("%s pattern %q must be an absolute path", kind, p)
		}
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%s pattern %q is not a valid glob", kind, p)
		}
	}
	return nil
}

func (r *StripRequest) Validate() error {
	if r.SourceImage == "" || r.TargetImage == "" {
		return ErrMissingImage
	}
	for _, image := range []string{r.SourceImage, r.TargetImage} {
		if _, err := reference.ParseNormalizedNamed(image); err != nil {
			return fmt.Errorf("invalid image reference %q: %w", image, err)
		}
	}
	if r.Packages.Len() == 0 && r.IncludeFiles.Len() == 0 {
		return ErrNoInputs
	}
	for _, p := range Sorted(r.Packages) {
		if p == "" {
			return fmt.Errorf("empty package name")
		}
	}
	if err := validatePatterns("include", r.IncludeFiles); err != nil {
		return err
	}
	if err := validatePatterns("exclude", r.ExcludeFiles); err != nil {
		return err
	}
	return nil
}

// ResolveRequest is the part of a StripRequest the agent needs inside the source image
type ResolveRequest struct {
	Packages     Set[string] `json:"packages"`
	IncludeFiles Set[string] `json:"include_files"`
	ExcludeFiles Set[string] `json:"exclude_files"`
	PackageDeps  bool        `json:"package_deps"`
	Strict       bool        `json:"strict"`
	Verbose      bool        `json:"verbose"`
}

func (r *StripRequest) ResolveRequest() ResolveRequest {
	return ResolveRequest{
		Packages:     r.Packages,
		IncludeFiles: r.IncludeFiles,
		ExcludeFiles: r.ExcludeFiles,
		PackageDeps:  r.PackageDeps,
		Strict:       r.Strict,
		Verbose:      r.Verbose,
	}
}
