package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/andrewbaxter/dinker-strip/dinkerlib"
	"github.com/andrewbaxter/dinker-strip/striplib"
	"github.com/urfave/cli/v2"
)

type Args struct {
	// Image to strip, as the engine names it
	Source string `json:"source"`
	// Tag of the stripped image
	Target string `json:"target"`
	// Packages whose files are kept, resolved with the source image's package manager
	Packages []string `json:"packages"`
	// Absolute glob patterns of further paths to keep. A matched directory keeps its whole tree.
	Include []string `json:"include"`
	// Absolute glob patterns removed from the result last, a matched directory loses its whole tree
	Exclude []string `json:"exclude"`
	// `80`, `53/udp`. Exposed in addition to the source image's ports.
	Ports []string `json:"ports"`
	// Pack executables and libraries with upx
	Compress bool `json:"compress"`
	Verbose  bool `json:"verbose"`
	// `docker` (default) or `podman`
	Engine string `json:"engine"`
	// `engine` (default) builds with the engine, `oci` writes the image itself
	Assembler string `json:"assembler"`
	// Defaults to dinker-strip-agent next to this executable
	Agent dinkerlib.AbsPath `json:"agent"`
	// Also keep the packages the requested packages depend on
	PackageDeps bool `json:"package_deps"`
	// Fail if an include pattern matches nothing
	Strict bool `json:"strict"`
	// Defaults to `upx` on PATH
	Upx     string   `json:"upx"`
	UpxArgs []string `json:"upx_args"`
	// Concurrent compressions, defaults to the number of CPUs
	Workers int `json:"workers"`
}

const (
	AssemblerEngine = "engine"
	AssemblerOci    = "oci"
)

func loadArgs(p string) (Args, error) {
	var args Args
	data, err := os.ReadFile(p)
	if err != nil {
		return args, fmt.Errorf("error reading config at %s: %w", p, err)
	}
	if err := json.Unmarshal(data, &args); err != nil {
		return args, fmt.Errorf("error parsing config json at %s: %w", p, err)
	}
	return args, nil
}

func overlay[T any](c *cli.Context, name string, dest *T, get func(string) T) {
	if c.IsSet(name) {
		*dest = get(name)
	}
}

// argsFromContext reads the config file if any, then lets flags and their environment variables
// override it
func argsFromContext(c *cli.Context) (Args, error) {
	var args Args
	if c.IsSet("config") {
		var err error
		args, err = loadArgs(c.String("config"))
		if err != nil {
			return args, err
		}
	}
	overlay(c, "source", &args.Source, c.String)
	overlay(c, "target", &args.Target, c.String)
	overlay(c, "package", &args.Packages, c.StringSlice)
	overlay(c, "include", &args.Include, c.StringSlice)
	overlay(c, "exclude", &args.Exclude, c.StringSlice)
	overlay(c, "port", &args.Ports, c.StringSlice)
	overlay(c, "compress", &args.Compress, c.Bool)
	overlay(c, "verbose", &args.Verbose, c.Bool)
	overlay(c, "engine", &args.Engine, c.String)
	overlay(c, "assembler", &args.Assembler, c.String)
	overlay(c, "package-deps", &args.PackageDeps, c.Bool)
	overlay(c, "strict", &args.Strict, c.Bool)
	overlay(c, "upx", &args.Upx, c.String)
	overlay(c, "upx-arg", &args.UpxArgs, c.StringSlice)
	overlay(c, "workers", &args.Workers, c.Int)
	if c.IsSet("agent") {
		args.Agent = dinkerlib.MakeAbsPath(c.String("agent"))
	}

	args.Engine = dinkerlib.Def(args.Engine, "docker")
	args.Assembler = dinkerlib.Def(args.Assembler, AssemblerEngine)
	args.Upx = dinkerlib.Def(args.Upx, "upx")
	if args.Agent == "" {
		exe, err := os.Executable()
		if err != nil {
			return args, fmt.Errorf("error locating the agent next to this executable: %w", err)
		}
		args.Agent = dinkerlib.AbsPath(exe).Parent().Join("dinker-strip-agent")
	}
	return args, nil
}

// Request validates args into a strip request
func (a Args) Request() (striplib.StripRequest, error) {
	ports, err := striplib.ParsePorts(a.Ports)
	if err != nil {
		return striplib.StripRequest{}, err
	}
	req := striplib.StripRequest{
		SourceImage:  a.Source,
		TargetImage:  a.Target,
		Packages:     striplib.NewSet(a.Packages...),
		IncludeFiles: striplib.NewSet(a.Include...),
		ExcludeFiles: striplib.NewSet(a.Exclude...),
		ExtraPorts:   ports,
		Verbose:      a.Verbose,
		Compress:     a.Compress,
		PackageDeps:  a.PackageDeps,
		Strict:       a.Strict,
	}
	if err := req.Validate(); err != nil {
		return striplib.StripRequest{}, err
	}
	if a.Assembler != AssemblerEngine && a.Assembler != AssemblerOci {
		return striplib.StripRequest{}, fmt.Errorf("unknown assembler %q, must be %s or %s", a.Assembler, AssemblerEngine, AssemblerOci)
	}
	if a.Workers < 0 {
		return striplib.StripRequest{}, fmt.Errorf("workers must not be negative")
	}
	return req, nil
}
