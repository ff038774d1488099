// The agent runs inside the source image. It resolves the requested files against the image's own
// package manager and dynamic linker, then copies them into the export dir.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"

	"github.com/andrewbaxter/dinker-strip/striplib"
	"github.com/andrewbaxter/dinker-strip/striplib/command"
	"github.com/andrewbaxter/dinker-strip/striplib/inside"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func readRequest(p string) (striplib.ResolveRequest, error) {
	var req striplib.ResolveRequest
	data, err := os.ReadFile(p)
	if err != nil {
		return req, fmt.Errorf("error reading request at %s: %w", p, err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("error parsing request json at %s: %w", p, err)
	}
	return req, nil
}

// Swapped in tests, images under test have no package manager
var detectPackageManager = inside.DetectPackageManager

func newResolver(root string, req striplib.ResolveRequest) (*striplib.Resolver, error) {
	runner := command.NewRunner()
	resolver := &striplib.Resolver{
		Root:         root,
		Dependencies: &inside.Ldd{Runner: runner},
	}
	if req.Packages.Len() > 0 {
		packages, err := detectPackageManager(runner)
		if err != nil {
			return nil, err
		}
		resolver.Packages = packages
	}
	return resolver, nil
}

func strip(ctx context.Context, requestPath string, root string, export string) error {
	req, err := readRequest(requestPath)
	if err != nil {
		return cli.Exit(err.Error(), striplib.AgentExitResolve)
	}
	if req.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	// The mounts aren't part of the image
	req.ExcludeFiles = req.ExcludeFiles.Union(striplib.NewSet(path.Clean(export), path.Dir(requestPath)))
	resolver, err := newResolver(root, req)
	if err != nil {
		return cli.Exit(err.Error(), striplib.AgentExitResolve)
	}
	resolution, err := resolver.Resolve(ctx, req)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error resolving files: %s", err), striplib.AgentExitResolve)
	}
	logrus.Infof("Resolved %d paths", len(resolution.Files))

	m := &striplib.Materializer{Source: root, Dest: export}
	if err := m.Materialize(resolution.Files); err != nil {
		return cli.Exit(fmt.Sprintf("error copying files: %s", err), striplib.AgentExitMaterialize)
	}

	// Stdout carries only the resolution, logs go to stderr
	if err := json.NewEncoder(os.Stdout).Encode(resolution); err != nil {
		return cli.Exit(fmt.Sprintf("error writing resolution: %s", err), striplib.AgentExitMaterialize)
	}
	return nil
}

func main() {
	logrus.SetOutput(os.Stderr)
	app := &cli.App{
		Name:  "dinker-strip-agent",
		Usage: "resolve and export a file closure from inside a container image",
		Commands: cli.Commands{
			&cli.Command{
				Name: "strip",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "request",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "export",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "root",
						Value: "/",
						Usage: "filesystem root of the source image",
					},
					&cli.BoolFlag{
						Name: "verbose",
					},
				},
				Action: func(c *cli.Context) error {
					if c.Bool("verbose") {
						logrus.SetLevel(logrus.DebugLevel)
					}
					return strip(c.Context, c.String("request"), c.String("root"), c.String("export"))
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Fatalf("Exiting with fatal error: %s", err)
	}
}
