package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andrewbaxter/dinker-strip/dinkerlib"
	"github.com/andrewbaxter/dinker-strip/striplib"
	"github.com/andrewbaxter/dinker-strip/striplib/command"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// Where the agent dir is mounted in the source image, out of the way of anything the image ships
	AgentMount  = "/.dinker-strip"
	ExportMount = "/export"
)

// Engine drives a docker compatible container engine CLI, docker or podman
type Engine struct {
	Executable string
	Runner     command.Runner
}

func New(executable string, runner command.Runner) (*Engine, error) {
	if _, err := command.LookPath(executable); err != nil {
		return nil, fmt.Errorf("%w: %s", striplib.ErrToolMissing, err)
	}
	return &Engine{Executable: executable, Runner: runner}, nil
}

func (e *Engine) run(ctx context.Context, args ...string) ([]byte, error) {
	return e.Runner.Execute(ctx, command.Command{Executable: e.Executable, Args: args})
}

// AgentArgs are the engine arguments running the agent in image against the workspace
func AgentArgs(image string, ws *striplib.Workspace, verbose bool) []string {
	args := []string{
		"run", "--rm",
		"--user", "0:0",
		"--network", "none",
		"--entrypoint", AgentMount + "/" + striplib.AgentBinary,
		"-v", ws.ExportRoot + ":" + ExportMount,
		"-v", ws.AgentDir + ":" + AgentMount + ":ro",
		image,
		"strip",
		"--request", AgentMount + "/" + striplib.AgentRequest,
		"--export", ExportMount,
	}
	if verbose {
		args = append(args, "--verbose")
	}
	return args
}

func (e *Engine) RunAgent(ctx context.Context, image string, ws *striplib.Workspace, verbose bool) (striplib.Resolution, error) {
	out, err := e.run(ctx, AgentArgs(image, ws, verbose)...)
	if err != nil {
		return striplib.Resolution{}, err
	}
	var resolution striplib.Resolution
	if err := json.Unmarshal(out, &resolution); err != nil {
		return striplib.Resolution{}, errors.Wrap(err, "agent printed an invalid resolution")
	}
	return resolution, nil
}

type inspected struct {
	Architecture string
	Os           string
	Config       imagespec.ImageConfig
}

func (e *Engine) Inspect(ctx context.Context, image string) (striplib.SourceImageMetadata, error) {
	out, err := e.run(ctx, "image", "inspect", image)
	if err != nil {
		return striplib.SourceImageMetadata{}, errors.Wrapf(err, "error inspecting %s", image)
	}
	var images []inspected
	if err := json.Unmarshal(out, &images); err != nil {
		return striplib.SourceImageMetadata{}, errors.Wrapf(err, "error parsing inspect output of %s", image)
	}
	if len(images) != 1 {
		return striplib.SourceImageMetadata{}, fmt.Errorf("expected one image inspecting %s, got %d", image, len(images))
	}
	return striplib.MetadataFromConfig(imagespec.Image{
		Platform: imagespec.Platform{Architecture: images[0].Architecture, OS: images[0].Os},
		Config:   images[0].Config,
	})
}

// WriteContext fills the workspace build context with the Dockerfile and the export root archive
func WriteContext(def striplib.ImageDefinition, ws *striplib.Workspace) error {
	dockerfile := filepath.Join(ws.ContextDir, "Dockerfile")
	if err := os.WriteFile(dockerfile, []byte(def.Dockerfile()), 0o644); err != nil {
		return errors.Wrap(err, "error writing Dockerfile")
	}
	archive, err := os.Create(filepath.Join(ws.ContextDir, striplib.RootfsArchive))
	if err != nil {
		return errors.Wrap(err, "error creating export root archive")
	}
	buf := bufio.NewWriter(archive)
	if err := dinkerlib.WriteRootfsTar(buf, dinkerlib.MakeAbsPath(ws.ExportRoot)); err != nil {
		archive.Close()
		return err
	}
	if err := buf.Flush(); err != nil {
		archive.Close()
		return errors.Wrap(err, "error writing export root archive")
	}
	return errors.Wrap(archive.Close(), "error writing export root archive")
}

func (e *Engine) Assemble(ctx context.Context, target string, def striplib.ImageDefinition, ws *striplib.Workspace) error {
	if err := WriteContext(def, ws); err != nil {
		return err
	}
	_, err := e.run(ctx,
		"build",
		"--no-cache",
		"-t", target,
		"-f", filepath.Join(ws.ContextDir, "Dockerfile"),
		ws.ContextDir,
	)
	if err != nil {
		return errors.Wrapf(err, "error building %s", target)
	}
	return nil
}

// Load imports an image archive into the engine, returning the loaded image's name
func (e *Engine) Load(ctx context.Context, archive dinkerlib.AbsPath) (string, error) {
	out, err := e.run(ctx, "load", "-i", archive.Raw())
	if err != nil {
		return "", errors.Wrapf(err, "error loading %s", archive)
	}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		for _, prefix := range []string{"Loaded image:", "Loaded image(s):", "Loaded image ID:"} {
			if rest, ok := strings.CutPrefix(line, prefix); ok {
				name, _, _ := strings.Cut(strings.TrimSpace(rest), ",")
				return name, nil
			}
		}
	}
	return "", fmt.Errorf("no loaded image reported loading %s", archive)
}

func (e *Engine) Tag(ctx context.Context, image string, target string) error {
	if image == target {
		return nil
	}
	if _, err := e.run(ctx, "tag", image, target); err != nil {
		return errors.Wrapf(err, "error tagging %s", target)
	}
	logrus.WithFields(logrus.Fields{"image": image, "target": target}).Debug("Tagged")
	return nil
}
