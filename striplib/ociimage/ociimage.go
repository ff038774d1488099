package ociimage

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/andrewbaxter/dinker-strip/dinkerlib"
	"github.com/andrewbaxter/dinker-strip/dinkerlib/transfer"
	"github.com/andrewbaxter/dinker-strip/striplib"
	"github.com/andrewbaxter/dinker-strip/striplib/engine"
	"github.com/containers/image/v5/types"
	"github.com/sirupsen/logrus"
)

// Store is where built images end up and where source images are read from
type Store interface {
	// Reference returns the transport reference to image in the store
	Reference(image string) (types.ImageReference, error)
	// Import makes a built image available as target, given the oci layout it was built in
	Import(ctx context.Context, layout dinkerlib.AbsPath, target string) error
}

// DaemonStore talks to the docker daemon directly
type DaemonStore struct{}

func (DaemonStore) Reference(image string) (types.ImageReference, error) {
	return transfer.DaemonReference(image)
}

func (DaemonStore) Import(ctx context.Context, layout dinkerlib.AbsPath, target string) error {
	source, err := transfer.LayoutReference(layout)
	if err != nil {
		return err
	}
	dest, err := transfer.DaemonReference(target)
	if err != nil {
		return err
	}
	return transfer.Copy(ctx, dest, source)
}

// ArchiveStore goes through an oci archive loaded with the engine CLI, for engines without a docker
// compatible daemon socket
type ArchiveStore struct {
	Engine *engine.Engine
}

func (s ArchiveStore) Reference(image string) (types.ImageReference, error) {
	return nil, fmt.Errorf("%s images can't be read directly, use the engine inspector", s.Engine.Executable)
}

func (s ArchiveStore) Import(ctx context.Context, layout dinkerlib.AbsPath, target string) error {
	source, err := transfer.LayoutReference(layout)
	if err != nil {
		return err
	}
	archivePath := layout.Parent().Join("image.tar")
	dest, err := transfer.ArchiveReference(archivePath, target)
	if err != nil {
		return err
	}
	if err := transfer.Copy(ctx, dest, source); err != nil {
		return err
	}
	loaded, err := s.Engine.Load(ctx, archivePath)
	if err != nil {
		return err
	}
	return s.Engine.Tag(ctx, loaded, target)
}

// NewStore picks the store matching the engine executable
func NewStore(e *engine.Engine) Store {
	if filepath.Base(e.Executable) == "docker" {
		return DaemonStore{}
	}
	return ArchiveStore{Engine: e}
}

// Assembler writes the target image as an oci layout itself instead of running an engine build
type Assembler struct {
	Store Store
}

func BuildArgs(def striplib.ImageDefinition, root dinkerlib.AbsPath, dest dinkerlib.AbsPath) dinkerlib.BuildImageArgs {
	ports := []dinkerlib.BuildImageArgsPort{}
	for _, p := range def.Ports {
		ports = append(ports, dinkerlib.BuildImageArgsPort{Port: p.Number, Transport: p.Protocol})
	}
	return dinkerlib.BuildImageArgs{
		Root:         root,
		Architecture: dinkerlib.Def(def.Architecture, runtime.GOARCH),
		Os:           dinkerlib.Def(def.OS, "linux"),
		Entrypoint:   def.Entrypoint,
		Cmd:          def.Command,
		Ports:        ports,
		DestDirPath:  dest,
	}
}

func (a *Assembler) Assemble(ctx context.Context, target string, def striplib.ImageDefinition, ws *striplib.Workspace) error {
	layout := dinkerlib.MakeAbsPath(ws.ContextDir).Join("oci")
	manifestDigest, err := dinkerlib.BuildImage(BuildArgs(def, dinkerlib.MakeAbsPath(ws.ExportRoot), layout))
	if err != nil {
		return fmt.Errorf("error writing image layout: %w", err)
	}
	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		manifest, _, err := dinkerlib.ReadLayout(layout)
		if err != nil {
			return err
		}
		for _, l := range manifest.Layers {
			paths, err := dinkerlib.ListLayer(layout.Join(dinkerlib.BlobPath(l.Digest)))
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{"layer": l.Digest, "paths": len(paths)}).Debug("Wrote layer")
		}
	}
	logrus.WithField("manifest", manifestDigest).Debug("Wrote image layout")
	return a.Store.Import(ctx, layout, target)
}

// Inspector reads source image configs through containers/image instead of the engine CLI
type Inspector struct {
	Store Store
}

func (i *Inspector) Inspect(ctx context.Context, image string) (striplib.SourceImageMetadata, error) {
	ref, err := i.Store.Reference(image)
	if err != nil {
		return striplib.SourceImageMetadata{}, err
	}
	config, err := transfer.ReadConfig(ctx, ref)
	if err != nil {
		return striplib.SourceImageMetadata{}, err
	}
	return striplib.MetadataFromConfig(*config)
}
