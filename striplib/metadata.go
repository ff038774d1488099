package striplib

import (
	"context"
	"fmt"

	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
)

// SourceImageMetadata is what gets carried over from the source image. Entrypoint and Command
// are nil when the source image doesn't set them.
type SourceImageMetadata struct {
	ExposedPorts Set[Port]
	Entrypoint   []string
	Command      []string
	Architecture string
	OS           string
}

// Inspector reads the runtime config of an image without running it
type Inspector interface {
	Inspect(ctx context.Context, image string) (SourceImageMetadata, error)
}

func nilIfEmpty(v []string) []string {
	if len(v) == 0 {
		return nil
	}
	return append([]string{}, v...)
}

func MetadataFromConfig(image imagespec.Image) (SourceImageMetadata, error) {
	ports := NewSet[Port]()
	for k := range image.Config.ExposedPorts {
		p, err := ParsePort(k)
		if err != nil {
			return SourceImageMetadata{}, fmt.Errorf("source image exposes invalid port: %w", err)
		}
		ports.Add(p)
	}
	return SourceImageMetadata{
		ExposedPorts: ports,
		Entrypoint:   nilIfEmpty(image.Config.Entrypoint),
		Command:      nilIfEmpty(image.Config.Cmd),
		Architecture: image.Architecture,
		OS:           image.OS,
	}, nil
}
