package dinkerlib

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

func readFsJson[T any](fsys fs.FS, p string) (out T, err error) {
	contents, err := fs.ReadFile(fsys, p)
	if err != nil {
		return out, fmt.Errorf("error reading file %s: %w", p, err)
	}
	err = json.Unmarshal(contents, &out)
	if err != nil {
		return out, fmt.Errorf("error unmarshaling %s as json: %w", p, err)
	}
	return
}

func canonicalJsonMarshal(sym any) []byte {
	ser, err := json.Marshal(sym)
	if err != nil {
		panic(err)
	}
	// Work around go not supporting ordered serialization for random data types by
	// deserializing once to simple types which will be ordered when re-serialized.
	sym = nil
	err = json.Unmarshal(ser, &sym)
	if err != nil {
		panic(err)
	}
	ser, err = json.Marshal(sym)
	if err != nil {
		panic(err)
	}
	return ser
}

func BlobPath(d digest.Digest) string {
	return fmt.Sprintf("blobs/%s/%s", d.Algorithm().String(), d.Encoded())
}

// BuildImage writes a single-layer image with no base to args.DestDirPath as an oci layout dir and
// returns the manifest digest.
func BuildImage(args BuildImageArgs) (digest.Digest, error) {
	if args.Architecture == "" || args.Os == "" {
		return "", fmt.Errorf("missing architecture or os for image without base")
	}
	if err := os.MkdirAll(args.DestDirPath.Raw(), 0o755); err != nil {
		return "", fmt.Errorf("error creating staging dir for image at %s: %w", args.DestDirPath, err)
	}

	// Util functions
	writeMemory := func(name string, contents []byte) error {
		p := args.DestDirPath.Join(name)
		if err := os.MkdirAll(p.Parent().Raw(), 0o755); err != nil {
			return fmt.Errorf("unable to create parent directories for image file %s: %w", p, err)
		}
		if err := os.WriteFile(p.Raw(), contents, 0o644); err != nil {
			return fmt.Errorf("error writing image file %s: %w", name, err)
		}
		return nil
	}
	buildJson := func(contents any) (digest.Digest, []byte) {
		contents1 := canonicalJsonMarshal(contents)
		return digest.FromBytes(contents1), contents1
	}
	writeJson := func(name string, contents any) error {
		return writeMemory(name, canonicalJsonMarshal(contents))
	}

	// Write layout file
	if err := writeJson(imagespec.ImageLayoutFile, imagespec.ImageLayout{
		Version: imagespec.ImageLayoutVersion,
	}); err != nil {
		return "", err
	}

	// Write the layer, staged in a temp file until its digest is known
	var layerMeta imagespec.Descriptor
	var diffId digest.Digest
	{
		tmpLayer, err := os.CreateTemp(args.DestDirPath.Raw(), ".dinker-layer-*")
		if err != nil {
			return "", fmt.Errorf("error creating temp file for new layer: %w", err)
		}
		defer func() {
			tmpLayer.Close()
			if err := os.Remove(tmpLayer.Name()); err != nil && !os.IsNotExist(err) {
				logrus.Warnf("Failed to remove layer temp file %s: %s", tmpLayer.Name(), err)
			}
		}()
		uncompressedDigester := sha256.New()
		compressedDigester := sha256.New()
		gzWriter := gzip.NewWriter(io.MultiWriter(
			compressedDigester,
			tmpLayer,
		))
		if err := WriteRootfsTar(io.MultiWriter(uncompressedDigester, gzWriter), args.Root); err != nil {
			return "", err
		}
		if err := gzWriter.Close(); err != nil {
			return "", fmt.Errorf("error closing layer tar gz: %w", err)
		}
		stat, err := tmpLayer.Stat()
		if err != nil {
			return "", fmt.Errorf("error reading temp layer file metadata: %w", err)
		}
		layerMeta = imagespec.Descriptor{
			MediaType: imagespec.MediaTypeImageLayerGzip,
			Digest:    digest.NewDigest(digest.SHA256, compressedDigester),
			Size:      stat.Size(),
		}
		diffId = digest.NewDigest(digest.SHA256, uncompressedDigester)
		if err := tmpLayer.Close(); err != nil {
			return "", fmt.Errorf("error closing temp layer file: %w", err)
		}
		layerPath := args.DestDirPath.Join(BlobPath(layerMeta.Digest))
		if err := os.MkdirAll(layerPath.Parent().Raw(), 0o755); err != nil {
			return "", fmt.Errorf("unable to create parent directories for image file %s: %w", layerPath, err)
		}
		if err := os.Rename(tmpLayer.Name(), layerPath.Raw()); err != nil {
			return "", fmt.Errorf("error moving layer into place at %s: %w", layerPath, err)
		}
	}

	var ports map[string]struct{}
	if len(args.Ports) != 0 {
		ports = map[string]struct{}{}
		for _, p := range args.Ports {
			ports[fmt.Sprintf("%d/%s", p.Port, Def(p.Transport, "tcp"))] = struct{}{}
		}
	}

	// Write remaining meta files
	imageConfigDigest, imageConfig := buildJson(imagespec.Image{
		Platform: imagespec.Platform{
			Architecture: args.Architecture,
			OS:           args.Os,
		},
		Config: imagespec.ImageConfig{
			Env:          args.Env,
			WorkingDir:   args.WorkingDir,
			User:         args.User,
			Entrypoint:   args.Entrypoint,
			Cmd:          args.Cmd,
			ExposedPorts: ports,
			StopSignal:   args.StopSignal,
			Labels:       args.Labels,
		},
		RootFS: imagespec.RootFS{
			Type:    "layers",
			DiffIDs: []digest.Digest{diffId},
		},
	})
	if err := writeMemory(BlobPath(imageConfigDigest), imageConfig); err != nil {
		return "", err
	}
	imageManifestDigest, imageManifest := buildJson(imagespec.Manifest{
		Versioned: specs.Versioned{
			SchemaVersion: 2,
		},
		MediaType: imagespec.MediaTypeImageManifest,
		Config: imagespec.Descriptor{
			MediaType: imagespec.MediaTypeImageConfig,
			Digest:    imageConfigDigest,
			Size:      int64(len(imageConfig)),
		},
		Layers: []imagespec.Descriptor{layerMeta},
	})
	if err := writeMemory(BlobPath(imageManifestDigest), imageManifest); err != nil {
		return "", err
	}
	if err := writeJson("index.json", imagespec.Index{
		Versioned: specs.Versioned{
			SchemaVersion: 2,
		},
		Manifests: []imagespec.Descriptor{
			{
				MediaType: imagespec.MediaTypeImageManifest,
				Digest:    imageManifestDigest,
				Size:      int64(len(imageManifest)),
			},
		},
	}); err != nil {
		return "", err
	}
	return imageManifestDigest, nil
}

// ReadLayout loads the manifest and config of the first image in an oci layout dir
func ReadLayout(dir AbsPath) (imagespec.Manifest, imagespec.Image, error) {
	fsys := os.DirFS(dir.Raw())
	index, err := readFsJson[imagespec.Index](fsys, "index.json")
	if err != nil {
		return imagespec.Manifest{}, imagespec.Image{}, err
	}
	for _, m := range index.Manifests {
		if m.MediaType != imagespec.MediaTypeImageManifest {
			continue
		}
		manifest, err := readFsJson[imagespec.Manifest](fsys, BlobPath(m.Digest))
		if err != nil {
			return imagespec.Manifest{}, imagespec.Image{}, fmt.Errorf("unable to find manifest %s referenced in index: %w", m.Digest, err)
		}
		config, err := readFsJson[imagespec.Image](fsys, BlobPath(manifest.Config.Digest))
		if err != nil {
			return imagespec.Manifest{}, imagespec.Image{}, fmt.Errorf("unable to find config %s referenced in image manifest: %w", manifest.Config.Digest, err)
		}
		return manifest, config, nil
	}
	return imagespec.Manifest{}, imagespec.Image{}, fmt.Errorf("no image manifest in layout %s", dir)
}
