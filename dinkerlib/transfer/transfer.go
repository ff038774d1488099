package transfer

import (
	"context"

	"github.com/andrewbaxter/dinker-strip/dinkerlib"
	imagecopy "github.com/containers/image/v5/copy"
	"github.com/containers/image/v5/docker/daemon"
	"github.com/containers/image/v5/oci/archive"
	"github.com/containers/image/v5/oci/layout"
	"github.com/containers/image/v5/signature"
	"github.com/containers/image/v5/types"
	"github.com/distribution/reference"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func policyContext() (*signature.PolicyContext, error) {
	policy, err := signature.DefaultPolicy(nil)
	if err != nil {
		// Images here are built locally, nothing is pulled from a registry
		logrus.Debugf("No containers signature policy found (%s), accepting local images", err)
		policy = &signature.Policy{
			Default: []signature.PolicyRequirement{signature.NewPRInsecureAcceptAnything()},
		}
	}
	policyContext, err := signature.NewPolicyContext(policy)
	if err != nil {
		return nil, errors.Wrap(err, "error setting up image policy context")
	}
	return policyContext, nil
}

func LayoutReference(dir dinkerlib.AbsPath) (types.ImageReference, error) {
	ref, err := layout.NewReference(dir.Raw(), "")
	if err != nil {
		return nil, errors.Wrapf(err, "invalid oci layout dir %s", dir)
	}
	return ref, nil
}

// ArchiveReference refers to an oci archive tar, named as image inside the archive
func ArchiveReference(p dinkerlib.AbsPath, image string) (types.ImageReference, error) {
	named, err := tagged(image)
	if err != nil {
		return nil, err
	}
	ref, err := archive.NewReference(p.Raw(), named)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid oci archive path %s", p)
	}
	return ref, nil
}

// DaemonReference refers to image in the docker daemon's image store
func DaemonReference(image string) (types.ImageReference, error) {
	named, err := tagged(image)
	if err != nil {
		return nil, err
	}
	ref, err := daemon.ParseReference(named)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid docker daemon image %s", image)
	}
	return ref, nil
}

func tagged(image string) (string, error) {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", errors.Wrapf(err, "invalid image reference %s", image)
	}
	return reference.TagNameOnly(named).String(), nil
}

func Copy(ctx context.Context, dest types.ImageReference, source types.ImageReference) error {
	policyContext, err := policyContext()
	if err != nil {
		return err
	}
	defer policyContext.Destroy()
	report := logrus.StandardLogger().WriterLevel(logrus.DebugLevel)
	defer report.Close()
	_, err = imagecopy.Image(
		ctx,
		policyContext,
		dest,
		source,
		&imagecopy.Options{
			ReportWriter: report,
		},
	)
	if err != nil {
		return errors.Wrapf(err, "error copying image %s to %s", transportName(source), transportName(dest))
	}
	return nil
}

// ReadConfig returns the image config of ref. Layers aren't read, but the docker-daemon transport
// still streams the whole `docker save` output to get at the config.
func ReadConfig(ctx context.Context, ref types.ImageReference) (*imagespec.Image, error) {
	img, err := ref.NewImage(ctx, &types.SystemContext{})
	if err != nil {
		return nil, errors.Wrapf(err, "error opening image %s", transportName(ref))
	}
	defer img.Close()
	config, err := img.OCIConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading config of image %s", transportName(ref))
	}
	return config, nil
}

func transportName(ref types.ImageReference) string {
	return ref.Transport().Name() + ":" + ref.StringWithinTransport()
}
