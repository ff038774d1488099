package striplib

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// RootfsArchive is the name of the export root tarball inside the build context
const RootfsArchive = "rootfs.tar"

// ImageDefinition describes the target image: empty base, the export root as its only layer
type ImageDefinition struct {
	Ports []Port
	// Omitted when nil
	Entrypoint []string
	// Omitted when nil
	Command      []string
	Architecture string
	OS           string
}

func NewImageDefinition(extraPorts Set[Port], meta SourceImageMetadata) ImageDefinition {
	return ImageDefinition{
		Ports:        extraPorts.Union(meta.ExposedPorts).SortedFunc(ComparePorts),
		Entrypoint:   meta.Entrypoint,
		Command:      meta.Command,
		Architecture: meta.Architecture,
		OS:           meta.OS,
	}
}

func execForm(args []string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(args); err != nil {
		panic(err)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Dockerfile renders the definition for an engine build of a context holding RootfsArchive
func (d ImageDefinition) Dockerfile() string {
	var b strings.Builder
	b.WriteString("FROM scratch\n")
	fmt.Fprintf(&b, "ADD %s /\n", RootfsArchive)
	for _, p := range d.Ports {
		fmt.Fprintf(&b, "EXPOSE %s\n", p)
	}
	if d.Entrypoint != nil {
		fmt.Fprintf(&b, "ENTRYPOINT %s\n", execForm(d.Entrypoint))
	}
	if d.Command != nil {
		fmt.Fprintf(&b, "CMD %s\n", execForm(d.Command))
	}
	return b.String()
}
