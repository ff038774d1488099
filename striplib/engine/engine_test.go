package engine

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/andrewbaxter/dinker-strip/striplib"
	"github.com/andrewbaxter/dinker-strip/striplib/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	stdout  map[string]string
	failing map[string]error
	ran     []command.Command
	onRun   func(c command.Command)
}

func (f *fakeRunner) Execute(ctx context.Context, c command.Command) ([]byte, error) {
	f.ran = append(f.ran, c)
	if f.onRun != nil {
		f.onRun(c)
	}
	verb := c.Args[0]
	if err, ok := f.failing[verb]; ok {
		return nil, err
	}
	return []byte(f.stdout[verb]), nil
}

func workspace(t *testing.T) *striplib.Workspace {
	ws, err := striplib.NewWorkspace()
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestAgentArgs(t *testing.T) {
	ws := &striplib.Workspace{ExportRoot: "/tmp/ws/rootfs", AgentDir: "/tmp/ws/agent"}
	assert.Equal(t, []string{
		"run", "--rm",
		"--user", "0:0",
		"--network", "none",
		"--entrypoint", "/.dinker-strip/agent",
		"-v", "/tmp/ws/rootfs:/export",
		"-v", "/tmp/ws/agent:/.dinker-strip:ro",
		"curlimages/curl:8.5.0",
		"strip",
		"--request", "/.dinker-strip/request.json",
		"--export", "/export",
		"--verbose",
	}, AgentArgs("curlimages/curl:8.5.0", ws, true))
	assert.NotContains(t, AgentArgs("alpine", ws, false), "--verbose")
}

func TestRunAgent(t *testing.T) {
	runner := &fakeRunner{stdout: map[string]string{
		"run": `{"files":["/usr","/usr/bin","/usr/bin/curl"],"unmatched":["/etc/curlrc"],"edges":[{"from":"/usr/bin/curl","to":"/lib/libz.so.1","kind":"library"}]}`,
	}}
	e := &Engine{Executable: "docker", Runner: runner}

	res, err := e.RunAgent(context.Background(), "curl", workspace(t), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr", "/usr/bin", "/usr/bin/curl"}, res.Files)
	assert.Equal(t, []string{"/etc/curlrc"}, res.Unmatched)
	assert.Equal(t, []striplib.DependencyEdge{{From: "/usr/bin/curl", To: "/lib/libz.so.1", Kind: striplib.EdgeLibrary}}, res.Edges)
	require.Len(t, runner.ran, 1)
	assert.Equal(t, "docker", runner.ran[0].Executable)
}

func TestRunAgentKeepsExitCode(t *testing.T) {
	runner := &fakeRunner{failing: map[string]error{
		"run": &command.ExitError{Code: striplib.AgentExitMaterialize, Stderr: "no space left on device"},
	}}
	e := &Engine{Executable: "podman", Runner: runner}

	_, err := e.RunAgent(context.Background(), "curl", workspace(t), false)
	var coder interface{ ExitCode() int }
	require.True(t, errors.As(err, &coder))
	assert.Equal(t, striplib.AgentExitMaterialize, coder.ExitCode())
}

func TestInspect(t *testing.T) {
	runner := &fakeRunner{stdout: map[string]string{
		"image": `[{"Id":"sha256:abc","Architecture":"amd64","Os":"linux","Config":{"ExposedPorts":{"80/tcp":{}},"Entrypoint":["/docker-entrypoint.sh"],"Cmd":["nginx","-g","daemon off;"],"Env":["PATH=/usr/bin"]}}]`,
	}}
	e := &Engine{Executable: "docker", Runner: runner}

	meta, err := e.Inspect(context.Background(), "nginx:1.25")
	require.NoError(t, err)
	assert.Equal(t, []string{"image", "inspect", "nginx:1.25"}, runner.ran[0].Args)
	assert.Equal(t, []striplib.Port{{Number: 80, Protocol: "tcp"}}, meta.ExposedPorts.SortedFunc(striplib.ComparePorts))
	assert.Equal(t, []string{"/docker-entrypoint.sh"}, meta.Entrypoint)
	assert.Equal(t, []string{"nginx", "-g", "daemon off;"}, meta.Command)
	assert.Equal(t, "amd64", meta.Architecture)
	assert.Equal(t, "linux", meta.OS)
}

func TestInspectNoCommand(t *testing.T) {
	runner := &fakeRunner{stdout: map[string]string{
		"image": `[{"Architecture":"arm64","Os":"linux","Config":{"Entrypoint":null,"Cmd":null}}]`,
	}}
	e := &Engine{Executable: "docker", Runner: runner}

	meta, err := e.Inspect(context.Background(), "scratchy")
	require.NoError(t, err)
	assert.Nil(t, meta.Entrypoint)
	assert.Nil(t, meta.Command)
	assert.Equal(t, 0, meta.ExposedPorts.Len())
}

func tarNames(t *testing.T, p string) []string {
	f, err := os.Open(p)
	require.NoError(t, err)
	defer f.Close()
	names := []string{}
	r := tar.NewReader(f)
	for {
		h, err := r.Next()
		if err == io.EOF {
			return names
		}
		require.NoError(t, err)
		names = append(names, h.Name)
	}
}

func TestAssemble(t *testing.T) {
	ws := workspace(t)
	require.NoError(t, os.MkdirAll(filepath.Join(ws.ExportRoot, "usr/bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws.ExportRoot, "usr/bin/curl"), []byte("curl"), 0o755))
	require.NoError(t, os.Symlink("curl", filepath.Join(ws.ExportRoot, "usr/bin/curl-link")))

	var dockerfile string
	var names []string
	runner := &fakeRunner{}
	runner.onRun = func(c command.Command) {
		// The context is only guaranteed to be there while the build runs
		data, err := os.ReadFile(filepath.Join(ws.ContextDir, "Dockerfile"))
		require.NoError(t, err)
		dockerfile = string(data)
		names = tarNames(t, filepath.Join(ws.ContextDir, striplib.RootfsArchive))
	}
	e := &Engine{Executable: "docker", Runner: runner}

	def := striplib.ImageDefinition{
		Ports:      []striplib.Port{{Number: 443, Protocol: "tcp"}},
		Entrypoint: []string{"/usr/bin/curl"},
	}
	require.NoError(t, e.Assemble(context.Background(), "example.com/curl-slim:1", def, ws))

	require.Len(t, runner.ran, 1)
	assert.Equal(t, []string{
		"build", "--no-cache",
		"-t", "example.com/curl-slim:1",
		"-f", filepath.Join(ws.ContextDir, "Dockerfile"),
		ws.ContextDir,
	}, runner.ran[0].Args)
	assert.Equal(t, def.Dockerfile(), dockerfile)
	assert.Equal(t, []string{"usr/", "usr/bin/", "usr/bin/curl", "usr/bin/curl-link"}, names)
}

func TestAssembleFailure(t *testing.T) {
	ws := workspace(t)
	runner := &fakeRunner{failing: map[string]error{
		"build": &command.ExitError{Code: 1, Stderr: "failed to solve: no space left on device"},
	}}
	e := &Engine{Executable: "docker", Runner: runner}

	err := e.Assemble(context.Background(), "slim", striplib.ImageDefinition{}, ws)
	assert.ErrorContains(t, err, "no space left on device")
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   string
	}{
		{"docker", "Loaded image: example.com/curl-slim:1\n", "example.com/curl-slim:1"},
		{"podman", "Getting image source signatures\nLoaded image(s): localhost/curl-slim:1\n", "localhost/curl-slim:1"},
		{"untagged", "Loaded image ID: sha256:0123abcd\n", "sha256:0123abcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{stdout: map[string]string{"load": tt.stdout}}
			e := &Engine{Executable: "docker", Runner: runner}
			got, err := e.Load(context.Background(), "/tmp/image.tar")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, []string{"load", "-i", "/tmp/image.tar"}, runner.ran[0].Args)
		})
	}

	e := &Engine{Executable: "docker", Runner: &fakeRunner{stdout: map[string]string{"load": "\n"}}}
	_, err := e.Load(context.Background(), "/tmp/image.tar")
	assert.Error(t, err)
}

func TestTag(t *testing.T) {
	runner := &fakeRunner{}
	e := &Engine{Executable: "podman", Runner: runner}
	require.NoError(t, e.Tag(context.Background(), "localhost/slim:latest", "localhost/slim:latest"))
	assert.Empty(t, runner.ran)
	require.NoError(t, e.Tag(context.Background(), "localhost/slim:latest", "example.com/slim:2"))
	assert.Equal(t, []string{"tag", "localhost/slim:latest", "example.com/slim:2"}, runner.ran[0].Args)
}
