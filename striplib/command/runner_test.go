package command

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandString(t *testing.T) {
	tests := []struct {
		name     string
		command  Command
		expected string
	}{
		{"no args", Command{Executable: "ldd"}, "ldd"},
		{"plain args", Command{Executable: "docker", Args: []string{"build", "--no-cache", "-t", "app:latest", "/tmp/ctx"}}, "docker build --no-cache -t app:latest /tmp/ctx"},
		{"glob is quoted", Command{Executable: "echo", Args: []string{"/usr/lib/*.so"}}, "echo '/usr/lib/*.so'"},
		{"empty arg", Command{Executable: "echo", Args: []string{""}}, "echo ''"},
		{"single quote", Command{Executable: "echo", Args: []string{"it's"}}, `echo 'it'\''s'`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.command.String())
		})
	}
}

func TestRunnerEmptyExecutable(t *testing.T) {
	_, err := NewRunner().Execute(context.Background(), Command{})
	require.Error(t, err)
}

func TestRunnerExitError(t *testing.T) {
	sh, err := LookPath("sh")
	if err != nil {
		t.Skip("no sh available")
	}
	out, err := NewRunner().Execute(context.Background(), Command{
		Executable: sh,
		Args:       []string{"-c", "echo partial; echo broken >&2; exit 3"},
	})
	require.Error(t, err)
	assert.Equal(t, "partial\n", string(out))

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode())
	assert.Contains(t, exitErr.Error(), "broken")
}

func TestRunnerStdout(t *testing.T) {
	sh, err := LookPath("sh")
	if err != nil {
		t.Skip("no sh available")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), nil, 0o644))
	out, err := NewRunner().Execute(context.Background(), Command{
		WorkDir:    dir,
		Executable: sh,
		Args:       []string{"-c", "echo *"},
	})
	require.NoError(t, err)
	assert.Equal(t, "marker\n", string(out))
}
