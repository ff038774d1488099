package striplib

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const (
	AgentBinary  = "agent"
	AgentRequest = "request.json"
)

// Workspace is the scratch space of one pipeline run. Close removes all of it.
type Workspace struct {
	Dir string
	// Export root, mounted read-write into the source image
	ExportRoot string
	// Agent binary and request, mounted read-only into the source image
	AgentDir string
	// Build context handed to the engine
	ContextDir string
}

func NewWorkspace() (*Workspace, error) {
	dir, err := os.MkdirTemp("", "dinker-strip-*")
	if err != nil {
		return nil, fmt.Errorf("error creating workspace: %w", err)
	}
	ws := &Workspace{
		Dir:        dir,
		ExportRoot: filepath.Join(dir, "rootfs"),
		AgentDir:   filepath.Join(dir, "agent"),
		ContextDir: filepath.Join(dir, "context"),
	}
	for _, d := range []string{ws.ExportRoot, ws.AgentDir, ws.ContextDir} {
		if err := os.Mkdir(d, 0o755); err != nil {
			ws.Close()
			return nil, fmt.Errorf("error creating workspace dir %s: %w", d, err)
		}
	}
	// The engine may run the agent as another user than us
	if err := os.Chmod(dir, 0o755); err != nil {
		ws.Close()
		return nil, fmt.Errorf("error setting workspace permissions: %w", err)
	}
	return ws, nil
}

// StageAgent puts the agent binary and its request where the source image will see them
func (w *Workspace) StageAgent(agentPath string, req ResolveRequest) error {
	src, err := os.Open(agentPath)
	if err != nil {
		return fmt.Errorf("error opening agent binary %s: %w", agentPath, err)
	}
	defer src.Close()
	dest, err := os.OpenFile(filepath.Join(w.AgentDir, AgentBinary), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o755)
	if err != nil {
		return fmt.Errorf("error staging agent binary: %w", err)
	}
	if _, err := io.Copy(dest, src); err != nil {
		dest.Close()
		return fmt.Errorf("error copying agent binary: %w", err)
	}
	if err := dest.Close(); err != nil {
		return fmt.Errorf("error copying agent binary: %w", err)
	}
	reqJson, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("error encoding agent request: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.AgentDir, AgentRequest), reqJson, 0o644); err != nil {
		return fmt.Errorf("error writing agent request: %w", err)
	}
	return nil
}

func (w *Workspace) Close() error {
	if err := os.RemoveAll(w.Dir); err != nil {
		logrus.Warnf("Failed to remove workspace %s: %s", w.Dir, err)
		return err
	}
	return nil
}
