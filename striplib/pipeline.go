package striplib

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// AgentRunner runs the agent inside the source image, which resolves the closure and copies it into
// the workspace export root
type AgentRunner interface {
	RunAgent(ctx context.Context, image string, ws *Workspace, verbose bool) (Resolution, error)
}

// Assembler builds and tags target from the export root. Nothing is tagged on failure.
type Assembler interface {
	Assemble(ctx context.Context, target string, def ImageDefinition, ws *Workspace) error
}

type Pipeline struct {
	Request StripRequest
	// Host path of the static agent binary
	AgentPath string
	Agent     AgentRunner
	Inspector Inspector
	Assembler Assembler
	// Required if Request.Compress
	Compressor Compressor
	// Compression workers, defaults to the number of CPUs
	Workers int
}

func (p *Pipeline) validate() error {
	if err := p.Request.Validate(); err != nil {
		return err
	}
	if p.Request.Compress && p.Compressor == nil {
		return fmt.Errorf("%w: compression requested without a compressor", ErrToolMissing)
	}
	info, err := os.Stat(p.AgentPath)
	if err != nil {
		return fmt.Errorf("%w: agent binary: %s", ErrToolMissing, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: agent binary %s is not a file", ErrToolMissing, p.AgentPath)
	}
	return nil
}

func timed(stage Stage, f func() error) error {
	start := time.Now()
	logrus.WithField("stage", stage).Debug("Starting")
	if err := f(); err != nil {
		return stageError(stage, err)
	}
	logrus.WithField("stage", stage).Infof("Done in %s", time.Since(start).Round(time.Millisecond))
	return nil
}

func agentStage(err error) Stage {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) && coder.ExitCode() == AgentExitMaterialize {
		return StageMaterialize
	}
	return StageResolve
}

// Run executes the whole pipeline. Every error is fatal and returned as a StageError, the workspace
// is removed either way.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.validate(); err != nil {
		return stageError(StageConfigure, err)
	}
	req := p.Request

	ws, err := NewWorkspace()
	if err != nil {
		return stageError(StageConfigure, err)
	}
	defer ws.Close()
	logrus.WithField("workspace", ws.Dir).Debug("Created workspace")
	if err := ws.StageAgent(p.AgentPath, req.ResolveRequest()); err != nil {
		return stageError(StageConfigure, err)
	}

	var resolution Resolution
	err = timed(StageResolve, func() error {
		var err error
		resolution, err = p.Agent.RunAgent(ctx, req.SourceImage, ws, req.Verbose)
		if err != nil {
			if cleanErr := ClearDir(ws.ExportRoot); cleanErr != nil {
				logrus.Warnf("Failed to remove partial export root: %s", cleanErr)
			}
			return &StageError{Stage: agentStage(err), Err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, u := range resolution.Unmatched {
		logrus.WithField("pattern", u).Warn("Include pattern matched no files")
	}
	logrus.Infof("Copied %d paths (%d dependency edges) from %s", len(resolution.Files), len(resolution.Edges), req.SourceImage)

	if req.Compress {
		err = timed(StageCompress, func() error {
			workers := p.Workers
			if workers <= 0 {
				workers = runtime.NumCPU()
			}
			report, err := CompressTree(ctx, ws.ExportRoot, p.Compressor, workers)
			if err != nil {
				return err
			}
			logrus.Info(report.String())
			return nil
		})
		if err != nil {
			return err
		}
	}

	var meta SourceImageMetadata
	err = timed(StageInspect, func() error {
		var err error
		meta, err = p.Inspector.Inspect(ctx, req.SourceImage)
		return err
	})
	if err != nil {
		return err
	}

	def := NewImageDefinition(req.ExtraPorts, meta)
	return timed(StageAssemble, func() error {
		return p.Assembler.Assemble(ctx, req.TargetImage, def, ws)
	})
}
