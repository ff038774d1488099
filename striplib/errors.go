package striplib

import (
	"errors"
	"fmt"
)

var (
	ErrNoInputs          = errors.New("no packages or include files requested")
	ErrMissingImage      = errors.New("source and target images are required")
	ErrToolMissing       = errors.New("required tool not available")
	ErrUnknownPackage    = errors.New("unknown package")
	ErrNoPackageManager  = errors.New("no supported package manager in image")
	ErrUnmatchedPattern  = errors.New("include pattern matched nothing")
	ErrAlreadyCompressed = errors.New("file is already compressed")
)

type Stage string

const (
	StageConfigure   Stage = "configure"
	StageResolve     Stage = "resolve"
	StageMaterialize Stage = "materialize"
	StageCompress    Stage = "compress"
	StageInspect     Stage = "inspect"
	StageAssemble    Stage = "assemble"
)

// StageError is a fatal pipeline error tagged with the stage it happened in
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, err error) error {
	var existing *StageError
	if errors.As(err, &existing) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// Exit codes of the agent, so the host can tell a resolution failure from a copy failure
const (
	AgentExitResolve     = 2
	AgentExitMaterialize = 3
)
