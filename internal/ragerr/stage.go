package ragerr

import (
	"errors"
	"fmt"
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageLoad          Stage = "load"
	StageChunk         Stage = "chunk"
	StageContextualize Stage = "contextualize"
	StageEmbed         Stage = "embed"
	StageIndex         Stage = "index"
	StageRetrieve      Stage = "retrieve"
	StageGenerate      Stage = "generate"
	StageEvaluate      Stage = "evaluate"
)

// StageError reports which stage of the pipeline failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed (%s): %v", e.Stage, Kind(e.Err), e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// AtStage labels err with stage. Errors that already carry a stage keep it.
func AtStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage recorded on err, if any.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
