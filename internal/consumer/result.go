package consumer

import (
	"mailguard/internal/store"
)

// Outcome is how a delivery is resolved.
type Outcome string

const (
	// OutcomeCompleted: the record is stored; the delivery is completed.
	OutcomeCompleted Outcome = "completed"
	// OutcomeRetryable: abandoned so the broker redelivers it.
	OutcomeRetryable Outcome = "retryable"
	// OutcomeTerminal: abandoned, but redelivery cannot help. The broker
	// dead-letters it once the delivery ceiling is reached.
	OutcomeTerminal Outcome = "terminal"
)

// Stage is the last step a delivery reached.
type Stage string

const (
	StageReceived    Stage = "received"
	StageClassifying Stage = "classifying"
	StagePersisting  Stage = "persisting"
	StageDone        Stage = "done"
)

type Result struct {
	Outcome Outcome
	Stage   Stage
	// Reason is the short failure cause passed to Abandon.
	Reason string
	Err    error
	Record *store.Record
}

func completed(record store.Record) Result {
	return Result{Outcome: OutcomeCompleted, Stage: StageDone, Record: &record}
}

func retryable(stage Stage, reason string, err error) Result {
	return Result{Outcome: OutcomeRetryable, Stage: stage, Reason: reason, Err: err}
}

func terminal(stage Stage, reason string, err error) Result {
	return Result{Outcome: OutcomeTerminal, Stage: stage, Reason: reason, Err: err}
}
