package contribution

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusPending            Status = "PENDING"
	StatusProcessing         Status = "PROCESSING"
	StatusProcessed          Status = "PROCESSED"
	StatusRejectedEmpty      Status = "REJECTED_EMPTY"
	StatusFailedEmbedding    Status = "FAILED_EMBEDDING"
	StatusDuplicateCrossUser Status = "DUPLICATE_CROSS_USER"
	StatusRejectedNoReward   Status = "REJECTED_NO_REWARD"
	StatusRejectedNoNewCode  Status = "REJECTED_NO_NEW_CODE"
	StatusFailed             Status = "FAILED"
)

var ErrInvalidTransition = errors.New("contribution: invalid status transition")

var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusFailed:     true,
	},
	StatusProcessing: {
		StatusProcessed:          true,
		StatusRejectedEmpty:      true,
		StatusFailedEmbedding:    true,
		StatusDuplicateCrossUser: true,
		StatusRejectedNoReward:   true,
		StatusRejectedNoNewCode:  true,
		StatusFailed:             true,
	},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusProcessed, StatusRejectedEmpty,
		StatusFailedEmbedding, StatusDuplicateCrossUser, StatusRejectedNoReward,
		StatusRejectedNoNewCode, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

func (s Status) CanTransition(to Status) bool {
	return transitions[s][to]
}

// CheckTransition returns ErrInvalidTransition when from→to is not allowed.
func CheckTransition(from, to Status) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
