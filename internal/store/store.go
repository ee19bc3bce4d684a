// Package store holds the in-memory ExperienceStore and CheckpointLogger and
// the factory that opens a configured backend. Durable backends live in the
// sqlstore, badgerstore and redisstore subpackages.
package store

import (
	"fmt"

	"github.com/gxo-labs/simloop/internal/util"
	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"
)

// CloneExperience returns a copy sharing no maps, slices or pointers with e.
func CloneExperience(e trial.Experience) trial.Experience {
	return util.DeepCopy(e).(trial.Experience)
}

// CloneCheckpoint returns a copy sharing no maps, slices or pointers with c.
func CloneCheckpoint(c trial.Checkpoint) trial.Checkpoint {
	return util.DeepCopy(c).(trial.Checkpoint)
}

// NotFound wraps errors.ErrNotFound with the missing id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, simerrors.ErrNotFound)
}

// ValidateExperience rejects records no backend can key.
func ValidateExperience(e trial.Experience) error {
	if e.ID == "" {
		return simerrors.NewValidationError("experience id is required", nil)
	}
	if e.Timestamp.IsZero() {
		return simerrors.NewValidationError(fmt.Sprintf("experience %s has no timestamp", e.ID), nil)
	}
	return nil
}
