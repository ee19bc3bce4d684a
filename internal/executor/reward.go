package executor

import "github.com/gxo-labs/simloop/pkg/simloop/v1/trial"

// DefaultReward maps the checklist score onto [-1, 1], adds a bonus for a
// successful trial and a penalty for a timeout. Internal errors score -1.
func DefaultReward(r trial.LoopResult) float64 {
	if r.Outcome == trial.OutcomeInternalError {
		return -1
	}
	reward := 2*r.Checklist.Score() - 1
	if r.Success {
		reward += 0.5
	}
	if r.Outcome == trial.OutcomeTimeout {
		reward -= 0.25
	}
	return reward
}
