package util_test

import (
	"testing"
	"time"

	"github.com/gxo-labs/simloop/internal/util"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepCopy_DynamicMaps(t *testing.T) {
	src := map[string]interface{}{
		"a":    1,
		"list": []interface{}{"x", map[string]interface{}{"deep": true}},
		"nil":  nil,
	}
	cpy := util.DeepCopy(src).(map[string]interface{})
	assert.Equal(t, src, cpy)

	cpy["list"].([]interface{})[1].(map[string]interface{})["deep"] = false
	assert.Equal(t, true, src["list"].([]interface{})[1].(map[string]interface{})["deep"])
}

func TestDeepCopy_Cycle(t *testing.T) {
	src := map[string]interface{}{}
	src["self"] = src
	cpy := util.DeepCopy(src).(map[string]interface{})
	self := cpy["self"].(map[string]interface{})
	self["marker"] = 1
	assert.Equal(t, 1, cpy["marker"], "cycle maps onto the copy")
	assert.NotContains(t, src, "marker")
}

func TestDeepCopy_ExperiencePreservesTimesAndNils(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	exp := trial.Experience{
		ID:        "e1",
		Timestamp: ts,
		Strategy:  trial.StrategyFewShot,
		State: trial.LearningState{
			StrategyWeights: map[trial.Strategy]float64{trial.StrategyDirect: 0.5},
			RecentRewards:   []float64{1, 2},
		},
		Result: trial.LoopResult{
			ID:        "e1",
			Timestamp: ts,
			Workflow: &workflow.Workflow{Nodes: []workflow.Node{
				{ID: "n1", Type: "io.file-read", Params: map[string]interface{}{"path": "a.txt"}},
			}},
			Execution: nil,
		},
	}

	cpy := util.DeepCopy(exp).(trial.Experience)
	require.Equal(t, exp, cpy)
	assert.True(t, cpy.Timestamp.Equal(ts))
	assert.Nil(t, cpy.Result.Execution)
	assert.Nil(t, cpy.State.StrategyStats)

	cpy.Result.Workflow.Nodes[0].Params["path"] = "b.txt"
	cpy.State.StrategyWeights[trial.StrategyDirect] = 0.9
	assert.Equal(t, "a.txt", exp.Result.Workflow.Nodes[0].Params["path"])
	assert.Equal(t, 0.5, exp.State.StrategyWeights[trial.StrategyDirect])
}
