package datamgmt_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gxo-labs/simloop/internal/datamgmt"
	"github.com/gxo-labs/simloop/internal/learning"
	"github.com/gxo-labs/simloop/internal/logger"
	"github.com/gxo-labs/simloop/internal/store"
	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	mgr         *datamgmt.Manager
	store       *store.MemoryExperienceStore
	checkpoints *store.MemoryCheckpointLogger
	policy      *learning.BanditPolicy
	supervisor  *learning.PatternSupervisor
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	log := logger.NewDiscardLogger()
	f := fixture{
		store:       store.NewMemoryExperienceStore(0),
		checkpoints: store.NewMemoryCheckpointLogger(),
		policy:      learning.NewBanditPolicy(learning.DefaultBanditConfig(), log),
		supervisor:  learning.NewPatternSupervisor(log),
	}
	mgr, err := datamgmt.New(datamgmt.Deps{
		Store:       f.store,
		Checkpoints: f.checkpoints,
		Policy:      f.policy,
		Supervisor:  f.supervisor,
		Config:      func() interface{} { return map[string]interface{}{"target_successes": 5} },
	}, log)
	require.NoError(t, err)
	f.mgr = mgr
	return f
}

func experience(i int, success bool, reward float64, s trial.Strategy) trial.Experience {
	return trial.Experience{
		ID:        fmt.Sprintf("exp-%02d", i),
		Timestamp: base.Add(time.Duration(i) * time.Minute),
		Strategy:  s,
		Reward:    reward,
		Success:   success,
		Result: trial.LoopResult{
			ID:              fmt.Sprintf("exp-%02d", i),
			Outcome:         trial.OutcomeCompleted,
			Success:         success,
			Reward:          reward,
			Strategy:        s,
			ExecutionTimeMs: int64(100 * (10 - i)),
			NodeCount:       i,
		},
	}
}

func (f fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		s := trial.StrategyDirect
		if i%2 == 1 {
			s = trial.StrategyFewShot
		}
		require.NoError(t, f.store.Add(ctx, experience(i, i%3 != 0, float64(i)/10-0.3, s)))
	}
}

func ids(exps []trial.Experience) []string {
	out := make([]string, len(exps))
	for i, e := range exps {
		out[i] = e.ID
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := datamgmt.New(datamgmt.Deps{}, logger.NewDiscardLogger())
	require.Error(t, err)
	var cfgErr *simerrors.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, err.Error(), "experience store")
}

func TestQuery_DefaultsToNewestFirst(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	page, err := f.mgr.Query(context.Background(), datamgmt.Query{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 10, page.Total)
	assert.True(t, page.HasMore)
	assert.Equal(t, []string{"exp-09", "exp-08", "exp-07"}, ids(page.Items))
}

func TestQuery_Filters(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	tests := []struct {
		name string
		q    datamgmt.Query
		want []string
	}{
		{
			name: "failed only",
			q:    datamgmt.Query{Success: ptr(false), Ascending: true},
			want: []string{"exp-00", "exp-03", "exp-06", "exp-09"},
		},
		{
			name: "strategy set",
			q:    datamgmt.Query{Strategies: []trial.Strategy{trial.StrategyFewShot}, Ascending: true},
			want: []string{"exp-01", "exp-03", "exp-05", "exp-07", "exp-09"},
		},
		{
			name: "reward bounds",
			q:    datamgmt.Query{MinReward: ptr(0.0), MaxReward: ptr(0.25), Ascending: true},
			want: []string{"exp-03", "exp-04", "exp-05"},
		},
		{
			name: "date range",
			q: datamgmt.Query{
				Since:     ptr(base.Add(2 * time.Minute)),
				Until:     ptr(base.Add(4 * time.Minute)),
				Ascending: true,
			},
			want: []string{"exp-02", "exp-03", "exp-04"},
		},
		{
			name: "combined",
			q:    datamgmt.Query{Success: ptr(true), Strategies: []trial.Strategy{trial.StrategyDirect}},
			want: []string{"exp-08", "exp-04", "exp-02"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := f.mgr.Query(ctx, tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(page.Items))
			assert.Equal(t, len(tt.want), page.Total)
		})
	}
}

func TestQuery_SortFields(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	page, err := f.mgr.Query(ctx, datamgmt.Query{SortBy: datamgmt.SortByExecutionTime, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"exp-00", "exp-01"}, ids(page.Items))

	page, err = f.mgr.Query(ctx, datamgmt.Query{SortBy: datamgmt.SortByNodeCount, Ascending: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"exp-00", "exp-01"}, ids(page.Items))

	page, err = f.mgr.Query(ctx, datamgmt.Query{SortBy: datamgmt.SortByReward, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"exp-09"}, ids(page.Items))
}

func TestQuery_Pagination(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	page, err := f.mgr.Query(ctx, datamgmt.Query{Ascending: true, Offset: 8, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"exp-08", "exp-09"}, ids(page.Items))
	assert.False(t, page.HasMore)

	page, err = f.mgr.Query(ctx, datamgmt.Query{Offset: 20})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.NotNil(t, page.Items)
	assert.Equal(t, 10, page.Total)
	assert.Equal(t, datamgmt.DefaultLimit, page.Limit)
}

func TestQuery_RejectsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for name, q := range map[string]datamgmt.Query{
		"negative offset": {Offset: -1},
		"limit too large": {Limit: datamgmt.MaxLimit + 1},
		"unknown sort":    {SortBy: "color"},
		"inverted reward": {MinReward: ptr(1.0), MaxReward: ptr(0.0)},
		"inverted dates":  {Since: ptr(base.Add(time.Hour)), Until: ptr(base)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.mgr.Query(ctx, q)
			var vErr *simerrors.ValidationError
			require.True(t, errors.As(err, &vErr), "got %v", err)
		})
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Delete(ctx, "exp-03"))
	assert.Equal(t, 9, f.store.Len())
	assert.ErrorIs(t, f.mgr.Delete(ctx, "exp-03"), simerrors.ErrNotFound)
	assert.Error(t, f.mgr.Delete(ctx, ""))
}

func TestPrune(t *testing.T) {
	ctx := context.Background()

	t.Run("failed only", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t)
		n, err := f.mgr.Prune(ctx, datamgmt.PruneCriteria{FailedOnly: true})
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		assert.Equal(t, 6, f.store.Len())
	})

	t.Run("below reward and failed", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t)
		n, err := f.mgr.Prune(ctx, datamgmt.PruneCriteria{BelowReward: ptr(0.0), FailedOnly: true})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("older than", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t)
		require.NoError(t, f.store.Add(ctx, trial.Experience{ID: "fresh", Timestamp: time.Now()}))
		n, err := f.mgr.Prune(ctx, datamgmt.PruneCriteria{OlderThan: time.Hour})
		require.NoError(t, err)
		assert.Equal(t, 10, n)
		assert.Equal(t, 1, f.store.Len())
	})

	t.Run("requires a criterion", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.mgr.Prune(ctx, datamgmt.PruneCriteria{})
		assert.Error(t, err)
	})
}

func TestStatsAndCheckpoints(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	require.NoError(t, f.checkpoints.LogCheckpoint(ctx, trial.Checkpoint{ID: "cp1", Timestamp: base, SuccessCount: 1, TotalAttempts: 2}))
	f.supervisor.AddBugPattern(trial.BugPattern{ErrorType: learning.ErrorTypeTimeout, NodeType: "llm.chat", Count: 2})

	st, err := f.mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, st.Experiences.Total)
	assert.Equal(t, 6, st.Experiences.Successes)
	assert.Equal(t, 1, st.Checkpoints)
	require.Len(t, st.TopPatterns, 1)
	assert.Equal(t, 2, st.TopPatterns[0].Count)

	cps, err := f.mgr.Checkpoints(ctx)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "cp1", cps[0].ID)
}

func TestExportImport_RoundTrip(t *testing.T) {
	src := newFixture(t)
	src.seed(t)
	ctx := context.Background()
	require.NoError(t, src.policy.Import(map[trial.Strategy]float64{trial.StrategyFewShot: 0.42}))
	src.supervisor.AddBugPattern(trial.BugPattern{ErrorType: learning.ErrorTypeNetwork, NodeType: "api.http", Count: 3})
	require.NoError(t, src.checkpoints.LogCheckpoint(ctx, trial.Checkpoint{ID: "cp1", Timestamp: base, SuccessCount: 1, TotalAttempts: 2}))

	doc, err := src.mgr.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, datamgmt.FormatVersion, doc.FormatVersion)
	assert.Len(t, doc.Experiences, 10)
	assert.Len(t, doc.Checkpoints, 1)
	assert.Equal(t, 10, doc.Stats.Total)
	assert.NotNil(t, doc.Config)

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	dst := newFixture(t)
	summary, err := dst.mgr.Import(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Imported)
	assert.Zero(t, summary.Failed)
	assert.True(t, summary.WeightsImported)
	assert.Equal(t, 1, summary.PatternsMerged)

	assert.Equal(t, 10, dst.store.Len())
	assert.Equal(t, 0.42, dst.policy.GetWeights()[trial.StrategyFewShot])
	top := dst.supervisor.GetTopBugPatterns(1)
	require.Len(t, top, 1)
	assert.Equal(t, 3, top[0].Count)
}

func TestImport_ToleratesItemFailures(t *testing.T) {
	f := newFixture(t)
	doc := `{
		"format_version": "1.2.0",
		"experiences": [
			{"id": "ok-1", "timestamp": "2026-03-01T12:00:00Z", "success": true, "reward": 1},
			{"id": "no-time"},
			{"id": "", "timestamp": "2026-03-01T12:00:00Z"},
			{"id": "ok-2", "timestamp": "2026-03-01T12:01:00Z"}
		]
	}`

	summary, err := f.mgr.Import(context.Background(), []byte(doc))
	require.Error(t, err)
	var impErr *simerrors.ImportError
	require.True(t, errors.As(err, &impErr))
	assert.Len(t, impErr.Items, 2)
	require.NotNil(t, summary)
	assert.Equal(t, 2, summary.Imported)
	assert.Equal(t, 2, summary.Failed)
	assert.Contains(t, summary.Errors[0], "no-time")
	assert.Equal(t, 2, f.store.Len())
}

func TestImport_RejectsBadDocuments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for name, doc := range map[string]string{
		"empty":            "",
		"not json":         "{nope",
		"missing version":  `{"experiences": []}`,
		"wrong major":      `{"format_version": "2.0.0", "experiences": []}`,
		"not semver":       `{"format_version": "latest", "experiences": []}`,
		"bad weights type": `{"format_version": "1.0.0", "experiences": [], "policy_weights": {"direct": "high"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			summary, err := f.mgr.Import(ctx, []byte(doc))
			require.Error(t, err)
			assert.Nil(t, summary)
			var vErr *simerrors.ValidationError
			assert.True(t, errors.As(err, &vErr), "got %T: %v", err, err)
		})
	}
}

func TestCheckFormatVersion(t *testing.T) {
	assert.NoError(t, datamgmt.CheckFormatVersion("1.0.0"))
	assert.NoError(t, datamgmt.CheckFormatVersion("v1.4.2"))
	assert.Error(t, datamgmt.CheckFormatVersion("0.9.0"))
	assert.Error(t, datamgmt.CheckFormatVersion(""))
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	require.NoError(t, f.checkpoints.LogCheckpoint(ctx, trial.Checkpoint{ID: "cp1", Timestamp: base}))
	require.NoError(t, f.policy.Import(map[trial.Strategy]float64{trial.StrategyDirect: 0.9}))
	f.supervisor.AddBugPattern(trial.BugPattern{ErrorType: learning.ErrorTypeRuntime})

	require.NoError(t, f.mgr.Reset(ctx))
	assert.Zero(t, f.store.Len())
	cps, err := f.checkpoints.GetAllCheckpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, cps)
	assert.Zero(t, f.policy.GetWeights()[trial.StrategyDirect])
	assert.Empty(t, f.supervisor.GetTopBugPatterns(0))
}
