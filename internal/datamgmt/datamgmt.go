// Package datamgmt is the administrative surface over the learning data:
// querying, deleting and pruning experiences, listing checkpoints, aggregate
// statistics, export/import of the whole learning state and a full reset.
//
// The Manager only talks to the shared collaborators. It never touches the
// main loop directly, so an in-flight trial is affected only through the
// experience and checkpoint stores.
package datamgmt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"
)

const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// SortField names an experience attribute queries can order by.
type SortField string

const (
	SortByTimestamp     SortField = "timestamp"
	SortByReward        SortField = "reward"
	SortByExecutionTime SortField = "execution_time"
	SortByNodeCount     SortField = "node_count"
)

// Query filters, orders and pages experiences. Nil and zero fields do not
// filter.
type Query struct {
	Success    *bool
	Strategies []trial.Strategy
	MinReward  *float64
	MaxReward  *float64
	Since      *time.Time
	Until      *time.Time
	SortBy     SortField
	// Ascending flips the default newest/highest-first order.
	Ascending bool
	Offset    int
	Limit     int
}

// Page is one page of a query result. Total counts every match before
// paging.
type Page struct {
	Items   []trial.Experience `json:"items"`
	Total   int                `json:"total"`
	Offset  int                `json:"offset"`
	Limit   int                `json:"limit"`
	HasMore bool               `json:"has_more"`
}

// PruneCriteria selects experiences for bulk deletion. Every set criterion
// must match; at least one must be set.
type PruneCriteria struct {
	OlderThan   time.Duration
	BelowReward *float64
	FailedOnly  bool
}

func (c PruneCriteria) empty() bool {
	return c.OlderThan <= 0 && c.BelowReward == nil && !c.FailedOnly
}

// Stats is the aggregate view served by the admin API.
type Stats struct {
	Experiences   trial.ExperienceStats      `json:"experiences"`
	Growth        trial.GrowthMetrics        `json:"growth"`
	TopPatterns   []trial.BugPattern         `json:"top_patterns"`
	PolicyWeights map[trial.Strategy]float64 `json:"policy_weights"`
	Checkpoints   int                        `json:"checkpoints"`
}

// Deps are the collaborators the Manager operates on. Config, when set,
// supplies the configuration embedded in exports.
type Deps struct {
	Store       collab.ExperienceStore
	Checkpoints collab.CheckpointLogger
	Policy      collab.Policy
	Supervisor  collab.Supervisor
	Config      func() interface{}
}

// Manager implements the data management operations.
type Manager struct {
	deps Deps
	log  simlog.Logger
	now  func() time.Time
}

// New validates deps and returns a Manager.
func New(deps Deps, log simlog.Logger) (*Manager, error) {
	var missing []string
	if deps.Store == nil {
		missing = append(missing, "experience store")
	}
	if deps.Checkpoints == nil {
		missing = append(missing, "checkpoint logger")
	}
	if deps.Policy == nil {
		missing = append(missing, "policy")
	}
	if deps.Supervisor == nil {
		missing = append(missing, "supervisor")
	}
	if len(missing) > 0 {
		return nil, simerrors.NewConfigError(fmt.Sprintf("data manager is missing: %v", missing), nil)
	}
	if log == nil {
		return nil, simerrors.NewConfigError("logger cannot be nil", nil)
	}
	return &Manager{deps: deps, log: log, now: time.Now}, nil
}

// Query returns one page of experiences matching q.
func (m *Manager) Query(ctx context.Context, q Query) (*Page, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit == 0 {
		limit = DefaultLimit
	}

	all, err := m.deps.Store.Export(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiences: %w", err)
	}
	matched := all[:0]
	for _, e := range all {
		if q.matches(e) {
			matched = append(matched, e)
		}
	}
	sortExperiences(matched, q.SortBy, q.Ascending)

	page := &Page{Total: len(matched), Offset: q.Offset, Limit: limit, Items: []trial.Experience{}}
	if q.Offset >= len(matched) {
		return page, nil
	}
	end := q.Offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	page.Items = append(page.Items, matched[q.Offset:end]...)
	page.HasMore = end < len(matched)
	return page, nil
}

func (q Query) validate() error {
	var errs []error
	if q.Offset < 0 {
		errs = append(errs, errors.New("offset cannot be negative"))
	}
	if q.Limit < 0 || q.Limit > MaxLimit {
		errs = append(errs, fmt.Errorf("limit must be between 0 and %d", MaxLimit))
	}
	switch q.SortBy {
	case "", SortByTimestamp, SortByReward, SortByExecutionTime, SortByNodeCount:
	default:
		errs = append(errs, fmt.Errorf("unknown sort field %q", q.SortBy))
	}
	if q.MinReward != nil && q.MaxReward != nil && *q.MinReward > *q.MaxReward {
		errs = append(errs, errors.New("min reward exceeds max reward"))
	}
	if q.Since != nil && q.Until != nil && q.Since.After(*q.Until) {
		errs = append(errs, errors.New("since is after until"))
	}
	if len(errs) == 0 {
		return nil
	}
	return simerrors.NewValidationError("invalid experience query", errors.Join(errs...))
}

func (q Query) matches(e trial.Experience) bool {
	if q.Success != nil && e.Success != *q.Success {
		return false
	}
	if len(q.Strategies) > 0 {
		found := false
		for _, s := range q.Strategies {
			if s == e.Strategy {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.MinReward != nil && e.Reward < *q.MinReward {
		return false
	}
	if q.MaxReward != nil && e.Reward > *q.MaxReward {
		return false
	}
	if q.Since != nil && e.Timestamp.Before(*q.Since) {
		return false
	}
	if q.Until != nil && e.Timestamp.After(*q.Until) {
		return false
	}
	return true
}

func sortExperiences(exps []trial.Experience, by SortField, ascending bool) {
	key := func(e trial.Experience) float64 {
		switch by {
		case SortByReward:
			return e.Reward
		case SortByExecutionTime:
			return float64(e.Result.ExecutionTimeMs)
		case SortByNodeCount:
			return float64(e.Result.NodeCount)
		default:
			return float64(e.Timestamp.UnixNano())
		}
	}
	sort.SliceStable(exps, func(i, j int) bool {
		if ascending {
			return key(exps[i]) < key(exps[j])
		}
		return key(exps[i]) > key(exps[j])
	})
}

// Delete removes one experience. A missing id yields errors.ErrNotFound.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if id == "" {
		return simerrors.NewValidationError("experience id is required", nil)
	}
	if err := m.deps.Store.Delete(ctx, id); err != nil {
		return err
	}
	m.log.Infof("Deleted experience %s", id)
	return nil
}

// Prune deletes every experience matching c and returns how many were
// removed. Records deleted concurrently by someone else are not counted.
func (m *Manager) Prune(ctx context.Context, c PruneCriteria) (int, error) {
	if c.empty() {
		return 0, simerrors.NewValidationError("prune needs at least one criterion", nil)
	}
	all, err := m.deps.Store.Export(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read experiences: %w", err)
	}
	cutoff := m.now().Add(-c.OlderThan)

	removed := 0
	for _, e := range all {
		if c.OlderThan > 0 && !e.Timestamp.Before(cutoff) {
			continue
		}
		if c.BelowReward != nil && e.Reward >= *c.BelowReward {
			continue
		}
		if c.FailedOnly && e.Success {
			continue
		}
		if err := m.deps.Store.Delete(ctx, e.ID); err != nil {
			if errors.Is(err, simerrors.ErrNotFound) {
				continue
			}
			return removed, fmt.Errorf("prune stopped after %d deletions: %w", removed, err)
		}
		removed++
	}
	m.log.Infof("Pruned %d experience(s)", removed)
	return removed, nil
}

// Checkpoints lists every stored checkpoint, oldest first.
func (m *Manager) Checkpoints(ctx context.Context) ([]trial.Checkpoint, error) {
	return m.deps.Checkpoints.GetAllCheckpoints(ctx)
}

// Stats aggregates the stored experiences with the learned state.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	exps, err := m.deps.Store.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read experience stats: %w", err)
	}
	cps, err := m.deps.Checkpoints.GetAllCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	return &Stats{
		Experiences:   exps,
		Growth:        m.deps.Supervisor.GetGrowthMetrics(),
		TopPatterns:   m.deps.Supervisor.GetTopBugPatterns(10),
		PolicyWeights: m.deps.Policy.GetWeights(),
		Checkpoints:   len(cps),
	}, nil
}

// Reset clears experiences, checkpoints, policy weights and failure
// patterns. Every step runs even if an earlier one fails.
func (m *Manager) Reset(ctx context.Context) error {
	var errs []error
	if err := m.deps.Store.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear experiences: %w", err))
	}
	if err := m.deps.Checkpoints.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear checkpoints: %w", err))
	}
	m.deps.Policy.Reset()
	m.deps.Supervisor.Clear()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	m.log.Warnf("All learning data has been reset")
	return nil
}
