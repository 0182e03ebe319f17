package poller

import (
	"context"

	"github.com/jpalmerr/simrunner/internal/work"
)

// Concern is one independently polled source of pending work.
type Concern interface {
	// Name identifies the concern in logs and metrics.
	Name() string

	// Discover returns the currently pending items. An empty result is not
	// an error.
	Discover(ctx context.Context) ([]work.Item, error)
}

// Lister is the part of the control plane client concerns need.
type Lister interface {
	ListPending(ctx context.Context, f work.Filter) ([]work.Item, error)
}

type filterConcern struct {
	name   string
	lister Lister
	filter work.Filter
}

func (c *filterConcern) Name() string { return c.name }

func (c *filterConcern) Discover(ctx context.Context) ([]work.Item, error) {
	return c.lister.ListPending(ctx, c.filter)
}

// ConnectionTests discovers pending connection tests.
func ConnectionTests(l Lister) Concern {
	return &filterConcern{
		name:   "connection-tests",
		lister: l,
		filter: work.Filter{Kind: work.KindConnectionTest},
	}
}

// Tests discovers unanswered tests across all unevaluated experiments, or
// only experimentID when it is non-empty.
func Tests(l Lister, experimentID string) Concern {
	return &filterConcern{
		name:   "tests",
		lister: l,
		filter: work.Filter{Kind: work.KindTest, ExperimentID: experimentID},
	}
}

// RiskEvaluations discovers answered tests still waiting for a verdict on risk.
func RiskEvaluations(l Lister, risk string) Concern {
	return &filterConcern{
		name:   "risk:" + risk,
		lister: l,
		filter: work.Filter{Kind: work.KindRiskEvaluation, Risk: risk},
	}
}

// ConcernFunc adapts a name and a function to [Concern].
func ConcernFunc(name string, discover func(ctx context.Context) ([]work.Item, error)) Concern {
	return &funcConcern{name: name, fn: discover}
}

type funcConcern struct {
	name string
	fn   func(ctx context.Context) ([]work.Item, error)
}

func (c *funcConcern) Name() string { return c.name }

func (c *funcConcern) Discover(ctx context.Context) ([]work.Item, error) {
	return c.fn(ctx)
}
