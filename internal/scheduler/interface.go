package scheduler

import (
	"context"

	"github.com/specialistvlad/smelter/internal/executor"
	"github.com/specialistvlad/smelter/internal/fetch"
	"github.com/specialistvlad/smelter/internal/formula"
)

// Fetcher retrieves and verifies the source archive of a formula.
// *fetch.Fetcher is the production implementation.
type Fetcher interface {
	Fetch(ctx context.Context, f *formula.Formula) (*fetch.Artifact, error)
}

// Builder runs the install steps of a formula against a verified archive.
// *executor.Executor is the production implementation.
type Builder interface {
	Build(ctx context.Context, f *formula.Formula, art *fetch.Artifact, vars formula.Vars) (*executor.Result, error)
}

// Tester runs the verification steps of an installed formula.
// *testrunner.Runner is the production implementation.
type Tester interface {
	Run(ctx context.Context, f *formula.Formula, vars formula.Vars) error
}
