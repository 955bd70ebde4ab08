package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/pipeline"
)

type fakePlugin struct {
	id      string
	phase   pipeline.Phase
	order   int
	skip    bool
	err     error
	policy  pipeline.FailurePolicy
	onExec  func(ec *pipeline.ExecutionContext)
	execLog *[]string
}

func (f *fakePlugin) ID() string                                    { return f.id }
func (f *fakePlugin) Phase() pipeline.Phase                         { return f.phase }
func (f *fakePlugin) Order() int                                    { return f.order }
func (f *fakePlugin) ShouldExecute(*pipeline.ExecutionContext) bool { return !f.skip }
func (f *fakePlugin) OnFailure(*pipeline.ExecutionContext, error) pipeline.FailurePolicy {
	return f.policy
}

func (f *fakePlugin) Execute(_ context.Context, ec *pipeline.ExecutionContext) error {
	if f.execLog != nil {
		*f.execLog = append(*f.execLog, f.id)
	}
	if f.onExec != nil {
		f.onExec(ec)
	}
	return f.err
}

func newEC() *pipeline.ExecutionContext {
	req := domain.InferenceRequest{ID: "req-1", TenantID: "acme", Model: "m1"}
	return pipeline.NewExecutionContext(req, domain.NewRoutingContext(req, domain.TenantContext{ID: "acme"}))
}

func TestPipeline_RegisterRejectsDuplicateID(t *testing.T) {
	t.Parallel()
	p := pipeline.New()
	require.NoError(t, p.Register(&fakePlugin{id: "a", phase: pipeline.PhasePre}))
	err := p.Register(&fakePlugin{id: "a", phase: pipeline.PhasePost})
	require.Error(t, err)
	// The failed registration must not leak into any phase.
	assert.Len(t, p.Plugins(pipeline.PhasePost), 0)
	assert.Len(t, p.Plugins(pipeline.PhasePre), 1)
}

func TestPipeline_OrderingByOrderThenID(t *testing.T) {
	t.Parallel()
	p := pipeline.New()
	var log []string
	require.NoError(t, p.Register(&fakePlugin{id: "zeta", phase: pipeline.PhasePre, order: 10, execLog: &log}))
	require.NoError(t, p.Register(&fakePlugin{id: "alpha", phase: pipeline.PhasePre, order: 20, execLog: &log}))
	require.NoError(t, p.Register(&fakePlugin{id: "beta", phase: pipeline.PhasePre, order: 10, execLog: &log}))

	require.NoError(t, p.Run(context.Background(), pipeline.PhasePre, newEC()))
	assert.Equal(t, []string{"beta", "zeta", "alpha"}, log)
}

func TestPipeline_HaltStopsPhase(t *testing.T) {
	t.Parallel()
	p := pipeline.New()
	var log []string
	boom := errors.New("boom")
	require.NoError(t, p.Register(&fakePlugin{id: "first", phase: pipeline.PhasePre, order: 1, execLog: &log}))
	require.NoError(t, p.Register(&fakePlugin{id: "failing", phase: pipeline.PhasePre, order: 2, err: boom, policy: pipeline.Halt, execLog: &log}))
	require.NoError(t, p.Register(&fakePlugin{id: "never", phase: pipeline.PhasePre, order: 3, execLog: &log}))

	ec := newEC()
	err := p.Run(context.Background(), pipeline.PhasePre, ec)
	require.Error(t, err)
	assert.Equal(t, domain.CodePluginFailed, domain.CodeOf(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"first", "failing"}, log)
	assert.Equal(t, err, ec.Err)
}

func TestPipeline_HaltPreservesTypedCode(t *testing.T) {
	t.Parallel()
	p := pipeline.New()
	typed := domain.E(domain.CodeContentPolicyBlocked, "blocked")
	require.NoError(t, p.Register(&fakePlugin{id: "guard", phase: pipeline.PhasePre, err: typed, policy: pipeline.Halt}))

	err := p.Run(context.Background(), pipeline.PhasePre, newEC())
	require.Error(t, err)
	// Typed failures pass through without a PLUGIN_FAILED wrapper.
	assert.Equal(t, domain.CodeContentPolicyBlocked, domain.CodeOf(err))
}

func TestPipeline_ContinueProceeds(t *testing.T) {
	t.Parallel()
	p := pipeline.New()
	var log []string
	require.NoError(t, p.Register(&fakePlugin{id: "flaky", phase: pipeline.PhasePost, order: 1, err: errors.New("boom"), policy: pipeline.Continue, execLog: &log}))
	require.NoError(t, p.Register(&fakePlugin{id: "next", phase: pipeline.PhasePost, order: 2, execLog: &log}))

	require.NoError(t, p.Run(context.Background(), pipeline.PhasePost, newEC()))
	assert.Equal(t, []string{"flaky", "next"}, log)
}

func TestPipeline_ShouldExecuteSkips(t *testing.T) {
	t.Parallel()
	p := pipeline.New()
	var log []string
	require.NoError(t, p.Register(&fakePlugin{id: "skipped", phase: pipeline.PhasePre, skip: true, execLog: &log}))
	require.NoError(t, p.Register(&fakePlugin{id: "ran", phase: pipeline.PhasePre, order: 2, execLog: &log}))

	require.NoError(t, p.Run(context.Background(), pipeline.PhasePre, newEC()))
	assert.Equal(t, []string{"ran"}, log)
}

func TestPipeline_RunHonorsContext(t *testing.T) {
	t.Parallel()
	p := pipeline.New()
	var log []string
	require.NoError(t, p.Register(&fakePlugin{id: "never", phase: pipeline.PhasePre, execLog: &log}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Run(ctx, pipeline.PhasePre, newEC())
	require.Error(t, err)
	assert.Equal(t, domain.CodeCancelled, domain.CodeOf(err))
	assert.Empty(t, log)
}

func TestPipeline_PhasesAreIsolated(t *testing.T) {
	t.Parallel()
	p := pipeline.New()
	var log []string
	require.NoError(t, p.Register(&fakePlugin{id: "pre", phase: pipeline.PhasePre, execLog: &log}))
	require.NoError(t, p.Register(&fakePlugin{id: "post", phase: pipeline.PhasePost, execLog: &log}))

	require.NoError(t, p.Run(context.Background(), pipeline.PhasePre, newEC()))
	assert.Equal(t, []string{"pre"}, log)
}

func TestExecutionContext_Vars(t *testing.T) {
	t.Parallel()
	ec := newEC()
	_, ok := ec.Var("missing")
	assert.False(t, ok)
	ec.SetVar("k", 42)
	v, ok := ec.Var("k")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}
