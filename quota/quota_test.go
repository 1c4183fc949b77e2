package quota

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticEngineDecisions(t *testing.T) {
	engine := NewStaticEngine(100, 200)
	ctx := context.Background()

	d, err := engine.Observe(ctx, Observation{Namespace: "acme", SizeBytes: 50})
	require.NoError(t, err)
	require.Equal(t, DecisionOK, d)

	d, err = engine.Observe(ctx, Observation{Namespace: "acme", SizeBytes: 100})
	require.NoError(t, err)
	require.Equal(t, DecisionSoftExceeded, d)

	d, err = engine.Observe(ctx, Observation{Namespace: "acme", SizeBytes: 100})
	require.NoError(t, err)
	require.Equal(t, DecisionHardExceeded, d)

	// other namespaces are independent
	d, err = engine.Observe(ctx, Observation{Namespace: "other", SizeBytes: 10})
	require.NoError(t, err)
	require.Equal(t, DecisionOK, d)

	require.EqualValues(t, 250, engine.Usage("acme"))
}

func TestStaticEngineRelease(t *testing.T) {
	engine := NewStaticEngine(0, 100)
	ctx := context.Background()

	_, err := engine.Observe(ctx, Observation{Namespace: "acme", SizeBytes: 150})
	require.NoError(t, err)

	engine.Release("acme", 100)
	require.EqualValues(t, 50, engine.Usage("acme"))

	// never goes negative
	engine.Release("acme", 500)
	require.Zero(t, engine.Usage("acme"))
}

func TestStaticEngineZeroLimitsDisabled(t *testing.T) {
	engine := NewStaticEngine(0, 0)

	d, err := engine.Observe(context.Background(), Observation{Namespace: "acme", SizeBytes: 1 << 40})
	require.NoError(t, err)
	require.Equal(t, DecisionOK, d)
}

func TestNoopEngine(t *testing.T) {
	d, err := NoopEngine{}.Observe(context.Background(), Observation{SizeBytes: 1 << 50})
	require.NoError(t, err)
	require.Equal(t, DecisionOK, d)
}
