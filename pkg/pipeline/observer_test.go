package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modelring/modelring/pkg/pipeline"
)

func TestRegistryOrdering(t *testing.T) {
	universalA := &stubObserver{name: "universal-a", stage: pipeline.StageValidation}
	universalB := &stubObserver{name: "universal-b", stage: pipeline.StageValidation}
	specific := &stubObserver{name: "order-check", stage: pipeline.StageValidation}

	registry := pipeline.NewRegistry()
	registry.Register("order", specific)
	registry.RegisterUniversal(universalA)
	registry.RegisterUniversal(universalB)

	// Universal observers come first regardless of registration order,
	// each class in its own registration order.
	got := registry.ObserversFor("order", pipeline.StageValidation)
	require.Len(t, got, 3)
	require.Equal(t, "universal-a", got[0].Name())
	require.Equal(t, "universal-b", got[1].Name())
	require.Equal(t, "order-check", got[2].Name())

	// Other models only see the universal set.
	got = registry.ObserversFor("invoice", pipeline.StageValidation)
	require.Len(t, got, 2)

	// Unpopulated lookups return an empty, non-nil list.
	got = registry.ObserversFor("invoice", pipeline.StageAudit)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestRegistryResultIsCallerOwned(t *testing.T) {
	registry := pipeline.NewRegistry()
	registry.RegisterUniversal(&stubObserver{name: "a", stage: pipeline.StageAudit})

	got := registry.ObserversFor("user", pipeline.StageAudit)
	got[0] = &stubObserver{name: "mutated", stage: pipeline.StageAudit}

	again := registry.ObserversFor("user", pipeline.StageAudit)
	require.Equal(t, "a", again[0].Name())
}
