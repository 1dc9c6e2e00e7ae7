// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"testing"

	"github.com/cropdoc/cropdisease/internal/artifact"
	"github.com/cropdoc/cropdisease/internal/mobilenet"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackend(t *testing.T) backends.Backend {
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	return backend
}

func TestLossAndAccuracy(t *testing.T) {
	backend := testBackend(t)
	labels := tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 0, 1, 0}, 2, 3)
	logits := tensors.FromFlatDataAndDimensions([]float32{5, 1, 0, 3, 2, 1}, 2, 3)

	accuracy, err := ExecOnce(backend, func(labels, logits *Node) *Node {
		return Accuracy([]*Node{labels}, []*Node{logits})
	}, labels, logits)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, tensors.ToScalar[float32](accuracy), 1e-6)

	// Equal logits: the loss is log(3) for every example.
	loss, err := ExecOnce(backend, func(labels, logits *Node) *Node {
		return Loss([]*Node{labels}, []*Node{ZerosLike(logits)})
	}, labels, logits)
	require.NoError(t, err)
	assert.InDelta(t, 1.0986123, tensors.ToScalar[float32](loss), 1e-5)
}

func TestModelGraph(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full model in short mode")
	}
	backend := testBackend(t)
	ctx := CreateContext(3)
	probs := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		images := Ones(g, shapes.Make(dtypes.Float32, 2, 32, 32, 3))
		return Probabilities(ctx, images)
	})
	require.Equal(t, []int{2, 3}, probs.Shape().Dimensions)
	values := tensors.MustCopyFlatData[float32](probs)
	assert.InDelta(t, 1.0, values[0]+values[1]+values[2], 1e-5)
	assert.InDelta(t, 1.0, values[3]+values[4]+values[5], 1e-5)

	// Phase 1 configuration: the backbone is frozen, the head is trainable.
	assert.Equal(t, 0, mobilenet.TrainableVariables(ctx))
	numHeadVars := 0
	for v := range ctx.InAbsPath("/" + ModelScope + "/predictions").IterVariablesInScope() {
		assert.True(t, v.Trainable, "variable %s/%s", v.Scope(), v.Name())
		numHeadVars++
	}
	assert.Equal(t, 2, numHeadVars, "weights and bias of the output layer")

	// Saved models are validated by the shape of the output layer weights.
	output := ctx.GetVariableByScopeAndName(artifact.OutputWeightsScope, artifact.OutputWeightsName)
	require.NotNil(t, output)
	assert.Equal(t, []int{256, 3}, output.Shape().Dimensions)
}

func TestModelGraphRequiresNumClasses(t *testing.T) {
	backend := testBackend(t)
	ctx := CreateContext(0)
	_, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		images := Ones(g, shapes.Make(dtypes.Float32, 1, 32, 32, 3))
		return ModelGraph(ctx, nil, []*Node{images})[0]
	})
	require.Error(t, err)
}
