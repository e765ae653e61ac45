package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nerrors "github.com/tsawler/go-netgraph/errors"
)

func TestSoftmaxCrossEntropy(t *testing.T) {
	loss := SoftmaxCrossEntropyWithLogits{}

	v, grad, err := loss.Compute([]float32{0, 0, 0, 0}, []float32{2}, 1, 4)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), v, 1e-6)
	assert.InDeltaSlice(t, []float32{0.25, 0.25, -0.75, 0.25}, grad, 1e-6)

	oneHot, _, err := loss.Compute([]float32{0, 0, 0, 0}, []float32{0, 0, 1, 0}, 1, 4)
	require.NoError(t, err)
	assert.InDelta(t, v, oneHot, 1e-9)

	_, _, err = loss.Compute([]float32{0, 0}, []float32{5}, 1, 2)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidInput))

	_, _, err = loss.Compute([]float32{0, 0}, []float32{1, 0, 0}, 1, 2)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeShapeMismatch))
}

func TestRegressionLosses(t *testing.T) {
	v, grad, err := MeanSquaredError{}.Compute([]float32{1, 3}, []float32{0, 1}, 2, 1)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, v, 1e-9)
	assert.InDeltaSlice(t, []float32{1, 2}, grad, 1e-6)

	v, grad, err = MeanAbsoluteError{}.Compute([]float32{1, -3}, []float32{0, 1}, 2, 1)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, v, 1e-9)
	assert.InDeltaSlice(t, []float32{0.5, -0.5}, grad, 1e-6)
}

func TestLossFromName(t *testing.T) {
	l, err := LossFromName("MAE")
	require.NoError(t, err)
	assert.Equal(t, "mae", l.Name())

	_, err = LossFromName("hinge")
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidConfiguration))
}
