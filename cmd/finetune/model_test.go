/*
 *	Copyright 2025 The finetune Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package main

import (
	"bytes"
	"encoding/gob"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textkit/finetune/pkg/corpus"
	"github.com/textkit/finetune/pkg/metrics"
)

// Token 1 marks class 0, token 2 marks class 1. Separable, so a few
// gradient steps must drive the loss down and the predictions right.
func separableBatch() []corpus.Sample {
	return []corpus.Sample{
		{ID: 0, TokenIDs: []int32{1, 1, 0}, AttentionMask: []int8{1, 1, 0}, Label: 0},
		{ID: 1, TokenIDs: []int32{2, 2, 0}, AttentionMask: []int8{1, 1, 0}, Label: 1},
		{ID: 2, TokenIDs: []int32{1, 2, 1}, AttentionMask: []int8{1, 1, 1}, Label: 0},
		{ID: 3, TokenIDs: []int32{2, 1, 2}, AttentionMask: []int8{1, 1, 1}, Label: 1},
	}
}

func TestLogisticModelLearnsSeparableBatch(t *testing.T) {
	model := newLogisticModel(3, 2)
	batch := separableBatch()

	firstLoss, _, err := model.ForwardBackward(batch)
	require.NoError(t, err)

	var lastLoss float64
	for step := 0; step < 50; step++ {
		model.ZeroGrad()
		loss, _, err := model.ForwardBackward(batch)
		require.NoError(t, err)
		model.GradClipNorm(1.0)
		require.NoError(t, model.OptimizerStep())
		model.ScheduleStep()
		lastLoss = loss
	}
	assert.Less(t, lastLoss, firstLoss)

	model.SetTraining(false)
	_, logits, err := model.ForwardBackward(batch)
	require.NoError(t, err)
	for ii, sample := range batch {
		assert.Equal(t, int(sample.Label), metrics.ArgMax(logits[ii]), "sample %d", ii)
	}
}

func TestLogisticModelMaskedPaddingIgnored(t *testing.T) {
	model := newLogisticModel(3, 2)
	bare := corpus.Sample{TokenIDs: []int32{1}, AttentionMask: []int8{1}, Label: 0}
	padded := corpus.Sample{TokenIDs: []int32{1, 0, 0}, AttentionMask: []int8{1, 0, 0}, Label: 0}

	_, bareLogits, err := model.ForwardBackward([]corpus.Sample{bare})
	require.NoError(t, err)
	_, paddedLogits, err := model.ForwardBackward([]corpus.Sample{padded})
	require.NoError(t, err)
	assert.Equal(t, bareLogits[0], paddedLogits[0])
}

func TestLogisticModelGradClip(t *testing.T) {
	model := newLogisticModel(2, 2)
	model.grads[0][0] = 30
	model.grads[1][1] = 40
	model.GradClipNorm(1.0)

	var sumSq float64
	for c := range model.grads {
		for _, g := range model.grads[c] {
			sumSq += g * g
		}
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-9)
	// Direction preserved: 30/50 and 40/50 after rescaling to unit norm.
	assert.InDelta(t, 0.6, model.grads[0][0], 1e-9)
	assert.InDelta(t, 0.8, model.grads[1][1], 1e-9)
}

func TestLogisticModelRejectsOutOfRangeLabel(t *testing.T) {
	model := newLogisticModel(3, 2)
	_, _, err := model.ForwardBackward([]corpus.Sample{
		{TokenIDs: []int32{1}, AttentionMask: []int8{1}, Label: 5},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "label 5")
}

func TestLogisticModelSnapshotRoundtrip(t *testing.T) {
	model := newLogisticModel(3, 2)
	model.weights[1][2] = 0.5
	encoded, err := model.StateSnapshot()
	require.NoError(t, err)

	var state modelState
	require.NoError(t, gob.NewDecoder(bytes.NewReader(encoded)).Decode(&state))
	assert.Equal(t, 3, state.VocabSize)
	assert.Equal(t, 2, state.NumClasses)
	assert.Equal(t, 0.5, state.Weights[1][2])
}
