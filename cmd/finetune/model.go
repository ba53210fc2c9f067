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

	"github.com/pkg/errors"

	"github.com/textkit/finetune/pkg/corpus"
)

// logisticModel is a bag-of-tokens multinomial logistic regression used to
// exercise the training pipeline end to end. Gradients are local to this
// process: it does not average across ranks, so it is only meaningful for
// single-process runs.
type logisticModel struct {
	vocabSize  int
	numClasses int

	// weights[c] holds vocabSize token weights followed by the bias.
	weights [][]float64
	grads   [][]float64

	learningRate float64
	decay        float64
	training     bool
}

func newLogisticModel(vocabSize, numClasses int) *logisticModel {
	m := &logisticModel{
		vocabSize:    vocabSize,
		numClasses:   numClasses,
		weights:      make([][]float64, numClasses),
		grads:        make([][]float64, numClasses),
		learningRate: 0.1,
		decay:        0.999,
		training:     true,
	}
	for c := range m.weights {
		m.weights[c] = make([]float64, vocabSize+1)
		m.grads[c] = make([]float64, vocabSize+1)
	}
	return m
}

// tokenCounts folds a sample into sparse bag-of-tokens features, masked
// positions excluded.
func tokenCounts(sample corpus.Sample) map[int32]float64 {
	counts := make(map[int32]float64, len(sample.TokenIDs))
	for ii, id := range sample.TokenIDs {
		if ii < len(sample.AttentionMask) && sample.AttentionMask[ii] == 0 {
			continue
		}
		counts[id]++
	}
	return counts
}

func (m *logisticModel) ForwardBackward(batch []corpus.Sample) (float64, [][]float32, error) {
	if len(batch) == 0 {
		return 0, nil, nil
	}
	logits := make([][]float32, len(batch))
	var lossSum float64
	invBatch := 1.0 / float64(len(batch))
	for bi, sample := range batch {
		if int(sample.Label) < 0 || int(sample.Label) >= m.numClasses {
			return 0, nil, errors.Errorf("sample %d has label %d, model has %d classes",
				sample.ID, sample.Label, m.numClasses)
		}
		counts := tokenCounts(sample)
		z := make([]float64, m.numClasses)
		for c := 0; c < m.numClasses; c++ {
			sum := m.weights[c][m.vocabSize] // bias
			for id, n := range counts {
				sum += m.weights[c][id] * n
			}
			z[c] = sum
		}
		probs := softmax(z)
		lossSum += -math.Log(math.Max(probs[int(sample.Label)], 1e-12))
		logits[bi] = make([]float32, m.numClasses)
		for c, v := range z {
			logits[bi][c] = float32(v)
		}
		if !m.training {
			continue
		}
		for c := 0; c < m.numClasses; c++ {
			delta := probs[c]
			if c == int(sample.Label) {
				delta -= 1
			}
			delta *= invBatch
			for id, n := range counts {
				m.grads[c][id] += delta * n
			}
			m.grads[c][m.vocabSize] += delta
		}
	}
	return lossSum * invBatch, logits, nil
}

func softmax(z []float64) []float64 {
	maxZ := math.Inf(-1)
	for _, v := range z {
		maxZ = math.Max(maxZ, v)
	}
	var total float64
	probs := make([]float64, len(z))
	for ii, v := range z {
		probs[ii] = math.Exp(v - maxZ)
		total += probs[ii]
	}
	for ii := range probs {
		probs[ii] /= total
	}
	return probs
}

func (m *logisticModel) ZeroGrad() {
	for c := range m.grads {
		for ii := range m.grads[c] {
			m.grads[c][ii] = 0
		}
	}
}

func (m *logisticModel) GradClipNorm(max float64) {
	var sumSq float64
	for c := range m.grads {
		for _, g := range m.grads[c] {
			sumSq += g * g
		}
	}
	norm := math.Sqrt(sumSq)
	if norm <= max || norm == 0 {
		return
	}
	scale := max / norm
	for c := range m.grads {
		for ii := range m.grads[c] {
			m.grads[c][ii] *= scale
		}
	}
}

func (m *logisticModel) OptimizerStep() error {
	for c := range m.weights {
		for ii := range m.weights[c] {
			m.weights[c][ii] -= m.learningRate * m.grads[c][ii]
		}
	}
	return nil
}

func (m *logisticModel) ScheduleStep() { m.learningRate *= m.decay }

func (m *logisticModel) SetTraining(training bool) { m.training = training }

// modelState is the gob-serialized form of the trained parameters.
type modelState struct {
	VocabSize  int
	NumClasses int
	Weights    [][]float64
}

func (m *logisticModel) StateSnapshot() ([]byte, error) {
	var buf bytes.Buffer
	state := modelState{
		VocabSize:  m.vocabSize,
		NumClasses: m.numClasses,
		Weights:    m.weights,
	}
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return nil, errors.WithMessage(err, "encoding model state")
	}
	return buf.Bytes(), nil
}
