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

// Package metrics holds the evaluation statistics used after fine-tuning:
// plain accuracy and the Matthews correlation coefficient, which stays
// meaningful on imbalanced label distributions.
package metrics

import "math"

// ArgMax returns the index of the largest logit. For an empty slice it
// returns -1.
func ArgMax(logits []float32) int {
	if len(logits) == 0 {
		return -1
	}
	best := 0
	for ii := 1; ii < len(logits); ii++ {
		if logits[ii] > logits[best] {
			best = ii
		}
	}
	return best
}

// Accuracy returns the fraction of predictions that agree with the labels.
// Returns 0 for empty inputs.
func Accuracy(predictions, labels []int) float64 {
	if len(predictions) == 0 || len(predictions) != len(labels) {
		return 0
	}
	matches := 0
	for ii, p := range predictions {
		if p == labels[ii] {
			matches++
		}
	}
	return float64(matches) / float64(len(predictions))
}

// MatthewsCorrelation computes the multiclass Matthews correlation
// coefficient between predictions and labels.
//
// It uses the generalized (R_K) formulation over the confusion matrix. The
// result is in [-1, 1], where 1 is perfect agreement, 0 no better than
// chance. When the denominator degenerates -- e.g. all predictions or all
// labels are one single class -- it returns 0.
func MatthewsCorrelation(predictions, labels []int) float64 {
	if len(predictions) == 0 || len(predictions) != len(labels) {
		return 0
	}
	numClasses := 0
	for ii := range predictions {
		if predictions[ii]+1 > numClasses {
			numClasses = predictions[ii] + 1
		}
		if labels[ii]+1 > numClasses {
			numClasses = labels[ii] + 1
		}
	}
	confusion := make([][]float64, numClasses)
	for ii := range confusion {
		confusion[ii] = make([]float64, numClasses)
	}
	for ii := range predictions {
		confusion[labels[ii]][predictions[ii]]++
	}

	total := float64(len(predictions))
	var trace, dotTP float64
	rowSums := make([]float64, numClasses)  // Times each class appears as label.
	colSums := make([]float64, numClasses)  // Times each class was predicted.
	for truth := 0; truth < numClasses; truth++ {
		for pred := 0; pred < numClasses; pred++ {
			count := confusion[truth][pred]
			rowSums[truth] += count
			colSums[pred] += count
			if truth == pred {
				trace += count
			}
		}
	}
	var sumRowSq, sumColSq float64
	for class := 0; class < numClasses; class++ {
		dotTP += rowSums[class] * colSums[class]
		sumRowSq += rowSums[class] * rowSums[class]
		sumColSq += colSums[class] * colSums[class]
	}
	numerator := trace*total - dotTP
	denominator := math.Sqrt(total*total-sumColSq) * math.Sqrt(total*total-sumRowSq)
	if denominator == 0 {
		return 0
	}
	return numerator / denominator
}
