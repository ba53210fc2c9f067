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

package train

import (
	"encoding/json"
	"math"

	"github.com/google/uuid"
)

// jsonFloat marshals non-finite values as null, so an empty validation
// split's +Inf loss does not break the stats file.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	if math.IsInf(float64(f), 0) || math.IsNaN(float64(f)) {
		return []byte("null"), nil
	}
	return json.Marshal(float64(f))
}

// EpochRecord holds the metrics of one train+validate cycle.
type EpochRecord struct {
	Epoch         int       `json:"epoch"`
	TrainLoss     jsonFloat `json:"train_loss"`
	TrainAccuracy jsonFloat `json:"train_accuracy"`
	ValLoss       jsonFloat `json:"validation_loss"`
	ValAccuracy   jsonFloat `json:"validation_accuracy"`
}

// TestRecord holds the final held-out evaluation.
type TestRecord struct {
	TestLoss            jsonFloat `json:"test_loss"`
	TestAccuracy        jsonFloat `json:"test_accuracy"`
	MatthewsCorrelation jsonFloat `json:"matthews_correlation"`
}

// TrainingStats is the append-only record of a complete run, persisted as
// JSON next to the model artifact. The orchestrator is its only writer.
type TrainingStats struct {
	RunID  string        `json:"run_id"`
	Epochs []EpochRecord `json:"epochs"`
	Test   *TestRecord   `json:"test,omitempty"`
}

func newTrainingStats() *TrainingStats {
	return &TrainingStats{RunID: uuid.NewString()}
}
