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

// Package train drives fine-tuning of a classifier over a split-aware data
// feed. The Orchestrator owns the epoch loop, metric accumulation, artifact
// persistence and crash forensics; the model itself is reached only through
// the ModelUpdateStep interface, so any parameterized classifier with a
// gradient-based update can plug in.
package train

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/textkit/finetune/pkg/corpus"
	"github.com/textkit/finetune/pkg/datafeed"
	"github.com/textkit/finetune/pkg/devices"
	"github.com/textkit/finetune/pkg/metrics"
)

// GradClipMaxNorm is the gradient-norm ceiling applied before every
// optimizer step.
const GradClipMaxNorm = 1.0

// Artifact name suffixes, appended to the run's artifact root.
const (
	ModelArtifactSuffix       = "_trained_model.sav"
	PredictionsArtifactSuffix = "_testset_predictions.csv"
	StatsArtifactSuffix       = "_train_test_stats.json"
)

// ModelUpdateStep is the capability surface a trainable model must expose.
//
// OptimizerStep's contract in a multi-node run: when it returns, gradients
// have been reconciled across all ranks and applied to the local replica.
type ModelUpdateStep interface {
	// ForwardBackward runs the model on one batch. In training mode it also
	// accumulates gradients; in eval mode it only computes loss and logits.
	ForwardBackward(batch []corpus.Sample) (loss float64, logits [][]float32, err error)
	// ZeroGrad clears accumulated gradients.
	ZeroGrad()
	// OptimizerStep applies the accumulated (and, across ranks, reconciled)
	// gradients.
	OptimizerStep() error
	// ScheduleStep advances the learning-rate schedule by one step.
	ScheduleStep()
	// GradClipNorm rescales gradients so their global norm is at most max.
	GradClipNorm(max float64)
	// StateSnapshot serializes the model parameters for persistence.
	StateSnapshot() ([]byte, error)
	// SetTraining switches between training and eval mode.
	SetTraining(training bool)
}

// Config carries the fixed knobs of one run.
type Config struct {
	Epochs    int
	BatchSize int

	// ArtifactRoot is the path prefix artifacts are written under, normally
	// the data source path with its extension stripped.
	ArtifactRoot string

	// Rank of this process. Only rank 0 persists artifacts.
	Rank int

	ShowProgress bool
}

// Orchestrator runs Init, then Epochs rounds of train+validate, then a test
// pass and a final evaluation. Fixed epoch count, no early stopping.
type Orchestrator struct {
	cfg      Config
	model    ModelUpdateStep
	feed     *datafeed.Feed
	recorder *devices.Recorder
	stats    *TrainingStats
	testLoss float64
}

// New builds an Orchestrator. The feed must already be split.
func New(cfg Config, model ModelUpdateStep, feed *datafeed.Feed, recorder *devices.Recorder) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		model:    model,
		feed:     feed,
		recorder: recorder,
		stats:    newTrainingStats(),
	}
}

// Stats returns the run's accumulated record.
func (o *Orchestrator) Stats() *TrainingStats { return o.stats }

// Run drives the whole run. On failure the returned error is a *TrainError
// whose Report has already been logged.
func (o *Orchestrator) Run() error {
	klog.Infof("Starting run %s: %d epochs, batch size %d", o.stats.RunID, o.cfg.Epochs, o.cfg.BatchSize)
	for epoch := 0; epoch < o.cfg.Epochs; epoch++ {
		trainLoss, trainAcc, err := o.TrainEpoch(epoch)
		if err != nil {
			return err
		}
		valLoss, valAcc, err := o.ValidateEpoch(epoch)
		if err != nil {
			return err
		}
		o.stats.Epochs = append(o.stats.Epochs, EpochRecord{
			Epoch:         epoch,
			TrainLoss:     jsonFloat(trainLoss),
			TrainAccuracy: jsonFloat(trainAcc),
			ValLoss:       jsonFloat(valLoss),
			ValAccuracy:   jsonFloat(valAcc),
		})
		klog.Infof("Epoch %d: train loss=%.4f acc=%.4f | validation loss=%.4f acc=%.4f",
			epoch, trainLoss, trainAcc, valLoss, valAcc)
	}
	predictions, labels, err := o.Test()
	if err != nil {
		return err
	}
	return o.Evaluate(predictions, labels)
}

// TrainEpoch runs one training pass over this rank's shard of the train
// split and returns the unweighted mean batch loss and accuracy. Any
// failure comes back as a *TrainError.
func (o *Orchestrator) TrainEpoch(epoch int) (float64, float64, error) {
	o.model.SetTraining(true)
	o.feed.SetEpoch(epoch)
	o.recorder.StartEpoch()
	o.feed.SwitchToSplit(datafeed.Train)

	loss, accuracy, err := o.trainBatches(epoch)
	if err != nil {
		te := newTrainError("train", epoch, err, o.recorder)
		klog.Errorf("%s", te.Report())
		return 0, 0, te
	}
	return loss, accuracy, nil
}

func (o *Orchestrator) trainBatches(epoch int) (float64, float64, error) {
	bar := o.newBar(epoch, "train")
	var lossSum, accSum float64
	batches, step := 0, 0
	for {
		batch, err := o.feed.Yield(o.cfg.BatchSize)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, err
		}
		o.model.ZeroGrad()
		o.recorder.Checkpoint(epoch, step, devices.CheckpointPreModelCall)
		batchLoss, logits, err := o.model.ForwardBackward(batch)
		if err != nil {
			return 0, 0, err
		}
		o.recorder.Checkpoint(epoch, step, devices.CheckpointPostModelCall)
		lossSum += batchLoss
		accSum += batchAccuracy(logits, batch)
		batches++
		o.recorder.Checkpoint(epoch, step, devices.CheckpointPostFreeing)
		o.model.GradClipNorm(GradClipMaxNorm)
		if err := o.model.OptimizerStep(); err != nil {
			return 0, 0, err
		}
		o.recorder.Checkpoint(epoch, step, devices.CheckpointPostOptimizer)
		o.model.ScheduleStep()
		if bar != nil {
			_ = bar.Add(1)
		}
		step++
	}
	if batches == 0 {
		klog.Warningf("Epoch %d: train shard is empty on this rank", epoch)
		return 0, 0, nil
	}
	return lossSum / float64(batches), accSum / float64(batches), nil
}

// ValidateEpoch runs an eval-mode pass over the validation split. An empty
// split is a degraded but legal condition: it logs and reports +Inf loss
// and zero accuracy so the epoch record shows validation never happened.
func (o *Orchestrator) ValidateEpoch(epoch int) (float64, float64, error) {
	var loss, accuracy float64
	err := datafeed.WithSplit(o.feed, datafeed.Validate, func() error {
		if o.feed.Len() == 0 {
			klog.Warningf("Epoch %d: validation split is empty, skipping validation", epoch)
			loss, accuracy = math.Inf(1), 0
			return nil
		}
		o.feed.Reset(datafeed.Validate)
		var err error
		loss, accuracy, _, _, err = o.evalBatches()
		return err
	})
	if err != nil {
		te := newTrainError("validate", epoch, err, o.recorder)
		klog.Errorf("%s", te.Report())
		return 0, 0, te
	}
	return loss, accuracy, nil
}

// Test runs an eval-mode pass over the test split, returning argmax
// predictions and true labels. An empty split returns (nil, nil) and the
// final evaluation is skipped downstream.
func (o *Orchestrator) Test() ([]int, []int, error) {
	var predictions, labels []int
	err := datafeed.WithSplit(o.feed, datafeed.Test, func() error {
		if o.feed.Len() == 0 {
			klog.Warning("Test split is empty, skipping test pass")
			return nil
		}
		o.feed.Reset(datafeed.Test)
		var err error
		o.testLoss, _, predictions, labels, err = o.evalBatches()
		return err
	})
	if err != nil {
		te := newTrainError("test", o.cfg.Epochs, err, o.recorder)
		klog.Errorf("%s", te.Report())
		return nil, nil, te
	}
	return predictions, labels, nil
}

// evalBatches drains the current split in eval mode. No gradient state is
// touched.
func (o *Orchestrator) evalBatches() (loss, accuracy float64, predictions, labels []int, err error) {
	o.model.SetTraining(false)
	defer o.model.SetTraining(true)
	var lossSum, accSum float64
	batches := 0
	for {
		batch, yieldErr := o.feed.Yield(o.cfg.BatchSize)
		if yieldErr == io.EOF {
			break
		}
		if yieldErr != nil {
			return 0, 0, nil, nil, yieldErr
		}
		batchLoss, logits, fbErr := o.model.ForwardBackward(batch)
		if fbErr != nil {
			return 0, 0, nil, nil, fbErr
		}
		lossSum += batchLoss
		accSum += batchAccuracy(logits, batch)
		batches++
		for ii, sample := range batch {
			predictions = append(predictions, metrics.ArgMax(logits[ii]))
			labels = append(labels, int(sample.Label))
		}
	}
	if batches == 0 {
		return 0, 0, nil, nil, nil
	}
	return lossSum / float64(batches), accSum / float64(batches), predictions, labels, nil
}

var summaryStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	Padding(0, 2)

// Evaluate scores the test predictions, records them in the run stats,
// prints a summary and, on rank 0, persists the model, predictions and
// stats artifacts.
func (o *Orchestrator) Evaluate(predictions, labels []int) error {
	if predictions == nil {
		klog.Warning("No test predictions, skipping evaluation")
		return nil
	}
	accuracy := metrics.Accuracy(predictions, labels)
	mcc := metrics.MatthewsCorrelation(predictions, labels)
	o.stats.Test = &TestRecord{
		TestLoss:            jsonFloat(o.testLoss),
		TestAccuracy:        jsonFloat(accuracy),
		MatthewsCorrelation: jsonFloat(mcc),
	}
	fmt.Println(summaryStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		fmt.Sprintf("Test loss:            %.4f", o.testLoss),
		fmt.Sprintf("Test accuracy:        %.4f", accuracy),
		fmt.Sprintf("Matthews correlation: %.4f", mcc),
	)))
	if o.cfg.Rank != 0 {
		klog.V(1).Infof("Rank %d does not persist artifacts", o.cfg.Rank)
		return nil
	}
	if err := o.saveModel(); err != nil {
		return err
	}
	if err := o.savePredictions(predictions, labels); err != nil {
		return err
	}
	return o.saveStats()
}

func (o *Orchestrator) artifactPath(suffix string) string {
	return o.cfg.ArtifactRoot + suffix
}

func (o *Orchestrator) saveModel() error {
	snapshot, err := o.model.StateSnapshot()
	if err != nil {
		return errors.WithMessage(err, "snapshotting model state")
	}
	path := o.artifactPath(ModelArtifactSuffix)
	if err := os.WriteFile(path, snapshot, 0644); err != nil {
		return errors.Wrapf(err, "saving model to %q", path)
	}
	klog.Infof("Saved trained model to %s", path)
	return nil
}

func (o *Orchestrator) savePredictions(predictions, labels []int) error {
	path := o.artifactPath(PredictionsArtifactSuffix)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"prediction", "true_label"}); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}
	for ii := range predictions {
		row := []string{strconv.Itoa(predictions[ii]), strconv.Itoa(labels[ii])}
		if err := w.Write(row); err != nil {
			return errors.Wrapf(err, "writing %q", path)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrapf(err, "flushing %q", path)
	}
	klog.Infof("Saved %d test predictions to %s", len(predictions), path)
	return nil
}

func (o *Orchestrator) saveStats() error {
	encoded, err := json.MarshalIndent(o.stats, "", "  ")
	if err != nil {
		return errors.WithMessage(err, "encoding run stats")
	}
	path := o.artifactPath(StatsArtifactSuffix)
	if err := os.WriteFile(path, encoded, 0644); err != nil {
		return errors.Wrapf(err, "saving stats to %q", path)
	}
	klog.Infof("Saved run stats to %s", path)
	return nil
}

func (o *Orchestrator) newBar(epoch int, phase string) *progressbar.ProgressBar {
	if !o.cfg.ShowProgress {
		return nil
	}
	total := (o.feed.Len() + o.cfg.BatchSize - 1) / o.cfg.BatchSize
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(fmt.Sprintf("epoch %d %s", epoch, phase)),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)
}

func batchAccuracy(logits [][]float32, batch []corpus.Sample) float64 {
	if len(batch) == 0 {
		return 0
	}
	correct := 0
	for ii, sample := range batch {
		if ii < len(logits) && metrics.ArgMax(logits[ii]) == int(sample.Label) {
			correct++
		}
	}
	return float64(correct) / float64(len(batch))
}
