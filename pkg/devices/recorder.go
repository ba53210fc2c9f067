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

package devices

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
)

// Checkpoint labels used by the training orchestrator to build the forensic
// timeline of one epoch.
const (
	CheckpointPreModelCall  = "pre_model_call"
	CheckpointPostModelCall = "post_model_call"
	CheckpointPostFreeing   = "post_model_freeing"
	CheckpointPostOptimizer = "post_optimizer"
)

// Snapshot is a single device-memory reading taken at a named moment of a
// training step.
type Snapshot struct {
	Epoch, Step          int
	Label                string
	FreeBytes, UsedBytes uint64
}

// Recorder accumulates device-memory Snapshots during an epoch. The history
// is discarded at the start of every epoch and is consumed only when a train
// or validate pass fails.
//
// All methods are no-ops on CPU-only runs.
type Recorder struct {
	handle  Handle
	prober  Prober
	history []Snapshot
}

// NewRecorder creates a Recorder for the given device handle, using the
// registered prober for resource queries.
func NewRecorder(handle Handle) *Recorder {
	return &Recorder{handle: handle, prober: Registered()}
}

func (r *Recorder) active() bool {
	return r != nil && !r.handle.IsCPU() && r.prober != nil
}

// StartEpoch discards the previous epoch's snapshots.
func (r *Recorder) StartEpoch() {
	if !r.active() {
		return
	}
	r.history = r.history[:0]
}

// Checkpoint appends a snapshot of the device's current memory state,
// labeled with the moment of the training step it was taken at.
func (r *Recorder) Checkpoint(epoch, step int, label string) {
	if !r.active() {
		return
	}
	status, err := r.prober.Status(r.handle.Ordinal)
	if err != nil {
		klog.V(2).Infof("Device status query failed at checkpoint %q: %v", label, err)
		return
	}
	r.history = append(r.history, Snapshot{
		Epoch:     epoch,
		Step:      step,
		Label:     label,
		FreeBytes: status.FreeBytes,
		UsedBytes: status.UsedBytes,
	})
}

// History returns the snapshots accumulated since the last StartEpoch.
func (r *Recorder) History() []Snapshot {
	if r == nil {
		return nil
	}
	return r.history
}

// CrashStatus reads the device's memory use right now. Used when wrapping a
// failed pass into a TrainError. The second result is false on CPU runs or
// when the query fails.
func (r *Recorder) CrashStatus() (Status, bool) {
	if !r.active() {
		return Status{}, false
	}
	status, err := r.prober.Status(r.handle.Ordinal)
	if err != nil {
		return Status{}, false
	}
	return status, true
}

// Render formats the accumulated history for a crash report, one snapshot
// per line with humanized byte counts.
func (r *Recorder) Render() string {
	var sb strings.Builder
	for _, s := range r.History() {
		fmt.Fprintf(&sb, "    epoch=%d step=%d %s: free=%s used=%s\n",
			s.Epoch, s.Step, s.Label, humanize.IBytes(s.FreeBytes), humanize.IBytes(s.UsedBytes))
	}
	return sb.String()
}
