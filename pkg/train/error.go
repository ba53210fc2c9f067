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
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/textkit/finetune/pkg/devices"
)

// TrainError wraps any failure that escapes a training or validation pass.
// Beyond the original cause it carries the device's memory state at crash
// time and the memory timeline recorded during the failing epoch, so a crash
// on a remote node leaves enough forensics in its log to diagnose OOMs.
type TrainError struct {
	Phase   string
	Epoch   int
	Crash   devices.Status
	HasMem  bool
	History []devices.Snapshot
	Err     error
}

func newTrainError(phase string, epoch int, err error, recorder *devices.Recorder) *TrainError {
	te := &TrainError{
		Phase:   phase,
		Epoch:   epoch,
		History: append([]devices.Snapshot(nil), recorder.History()...),
		Err:     err,
	}
	te.Crash, te.HasMem = recorder.CrashStatus()
	return te
}

func (e *TrainError) Error() string {
	return fmt.Sprintf("%s pass failed at epoch %d: %v", e.Phase, e.Epoch, e.Err)
}

func (e *TrainError) Unwrap() error { return e.Err }

// Report formats the crash state and the epoch's memory timeline for the
// log. A CPU run has neither, and the report is just the error line.
func (e *TrainError) Report() string {
	var sb strings.Builder
	sb.WriteString(e.Error())
	sb.WriteString("\n")
	if e.HasMem {
		fmt.Fprintf(&sb, "  device memory at crash: free=%s used=%s of %s\n",
			humanize.IBytes(e.Crash.FreeBytes), humanize.IBytes(e.Crash.UsedBytes),
			humanize.IBytes(e.Crash.TotalBytes))
	}
	if len(e.History) > 0 {
		sb.WriteString("  memory timeline this epoch:\n")
		for _, s := range e.History {
			fmt.Fprintf(&sb, "    epoch=%d step=%d %s: free=%s used=%s\n",
				s.Epoch, s.Step, s.Label, humanize.IBytes(s.FreeBytes), humanize.IBytes(s.UsedBytes))
		}
	}
	return sb.String()
}
