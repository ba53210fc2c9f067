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

// Package datafeed partitions a corpus into train/validate/test views,
// shards each view across the ranks of a distributed run and feeds batches
// relative to a switchable "current split".
//
// The partition is a pure function of (sample count, percentages, seed):
// every rank computes it independently and identically, no coordination
// needed beyond agreeing on those inputs. Per-epoch shards are likewise pure
// functions of (seed, epoch, split, rank, world size).
package datafeed

import (
	"io"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/textkit/finetune/pkg/corpus"
)

// Partition assigns every sample id in [0, numSamples) to exactly one
// split: a deterministic shuffle by seed, cut into three contiguous ranges
// sized by the percentages. The three percentages must sum to 1.
//
// The result is a disjoint, exhaustive cover of all ids, and identical
// inputs produce the identical partition in any process.
func Partition(numSamples int, trainPct, valPct, testPct float64, seed int64) ([NumSplits][]int, error) {
	var parts [NumSplits][]int
	if trainPct < 0 || valPct < 0 || testPct < 0 {
		return parts, errors.Errorf("split percentages must be non-negative, got (%g, %g, %g)",
			trainPct, valPct, testPct)
	}
	if total := trainPct + valPct + testPct; math.Abs(total-1.0) > 1e-9 {
		return parts, errors.Errorf("split percentages must sum to 1.0, got %g (%g+%g+%g)",
			total, trainPct, valPct, testPct)
	}
	ids := make([]int, numSamples)
	for ii := range ids {
		ids[ii] = ii
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	numTrain := int(trainPct*float64(numSamples) + 0.5)
	numVal := int(valPct*float64(numSamples) + 0.5)
	if numTrain+numVal > numSamples {
		numVal = numSamples - numTrain
	}
	parts[Train] = ids[:numTrain]
	parts[Validate] = ids[numTrain : numTrain+numVal]
	parts[Test] = ids[numTrain+numVal:]
	return parts, nil
}

// Feed serves batches of corpus samples relative to its current split,
// restricted to this rank's shard of that split.
//
// A Feed must be initialized with SplitDataset exactly once, and SetEpoch
// must be called once before each epoch's iteration: the per-epoch shard
// reshuffle is what makes the ranks of a distributed run cover disjoint
// parts of a split. A rank that skips SetEpoch iterates the same ordering
// as every other rank -- the ranks then duplicate work instead of
// partitioning it, silently invalidating the parallel training.
type Feed struct {
	store           *corpus.Store
	rank, worldSize int

	seed      int64
	partition [NumSplits][]int
	hasSplit  bool

	// Current epoch's shard (this rank's ordered sample ids) and iteration
	// cursor, per split.
	shards  [NumSplits][]int
	cursors [NumSplits]int

	split Split
	epoch int
}

// New creates a Feed over the store for one rank of a distributed run. Use
// rank 0 and world size 1 for single-process training. The initial current
// split is Train.
func New(store *corpus.Store, rank, worldSize int) *Feed {
	if worldSize < 1 {
		worldSize = 1
	}
	return &Feed{store: store, rank: rank, worldSize: worldSize}
}

// SplitDataset computes the train/validate/test partition of the store.
// It must be called exactly once per Feed: calling it again would silently
// re-randomize sample membership, so the second call fails instead.
func (f *Feed) SplitDataset(trainPct, valPct, testPct float64, seed int64) error {
	if f.hasSplit {
		return errors.Errorf("dataset is already split; refusing to re-randomize the partition")
	}
	parts, err := Partition(f.store.Len(), trainPct, valPct, testPct, seed)
	if err != nil {
		return err
	}
	f.partition = parts
	f.seed = seed
	f.hasSplit = true
	f.SetEpoch(0)
	return nil
}

// SetEpoch recomputes every split's shard for the given epoch and rewinds
// all iteration cursors. Call it once before each epoch's iteration; see
// the Feed doc for why skipping it is a correctness bug.
func (f *Feed) SetEpoch(epoch int) {
	f.epoch = epoch
	for split := Split(0); split < NumSplits; split++ {
		f.shards[split] = f.shardFor(split, epoch)
		f.cursors[split] = 0
	}
}

// shardFor computes this rank's ordered sample ids for one split and epoch:
// a deterministic shuffle of the split's ids keyed on (seed, epoch, split),
// then a strided slice by rank. Shards of different ranks are disjoint and
// together cover the split; different epochs produce different orderings.
func (f *Feed) shardFor(split Split, epoch int) []int {
	ids := f.partition[split]
	order := make([]int, len(ids))
	copy(order, ids)
	rng := rand.New(rand.NewSource(f.seed + int64(epoch)*int64(NumSplits) + int64(split)))
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	shard := make([]int, 0, (len(order)+f.worldSize-1)/f.worldSize)
	for ii := f.rank; ii < len(order); ii += f.worldSize {
		shard = append(shard, order[ii])
	}
	return shard
}

// SwitchToSplit makes subsequent Len/Yield/Reset calls relative to split.
func (f *Feed) SwitchToSplit(split Split) { f.split = split }

// CurrentSplit returns the split the feed currently serves.
func (f *Feed) CurrentSplit() Split { return f.split }

// Reset rewinds the named split's iteration cursor to its first element.
// Membership is unchanged.
func (f *Feed) Reset(split Split) { f.cursors[split] = 0 }

// Len returns the number of samples in this rank's shard of the current
// split. Zero is legal: an empty split yields an immediately-exhausted
// iteration, and callers must handle it.
func (f *Feed) Len() int { return len(f.shards[f.split]) }

// Yield returns the next batch of up to batchSize samples from the current
// split's shard, or io.EOF when the shard is exhausted. The final batch may
// be smaller than batchSize.
func (f *Feed) Yield(batchSize int) ([]corpus.Sample, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	shard := f.shards[f.split]
	cursor := f.cursors[f.split]
	if cursor >= len(shard) {
		return nil, io.EOF
	}
	end := cursor + batchSize
	if end > len(shard) {
		end = len(shard)
	}
	batch := make([]corpus.Sample, 0, end-cursor)
	for _, id := range shard[cursor:end] {
		batch = append(batch, f.store.Sample(id))
	}
	f.cursors[f.split] = end
	return batch, nil
}

// WithSplit temporarily switches the feed to split, runs fn, and restores
// the previous split on every exit path -- normal return, error return or
// panic. Inspecting e.g. the validate split's length can never leave a feed
// that was working the train split pointed at validate.
func WithSplit(f *Feed, split Split, fn func() error) error {
	saved := f.CurrentSplit()
	f.SwitchToSplit(split)
	defer f.SwitchToSplit(saved)
	return fn()
}
