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

package datafeed

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textkit/finetune/pkg/corpus"
)

// testStore builds an in-memory store of n trivial samples whose label is
// the sample id, so batches can be traced back to ids.
func testStore(n int) *corpus.Store {
	store := &corpus.Store{SeqLen: 4}
	for ii := 0; ii < n; ii++ {
		store.Samples = append(store.Samples, corpus.Sample{
			ID:            ii,
			TokenIDs:      []int32{1, 2, 3, 0},
			AttentionMask: []int8{1, 1, 1, 0},
			Label:         int32(ii),
		})
	}
	return store
}

func TestPartitionDisjointExhaustiveReproducible(t *testing.T) {
	const n = 1000
	const seed = 3631
	parts, err := Partition(n, 0.8, 0.1, 0.1, seed)
	require.NoError(t, err)

	assert.Len(t, parts[Train], 800)
	assert.Len(t, parts[Validate], 100)
	assert.Len(t, parts[Test], 100)

	seen := make(map[int]Split, n)
	for split := Split(0); split < NumSplits; split++ {
		for _, id := range parts[split] {
			prev, dup := seen[id]
			require.False(t, dup, "id %d in both %s and %s", id, prev, split)
			seen[id] = split
		}
	}
	require.Len(t, seen, n, "partition must cover every sample id")

	// Identical inputs reproduce the identical partition.
	again, err := Partition(n, 0.8, 0.1, 0.1, seed)
	require.NoError(t, err)
	assert.Equal(t, parts, again)

	// A different seed produces a different one.
	other, err := Partition(n, 0.8, 0.1, 0.1, seed+1)
	require.NoError(t, err)
	assert.NotEqual(t, parts[Train], other[Train])
}

func TestPartitionRejectsBadPercentages(t *testing.T) {
	_, err := Partition(100, 0.8, 0.1, 0.2, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1.0")

	_, err = Partition(100, 1.2, -0.1, -0.1, 1)
	require.Error(t, err)
}

func TestSplitDatasetOnlyOnce(t *testing.T) {
	feed := New(testStore(10), 0, 1)
	require.NoError(t, feed.SplitDataset(0.8, 0.1, 0.1, 1))
	err := feed.SplitDataset(0.8, 0.1, 0.1, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already split")
}

func TestWithSplitRestores(t *testing.T) {
	feed := New(testStore(10), 0, 1)
	require.NoError(t, feed.SplitDataset(0.8, 0.1, 0.1, 1))
	feed.SwitchToSplit(Train)

	// Normal return.
	require.NoError(t, WithSplit(feed, Validate, func() error {
		assert.Equal(t, Validate, feed.CurrentSplit())
		return nil
	}))
	assert.Equal(t, Train, feed.CurrentSplit())

	// Error return.
	boom := errors.New("boom")
	assert.Equal(t, boom, WithSplit(feed, Test, func() error { return boom }))
	assert.Equal(t, Train, feed.CurrentSplit())

	// Panic propagating out of the body.
	assert.Panics(t, func() {
		_ = WithSplit(feed, Validate, func() error { panic("boom") })
	})
	assert.Equal(t, Train, feed.CurrentSplit())
}

func collectIDs(t *testing.T, feed *Feed, batchSize int) []int {
	t.Helper()
	var ids []int
	for {
		batch, err := feed.Yield(batchSize)
		if err == io.EOF {
			return ids
		}
		require.NoError(t, err)
		for _, sample := range batch {
			ids = append(ids, sample.ID)
		}
	}
}

func TestShardsDisjointAcrossRanksAndReshuffledAcrossEpochs(t *testing.T) {
	const n = 1000
	store := testStore(n)
	rank0 := New(store, 0, 2)
	rank1 := New(store, 1, 2)
	require.NoError(t, rank0.SplitDataset(0.8, 0.1, 0.1, 3631))
	require.NoError(t, rank1.SplitDataset(0.8, 0.1, 0.1, 3631))

	rank0.SetEpoch(0)
	rank1.SetEpoch(0)
	ids0 := collectIDs(t, rank0, 32)
	ids1 := collectIDs(t, rank1, 32)
	assert.Len(t, ids0, 400)
	assert.Len(t, ids1, 400)

	seen := make(map[int]bool, n)
	for _, id := range append(append([]int{}, ids0...), ids1...) {
		require.False(t, seen[id], "id %d assigned to both ranks", id)
		seen[id] = true
	}
	assert.Len(t, seen, 800, "the two shards together must cover the train split")

	// A new epoch presents a different ordering on each rank, still disjoint.
	rank0.SetEpoch(1)
	rank1.SetEpoch(1)
	nextIds0 := collectIDs(t, rank0, 32)
	nextIds1 := collectIDs(t, rank1, 32)
	assert.NotEqual(t, ids0, nextIds0)
	assert.NotEqual(t, ids1, nextIds1)
	nextSeen := make(map[int]bool, n)
	for _, id := range append(append([]int{}, nextIds0...), nextIds1...) {
		require.False(t, nextSeen[id])
		nextSeen[id] = true
	}
	assert.Len(t, nextSeen, 800)
}

func TestYieldBatchingAndReset(t *testing.T) {
	feed := New(testStore(10), 0, 1)
	require.NoError(t, feed.SplitDataset(0.5, 0.3, 0.2, 7))
	feed.SwitchToSplit(Train)
	require.Equal(t, 5, feed.Len())

	first, err := feed.Yield(3)
	require.NoError(t, err)
	assert.Len(t, first, 3)

	// Final batch is partial, not dropped.
	second, err := feed.Yield(3)
	require.NoError(t, err)
	assert.Len(t, second, 2)

	_, err = feed.Yield(3)
	assert.Equal(t, io.EOF, err)

	// Reset rewinds without changing membership or order.
	feed.Reset(Train)
	again, err := feed.Yield(3)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	_, err = feed.Yield(0)
	require.Error(t, err)
}

func TestEmptySplitIsLegal(t *testing.T) {
	feed := New(testStore(10), 0, 1)
	require.NoError(t, feed.SplitDataset(1.0, 0.0, 0.0, 7))
	feed.SwitchToSplit(Validate)
	assert.Equal(t, 0, feed.Len())
	_, err := feed.Yield(4)
	assert.Equal(t, io.EOF, err)
}

func TestCursorsPerSplitIndependent(t *testing.T) {
	feed := New(testStore(20), 0, 1)
	require.NoError(t, feed.SplitDataset(0.5, 0.25, 0.25, 7))

	feed.SwitchToSplit(Train)
	_, err := feed.Yield(4)
	require.NoError(t, err)

	// Draining validate must not disturb the train cursor.
	require.NoError(t, WithSplit(feed, Validate, func() error {
		ids := collectIDs(t, feed, 2)
		assert.Len(t, ids, 5)
		return nil
	}))
	rest := collectIDs(t, feed, 4)
	assert.Len(t, rest, 6, "train cursor should resume after the first batch")
}
