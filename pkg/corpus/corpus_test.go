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

package corpus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corpus.csv")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

const smallCSV = `text,label
"The movie was great, truly great",1
"what a terrible terrible film",0
"great",1
`

func TestCreate(t *testing.T) {
	path := writeCSV(t, smallCSV)
	store, err := Create(path, DefaultLabelEncoding(), "text", "label", 8)
	require.NoError(t, err)

	require.Equal(t, 3, store.Len())
	assert.Equal(t, 2, store.NumClasses())

	first := store.Sample(0)
	assert.Equal(t, 0, first.ID)
	assert.Equal(t, int32(1), first.Label)
	require.Len(t, first.TokenIDs, 8)
	require.Len(t, first.AttentionMask, 8)
	// "the movie was great truly great" = 6 tokens, then padding.
	assert.Equal(t, []int8{1, 1, 1, 1, 1, 1, 0, 0}, first.AttentionMask)
	assert.Zero(t, first.TokenIDs[6])

	// Same token gets the same id everywhere: "great" appears in samples 0 and 2.
	third := store.Sample(2)
	assert.Equal(t, first.TokenIDs[3], third.TokenIDs[0])
	assert.Equal(t, int32(0), store.Sample(1).Label)

	// The store was persisted next to the CSV.
	assert.FileExists(t, StorePath(path))
}

func TestCreateTruncates(t *testing.T) {
	path := writeCSV(t, "text,label\n\"one two three four five\",1\n")
	store, err := Create(path, DefaultLabelEncoding(), "text", "label", 3)
	require.NoError(t, err)
	sample := store.Sample(0)
	assert.Equal(t, []int8{1, 1, 1}, sample.AttentionMask)
	require.Len(t, sample.TokenIDs, 3)
	for _, id := range sample.TokenIDs {
		assert.NotZero(t, id)
	}
}

func TestCreateMissingColumn(t *testing.T) {
	path := writeCSV(t, smallCSV)
	_, err := Create(path, DefaultLabelEncoding(), "body", "label", 8)
	require.Error(t, err)
	var dataErr *DataError
	require.True(t, errors.As(err, &dataErr))
	assert.Contains(t, dataErr.Error(), "body")
}

func TestCreateUnknownLabel(t *testing.T) {
	path := writeCSV(t, "text,label\nhello world,maybe\n")
	_, err := Create(path, DefaultLabelEncoding(), "text", "label", 8)
	var dataErr *DataError
	require.True(t, errors.As(err, &dataErr))
	assert.Contains(t, dataErr.Error(), "maybe")
}

func TestCreateMissingFile(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "nope.csv"), DefaultLabelEncoding(), "text", "label", 8)
	var dataErr *DataError
	require.True(t, errors.As(err, &dataErr))
}

func TestOpenRoundtrip(t *testing.T) {
	path := writeCSV(t, smallCSV)
	created, err := Create(path, DefaultLabelEncoding(), "text", "label", 8)
	require.NoError(t, err)

	opened, err := Open(StorePath(path))
	require.NoError(t, err)
	assert.Equal(t, created.Len(), opened.Len())
	assert.Equal(t, created.SeqLen, opened.SeqLen)
	assert.Equal(t, created.Samples, opened.Samples)
	assert.Equal(t, "1", opened.InverseLabels[1])
}

func TestStorePath(t *testing.T) {
	assert.Equal(t, "/data/ads.samples", StorePath("/data/ads.csv"))
	assert.Equal(t, "ads.samples", StorePath("ads.samples"))
}
