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

// Package corpus turns a raw CSV corpus into indexed, persisted training
// samples: fixed-length token-id sequences with attention masks and encoded
// labels.
//
// Creating a Store is expensive (tokenization of the whole corpus), so the
// result is persisted next to the source file as a gob-encoded ".samples"
// file and can be reopened cheaply on later runs -- including by every rank
// of a multi-process run.
package corpus

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/textkit/finetune/internal/workerpool"
)

// StoreExt is the file extension of a persisted Store.
const StoreExt = ".samples"

// reTokens captures what is considered a token.
var reTokens = regexp.MustCompile("[[:word:]]+")

// DataError reports that the corpus store could not be constructed. It is
// not recoverable and always wraps the underlying cause.
type DataError struct {
	Path  string
	Cause error
}

// Error implements the error interface.
func (e *DataError) Error() string {
	return "could not create dataset from " + e.Path + ": " + e.Cause.Error()
}

// Unwrap exposes the underlying cause.
func (e *DataError) Unwrap() error { return e.Cause }

// LabelEncoding maps the label column's string values to class ids.
type LabelEncoding map[string]int32

// DefaultLabelEncoding covers the common binary case of "0"/"1" labels.
func DefaultLabelEncoding() LabelEncoding {
	return LabelEncoding{"0": 0, "1": 1}
}

// Sample is one tokenized corpus entry. Immutable once read.
type Sample struct {
	// ID is the sample's index in the store.
	ID int

	// TokenIDs is the fixed-length token-id sequence, zero-padded.
	TokenIDs []int32

	// AttentionMask is 1 for real tokens, 0 for padding.
	AttentionMask []int8

	// Label is the encoded class.
	Label int32
}

// Vocab maps tokens to ids. Id 0 is reserved for padding.
type Vocab struct {
	TokenIDs map[string]int32
}

// newVocab reserves id 0 for the padding token.
func newVocab() *Vocab {
	return &Vocab{TokenIDs: map[string]int32{"<PAD>": 0}}
}

// register returns the id for token, assigning the next free id to tokens
// seen for the first time.
func (v *Vocab) register(token string) int32 {
	if id, found := v.TokenIDs[token]; found {
		return id
	}
	id := int32(len(v.TokenIDs))
	v.TokenIDs[token] = id
	return id
}

// Store holds the whole tokenized corpus.
type Store struct {
	Samples []Sample

	// Encoding and its inverse (class id -> label string), kept so
	// predictions can be reported in the original label vocabulary.
	Encoding      LabelEncoding
	InverseLabels map[int32]string

	SeqLen int
	Vocab  *Vocab
}

// Len returns the number of samples.
func (s *Store) Len() int { return len(s.Samples) }

// Sample returns the sample with the given id.
func (s *Store) Sample(id int) Sample { return s.Samples[id] }

// NumClasses returns the number of distinct labels in the encoding.
func (s *Store) NumClasses() int { return len(s.Encoding) }

// VocabSize returns the number of distinct token ids (padding included).
func (s *Store) VocabSize() int { return len(s.Vocab.TokenIDs) }

// StorePath returns the persisted-store path corresponding to a source
// path: same root, StoreExt extension.
func StorePath(sourcePath string) string {
	ext := filepath.Ext(sourcePath)
	return sourcePath[:len(sourcePath)-len(ext)] + StoreExt
}

// splitTokens lowercases text and splits it into word tokens, truncated to
// seqLen.
func splitTokens(text string, seqLen int) []string {
	return reTokens.FindAllString(strings.ToLower(text), seqLen)
}

// encode converts pre-registered tokens into a fixed-length id sequence
// plus attention mask, zero-padded to seqLen. The vocabulary is only read,
// so encode is safe to run concurrently.
func encode(tokens []string, vocab *Vocab, seqLen int) (ids []int32, mask []int8) {
	ids = make([]int32, seqLen)
	mask = make([]int8, seqLen)
	for pos, token := range tokens {
		ids[pos] = vocab.TokenIDs[token]
		mask[pos] = 1
	}
	return ids, mask
}

// Create reads the CSV corpus at csvPath, tokenizes the text column into
// fixed-length samples with the labels encoded per enc, persists the result
// next to the source (see StorePath) and returns the Store.
//
// Construction failures are not recoverable and are reported as a
// *DataError wrapping the cause.
func Create(csvPath string, enc LabelEncoding, textCol, labelCol string, seqLen int) (*Store, error) {
	store, err := create(csvPath, enc, textCol, labelCol, seqLen)
	if err != nil {
		return nil, &DataError{Path: csvPath, Cause: err}
	}
	return store, nil
}

func create(csvPath string, enc LabelEncoding, textCol, labelCol string, seqLen int) (*Store, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open corpus file")
	}
	defer func() { _ = f.Close() }()

	df := dataframe.ReadCSV(f, dataframe.HasHeader(true))
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "failed to parse CSV")
	}
	texts := df.Col(textCol)
	if texts.Err != nil {
		return nil, errors.Wrapf(texts.Err, "missing text column %q", textCol)
	}
	labels := df.Col(labelCol)
	if labels.Err != nil {
		return nil, errors.Wrapf(labels.Err, "missing label column %q", labelCol)
	}

	store := &Store{
		Encoding:      enc,
		InverseLabels: make(map[int32]string, len(enc)),
		SeqLen:        seqLen,
		Vocab:         newVocab(),
	}
	for label, class := range enc {
		store.InverseLabels[class] = label
	}

	// Vocabulary registration is serial so token ids depend only on the
	// corpus order; encoding the fixed-length samples then fans out.
	textRecords := texts.Records()
	labelRecords := labels.Records()
	rowTokens := make([][]string, len(textRecords))
	store.Samples = make([]Sample, len(textRecords))
	for row, text := range textRecords {
		label := strings.TrimSpace(labelRecords[row])
		class, found := enc[label]
		if !found {
			return nil, errors.Errorf("row %d: label %q is not in the label encoding %v", row, label, enc)
		}
		rowTokens[row] = splitTokens(text, seqLen)
		for _, token := range rowTokens[row] {
			store.Vocab.register(token)
		}
		store.Samples[row] = Sample{ID: row, Label: class}
	}
	pool := workerpool.New(0)
	for row := range store.Samples {
		row := row
		pool.Go(func() {
			ids, mask := encode(rowTokens[row], store.Vocab, seqLen)
			store.Samples[row].TokenIDs = ids
			store.Samples[row].AttentionMask = mask
		})
	}
	pool.Wait()

	if err := store.save(StorePath(csvPath)); err != nil {
		return nil, err
	}
	klog.Infof("Tokenized %d samples (%d unique tokens) into %q",
		store.Len(), store.VocabSize(), StorePath(csvPath))
	return store, nil
}

// save persists the store as a gob file.
func (s *Store) save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create store file %q", path)
	}
	closed := false
	defer func() {
		if !closed {
			_ = f.Close()
		}
	}()
	if err := gob.NewEncoder(f).Encode(s); err != nil {
		return errors.Wrapf(err, "failed to write store file %q", path)
	}
	closed = true
	return errors.Wrapf(f.Close(), "failed to close store file %q", path)
}

// Open loads a previously persisted Store.
func Open(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DataError{Path: path, Cause: err}
	}
	defer func() { _ = f.Close() }()
	store := &Store{}
	if err := gob.NewDecoder(f).Decode(store); err != nil {
		return nil, &DataError{Path: path, Cause: errors.Wrap(err, "failed to decode store")}
	}
	return store, nil
}
