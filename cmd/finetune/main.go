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

// finetune fine-tunes a text classifier over a CSV corpus, optionally
// across several cooperating processes.
//
// Usage:
//
//	finetune [flags] <data.csv | data.samples>
//
// A first run over a CSV tokenizes it into a .samples store next to the
// source file; later runs reuse the store. Multi-process runs read
// NODE_RANK, WORLD_SIZE, MASTER_ADDR and MASTER_PORT from the environment,
// the same convention used by common training launchers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"

	"github.com/textkit/finetune/pkg/corpus"
	"github.com/textkit/finetune/pkg/datafeed"
	"github.com/textkit/finetune/pkg/devices"
	_ "github.com/textkit/finetune/pkg/devices/cuda"
	"github.com/textkit/finetune/pkg/distributed"
	"github.com/textkit/finetune/pkg/train"
)

var (
	flagText      = flag.String("text", "text", "Name of the CSV column holding the sample text.")
	flagLabels    = flag.String("labels", "label", "Name of the CSV column holding the class label.")
	flagEpochs    = flag.Int("epochs", 3, "Number of train+validate epochs.")
	flagBatchSize = flag.Int("batch_size", 32, "Samples per batch.")
	flagSeqLen    = flag.Int("seq_len", 128, "Token sequence length samples are padded or truncated to.")
	flagLogfile   = flag.String("logfile", "stdout", "Log destination: a file path, or \"stdout\". "+
		"In multi-process runs a file path gets a _rank<N> suffix.")
	flagPrepOnly = flag.Bool("preponly", false, "Only preprocess the CSV into a sample store, then exit.")
	flagLaunch   = flag.Bool("started_from_launch", false,
		"Set by the cluster launcher. Without it an incomplete cluster environment degrades to a single-process run.")
	flagDevice = flag.Int("device", -1, "Accelerator ordinal to use; -1 selects the first free one.")
	flagStrict = flag.Bool("strict_device", false,
		"Fail when no accelerator is free instead of falling back to the CPU.")
	flagSeed = flag.Int64("seed", 3631, "Seed for the dataset partition and per-epoch shuffles.")
)

// The corpus partition used for every run.
const (
	trainPct    = 0.8
	validatePct = 0.1
	testPct     = 0.1
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <data.csv | data%s>\n", os.Args[0], corpus.StoreExt)
		flag.PrintDefaults()
		os.Exit(2)
	}
	err := exceptions.TryCatch[error](func() { run(flag.Arg(0)) })
	if err != nil {
		klog.Exitf("%+v", err)
	}
}

func run(dataPath string) {
	cluster := resolveCluster()
	setupLogging(cluster)
	klog.Infof("Node rank %d of world size %d", cluster.NodeRank, cluster.WorldSize)

	handle := must.M1(devices.Select(*flagDevice, *flagStrict))
	klog.Infof("Computing on %s", handle)

	store := prepareCorpus(dataPath)
	if store == nil {
		return // preprocessing-only run
	}
	logEncoding(store.Encoding)

	coordinator := distributed.New(cluster)
	ctx, cancel := context.WithTimeout(context.Background(), distributed.DefaultRendezvousTimeout)
	defer cancel()
	must.M(coordinator.Rendezvous(ctx))

	feed := datafeed.New(store, cluster.NodeRank, cluster.WorldSize)
	must.M(feed.SplitDataset(trainPct, validatePct, testPct, *flagSeed))

	if cluster.WorldSize > 1 {
		klog.Warning("The bundled logistic model applies gradients locally without cross-rank averaging; " +
			"each rank trains on its own shard")
	}
	model := newLogisticModel(store.VocabSize(), store.NumClasses())
	orchestrator := train.New(train.Config{
		Epochs:       *flagEpochs,
		BatchSize:    *flagBatchSize,
		ArtifactRoot: strings.TrimSuffix(dataPath, filepath.Ext(dataPath)),
		Rank:         cluster.NodeRank,
		ShowProgress: *flagLogfile == "stdout",
	}, model, feed, devices.NewRecorder(handle))
	must.M(orchestrator.Run())
}

// resolveCluster reads the cluster layout from the environment. An
// incomplete environment is fatal only when a launcher started us; a bare
// invocation degrades to a single-process run.
func resolveCluster() distributed.Config {
	cluster, err := distributed.FromEnv()
	if err != nil {
		var confErr *distributed.ConfigurationError
		if errors.As(err, &confErr) && !*flagLaunch {
			klog.V(1).Infof("Cluster environment incomplete (%v), running single process", err)
			return distributed.Config{NodeRank: 0, WorldSize: 1, MasterAddr: "127.0.0.1"}
		}
		must.M(err)
	}
	return cluster.Degrade(*flagLaunch)
}

func setupLogging(cluster distributed.Config) {
	if *flagLogfile == "stdout" {
		return
	}
	path := *flagLogfile
	if cluster.WorldSize > 1 {
		ext := filepath.Ext(path)
		path = fmt.Sprintf("%s_rank%d%s", strings.TrimSuffix(path, ext), cluster.NodeRank, ext)
	}
	must.M(flag.Set("log_file", path))
	must.M(flag.Set("logtostderr", "false"))
	must.M(flag.Set("alsologtostderr", "false"))
}

// prepareCorpus resolves the data path into an opened sample store,
// tokenizing the CSV when no store exists yet. In preprocessing-only mode
// it returns nil after writing the store.
func prepareCorpus(dataPath string) *corpus.Store {
	if strings.EqualFold(filepath.Ext(dataPath), corpus.StoreExt) {
		if *flagPrepOnly {
			exceptions.Panicf("-preponly given, but %q is already a preprocessed sample store", dataPath)
		}
		return must.M1(corpus.Open(dataPath))
	}
	storePath := corpus.StorePath(dataPath)
	_, statErr := os.Stat(storePath)
	storeExists := statErr == nil

	if *flagPrepOnly {
		if storeExists {
			exceptions.Panicf("-preponly given, but preprocessed store %q already exists", storePath)
		}
		store := must.M1(corpus.Create(dataPath, corpus.DefaultLabelEncoding(), *flagText, *flagLabels, *flagSeqLen))
		klog.Infof("Preprocessed %d samples into %s", store.Len(), storePath)
		return nil
	}
	if storeExists {
		klog.Infof("Reusing preprocessed store %s", storePath)
		return must.M1(corpus.Open(storePath))
	}
	return must.M1(corpus.Create(dataPath, corpus.DefaultLabelEncoding(), *flagText, *flagLabels, *flagSeqLen))
}

func logEncoding(encoding corpus.LabelEncoding) {
	names := maps.Keys(encoding)
	slices.Sort(names)
	klog.V(1).Infof("Label classes: %v", names)
}
