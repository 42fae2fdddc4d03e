// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ddptrain trains a linear regression model with synchronized data parallelism over a group of processes.
//
// Start one process per rank with a launcher (e.g. torchrun) that sets RANK, LOCAL_RANK, WORLD_SIZE,
// MASTER_ADDR and MASTER_PORT. Rank 0 hosts the rendezvous on MASTER_PORT and writes the snapshot;
// restarting all ranks resumes the training from it.
//
// Example, 2 ranks on the local machine:
//
//	for r in 0 1; do
//	  RANK=$r LOCAL_RANK=$r WORLD_SIZE=2 MASTER_ADDR=127.0.0.1 MASTER_PORT=29500 \
//	    ddptrain -epochs=10 -save_every=2 -snapshot=/tmp/ddp/snapshot.bin &
//	done
//
// The process exits with 0 on success, or with a distinct code per kind of error, see train.ExitCode.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gomlx/ddp/internal/telemetry"
	"github.com/gomlx/ddp/pkg/distributed/collective"
	"github.com/gomlx/ddp/pkg/distributed/partition"
	"github.com/gomlx/ddp/pkg/ml/datasets"
	"github.com/gomlx/ddp/pkg/ml/models/linear"
	"github.com/gomlx/ddp/pkg/ml/snapshot"
	"github.com/gomlx/ddp/pkg/ml/train"
	"github.com/gomlx/ddp/pkg/ml/train/history"
	"github.com/gomlx/ddp/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Shape of the synthetic dataset used when -data is not given.
const (
	syntheticExamples = 2048
	syntheticFeatures = 20
	syntheticNoise    = 0.1
)

var (
	defaults = train.DefaultConfig()

	flagSnapshot = flag.String("snapshot", defaults.SnapshotPath,
		"Path of the snapshot file, read and written only by rank 0.")
	flagSnapshotCompression = flag.String("snapshot_compression", snapshot.Gzip.String(),
		"Compression of the snapshot file: \"gzip\" or \"none\".")
	flagEpochs      = flag.Int("epochs", defaults.TotalEpochs, "Total number of epochs to train, including resumed ones.")
	flagSaveEvery   = flag.Int("save_every", defaults.CheckpointCadenceEpochs, "Number of epochs between snapshots.")
	flagBatchSize   = flag.Int("batch_size", defaults.BatchSize, "Batch size per rank.")
	flagJoinTimeout = flag.Duration("join_timeout", defaults.JoinTimeout,
		"How long to wait for all ranks to join the group.")
	flagTimeout = flag.Duration("timeout", defaults.CollectiveTimeout, "Timeout of each collective operation.")
	flagSeed    = flag.Int64("seed", 0,
		"Base seed of the per-epoch shuffling, and of the synthetic dataset. Must be the same on all ranks.")
	flagShuffle   = flag.Bool("shuffle", defaults.Shuffle, "Shuffle the dataset every epoch.")
	flagDropLast  = flag.Bool("drop_last", false, "Drop the tail of the dataset instead of padding the shards.")
	flagWorldSize = flag.Int("world_size", 0,
		"Expected world size. If > 0, it must match the launcher's WORLD_SIZE.")
	flagData = flag.String("data", "",
		fmt.Sprintf("CSV file with the dataset. If empty, a synthetic dataset of %d examples with %d features is used.",
			syntheticExamples, syntheticFeatures))
	flagTarget      = flag.String("target", "target", "Name of the target column in the -data CSV file.")
	flagLR          = flag.Float64("lr", linear.DefaultConfig().LearningRate, "Learning rate.")
	flagMomentum    = flag.Float64("momentum", linear.DefaultConfig().Momentum, "SGD momentum.")
	flagCompression = flag.String("compression", defaults.Compression.String(),
		"Compression of the gradients exchanged every step: \"none\" or \"float16\".")
	flagMetricsAddr = flag.String("metrics_addr", "", "If set, serve Prometheus metrics at http://<addr>/metrics.")
	flagProgress    = flag.Bool("progress", false, "Display a progress bar on rank 0.")
	flagHistory     = flag.String("history", "",
		"If set, rank 0 records epochs and snapshots in a LevelDB ledger at this path. See ddp_snapshot -history.")
	flagSet = flag.String("set", "",
		"Extra training settings, in the format \"key1=value1;key2=value2\", or \"file:<path>\". "+
			"Applied after the other flags.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	os.Exit(run())
}

// configFromFlags builds the training configuration.
func configFromFlags() (train.Config, error) {
	cfg := train.DefaultConfig()
	cfg.SnapshotPath = *flagSnapshot
	cfg.TotalEpochs = *flagEpochs
	cfg.CheckpointCadenceEpochs = *flagSaveEvery
	cfg.BatchSize = *flagBatchSize
	cfg.JoinTimeout = *flagJoinTimeout
	cfg.CollectiveTimeout = *flagTimeout
	cfg.ShuffleSeedBase = *flagSeed
	cfg.Shuffle = *flagShuffle
	cfg.WorldSize = *flagWorldSize
	if *flagDropLast {
		cfg.PartitionPolicy = partition.PolicyDropRemainder
	}
	var err error
	cfg.Compression, err = collective.ParseCompression(*flagCompression)
	if err != nil {
		return cfg, flagError("compression", err)
	}
	if err = train.ParseSettings(&cfg, *flagSet); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func loadDataset() (*datasets.InMemory, error) {
	if *flagData == "" {
		ds, _, _ := datasets.Synthetic(syntheticExamples, syntheticFeatures, syntheticNoise, *flagSeed)
		return ds, nil
	}
	return datasets.ReadCSV(*flagData, *flagTarget)
}

func run() int {
	cfg, err := configFromFlags()
	if err != nil {
		return fail(err)
	}
	ds, err := loadDataset()
	if err != nil {
		return fail(flagError("data", err))
	}
	model, err := linear.New(ds.NumFeatures(), linear.Config{LearningRate: *flagLR, Momentum: *flagMomentum})
	if err != nil {
		return fail(flagError("model", err))
	}
	compression, err := snapshot.ParseCompression(*flagSnapshotCompression)
	if err != nil {
		return fail(flagError("snapshot_compression", err))
	}
	store, err := snapshot.New(cfg.SnapshotPath, snapshot.WithCompression(compression))
	if err != nil {
		return fail(err)
	}

	trainer, err := train.Build(model, ds).Config(cfg).SnapshotStore(store).Done()
	if err != nil {
		return fail(err)
	}
	id := trainer.Identity()
	klog.Infof("[%s] training %s on %s: %s", id, model, ds, cfg)

	if *flagMetricsAddr != "" {
		exporter, err := telemetry.NewExporter(*flagMetricsAddr)
		if err != nil {
			return fail(flagError("metrics_addr", err))
		}
		exporter.Start()
		defer func() {
			if err := exporter.Stop(5 * time.Second); err != nil {
				klog.Warningf("[%s] stopping metrics exporter: %v", id, err)
			}
		}()
	}
	if *flagHistory != "" && id.IsMain() {
		ledger, err := history.Open(*flagHistory)
		if err != nil {
			return fail(flagError("history", err))
		}
		defer func() {
			if err := ledger.Close(); err != nil {
				klog.Warningf("[%s] %v", id, err)
			}
		}()
		history.Attach(trainer, ledger)
	}
	if *flagProgress {
		commandline.AttachProgressBar(trainer)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	_, err = trainer.Run(ctx)
	if id.IsMain() {
		must.M(commandline.ReportRun(os.Stdout, trainer, err))
	}
	if err != nil {
		return fail(err)
	}
	return 0
}

// flagError reports a failure caused by the value of a flag as a configuration error.
func flagError(name string, err error) error {
	return errors.WithStack(&train.ConfigError{Field: name, Reason: err.Error()})
}

// fail logs the error and returns the exit code for it.
func fail(err error) int {
	klog.Errorf("%s error: %+v", train.ErrorKind(err), err)
	fmt.Fprintf(os.Stderr, "ddptrain failed (%s): %v\n", train.ErrorKind(err), err)
	return train.ExitCode(err)
}
