package cmd

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/comms-replay/comms-replay/replay"
	"github.com/comms-replay/comms-replay/replay/backend"
)

var (
	configPath string
	params     = replay.DefaultParams()
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replay a comms trace against the configured backend",
	Run: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			base, err := replay.LoadParams(configPath)
			if err != nil {
				logrus.Fatalf("Invalid config file: %v", err)
			}
			params = mergeParams(cmd, params, base)
		}
		if err := params.Validate(); err != nil {
			logrus.Fatalf("Invalid arguments: %v", err)
		}

		world := backend.WorldInfoFromEnv()
		ctx := context.Background()

		if params.DryRun {
			// analysis only: rank 0 reads and summarizes, no backend comes up
			world.GlobalRank = 0
			if err := replay.New(params, world, nil).Run(ctx); err != nil {
				logrus.Fatalf("Dry run failed: %v", err)
			}
			return
		}

		fabric, err := backend.NewFabricForStack(params.Backend, world.WorldSize)
		if err != nil {
			logrus.Fatalf("Backend init failed: %v", err)
		}

		// every rank of the world runs in this process, one engine each,
		// meeting on the shared fabric
		g, gctx := errgroup.WithContext(ctx)
		for rank := 0; rank < world.WorldSize; rank++ {
			info := world
			info.GlobalRank = rank
			info.LocalRank = rank
			g.Go(func() error {
				return replay.New(params, info, fabric.NewBackend(info)).Run(gctx)
			})
		}
		if err := g.Wait(); err != nil {
			logrus.Fatalf("Replay failed: %v", err)
		}
		logrus.Info("Replay complete.")
	},
}

// mergeParams overlays explicitly passed flags on top of config-file values.
func mergeParams(cmd *cobra.Command, flagVals, base replay.Params) replay.Params {
	merged := base
	flags := cmd.Flags()
	if flags.Changed("trace-path") {
		merged.TracePath = flagVals.TracePath
	}
	if flags.Changed("use-one-trace") {
		merged.UseOneTrace = flagVals.UseOneTrace
	}
	if flags.Changed("dry-run") {
		merged.DryRun = flagVals.DryRun
	}
	if flags.Changed("auto-shrink") {
		merged.AutoShrink = flagVals.AutoShrink
	}
	if flags.Changed("max-msg-cnt") {
		merged.MaxMsgCnt = flagVals.MaxMsgCnt
	}
	if flags.Changed("do-warm-up") {
		merged.DoWarmUp = flagVals.DoWarmUp
	}
	if flags.Changed("allow-ops") {
		merged.AllowOps = flagVals.AllowOps
	}
	if flags.Changed("output-path") {
		merged.OutputPath = flagVals.OutputPath
	}
	if flags.Changed("colls-per-batch") {
		merged.CollsPerBatch = flagVals.CollsPerBatch
	}
	if flags.Changed("use-timestamp") {
		merged.UseTimestamp = flagVals.UseTimestamp
	}
	if flags.Changed("rebalance-policy") {
		merged.RebalancePolicy = flagVals.RebalancePolicy
	}
	if flags.Changed("num-replays") {
		merged.NumReplays = flagVals.NumReplays
	}
	if flags.Changed("blocking") {
		merged.Blocking = flagVals.Blocking
	}
	if flags.Changed("dcheck") {
		merged.DCheck = flagVals.DCheck
	}
	if flags.Changed("backend") {
		merged.Backend = flagVals.Backend
	}
	return merged
}

func init() {
	runCmd.Flags().StringVar(&params.TracePath, "trace-path", params.TracePath,
		"File path to read the trace. All ranks read their own trace file unless --use-one-trace is used")
	runCmd.Flags().BoolVar(&params.UseOneTrace, "use-one-trace", params.UseOneTrace,
		"Toggle to use only one trace for all ranks")
	runCmd.Flags().BoolVar(&params.DryRun, "dry-run", params.DryRun,
		"Toggle to only analyze the trace without actually replaying collectives")
	runCmd.Flags().BoolVar(&params.AutoShrink, "auto-shrink", params.AutoShrink,
		"Toggle to shrink message sizes when they do not match the current scale")
	runCmd.Flags().IntVar(&params.MaxMsgCnt, "max-msg-cnt", params.MaxMsgCnt,
		"Only replay the first N operations (0 means no limit)")
	runCmd.Flags().BoolVar(&params.DoWarmUp, "do-warm-up", params.DoWarmUp,
		"Toggle to perform an extra unmeasured replay for warm-up")
	runCmd.Flags().StringVar(&params.AllowOps, "allow-ops", params.AllowOps,
		"Comma-separated collectives to replay, e.g. all_reduce,all_to_allv,wait; unknown names are ignored")
	runCmd.Flags().StringVar(&params.OutputPath, "output-path", params.OutputPath,
		"Where to write the replayed trace for post analysis; empty string skips output")
	runCmd.Flags().IntVar(&params.CollsPerBatch, "colls-per-batch", params.CollsPerBatch,
		"Number of consecutive collectives in a batch; also enables per-batch latency stats")
	runCmd.Flags().BoolVar(&params.UseTimestamp, "use-timestamp", params.UseTimestamp,
		"Toggle to pace dispatches to captured timestamps")
	runCmd.Flags().StringVar(&params.RebalancePolicy, "rebalance-policy", params.RebalancePolicy,
		"Balancing policy for all_to_allv splits, applied during warm-up. Supported: equal")
	runCmd.Flags().IntVar(&params.NumReplays, "num-replays", params.NumReplays,
		"Number of times to replay the trace, for more accurate replay of small traces")
	runCmd.Flags().BoolVar(&params.Blocking, "blocking", params.Blocking,
		"Replay collectives as blocking ops; disable for non-blocking replay")
	runCmd.Flags().BoolVar(&params.DCheck, "dcheck", params.DCheck,
		"Validate output buffers after blocking collectives")
	runCmd.Flags().StringVar(&params.Backend, "backend", params.Backend,
		"Communication stack to replay against")
	runCmd.Flags().StringVar(&configPath, "config", "",
		"Optional YAML file with replay parameters; explicit flags win")

	rootCmd.AddCommand(runCmd)
}
