package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/autoid"
	derror "github.com/hanfei1991/streamplace/pkg/errors"
	"github.com/hanfei1991/streamplace/pkg/logutil"
	"github.com/hanfei1991/streamplace/servermaster"
	"github.com/hanfei1991/streamplace/servermaster/storage"
)

type runOptions struct {
	configPath   string
	scenarioPath string
	strategy     string
	accessMode   string
	workers      int
	timeout      time.Duration
}

func (o *runOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "path of the coordinator config file")
	fs.StringVar(&o.scenarioPath, "scenario", "", "path of the YAML scenario to run")
	fs.StringVar(&o.strategy, "strategy", "", "placement strategy, overrides the config file")
	fs.StringVar(&o.accessMode, "access-mode", "", "storage access mode (2pl or occ), overrides the config file")
	fs.IntVar(&o.workers, "workers", 0, "number of amendment workers, overrides the config file")
	fs.DurationVar(&o.timeout, "timeout", time.Minute, "deadline of the whole scenario")
}

// loadConfig reads the config file if any and applies the flag overrides.
func (o *runOptions) loadConfig() (*servermaster.Config, error) {
	cfg := servermaster.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = servermaster.LoadConfig(o.configPath); err != nil {
			return nil, err
		}
	}
	if o.strategy != "" {
		cfg.Placement.Strategy = model.PlacementStrategy(o.strategy)
	}
	if o.accessMode != "" {
		cfg.Storage.AccessMode = storage.AccessMode(o.accessMode)
	}
	if o.workers > 0 {
		cfg.Amendment.WorkerCount = o.workers
	}
	if err := cfg.Adjust(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRunCommand(out io.Writer) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Place the queries of a scenario and print the resulting plans",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.scenarioPath == "" {
				return derror.ErrInvalidConfig.GenWithStackByArgs("--scenario is required")
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := logutil.InitLogger(cfg.Log); err != nil {
				return err
			}
			sc, err := LoadScenario(opts.scenarioPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
			defer cancel()
			return runScenario(ctx, cfg, sc, out)
		},
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

func newConfigCommand(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the default coordinator config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := servermaster.DefaultConfig()
			if err := cfg.Adjust(); err != nil {
				return err
			}
			content, err := cfg.Toml()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(out, content)
			return err
		},
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "placer",
		Short: "Operator placement and plan amendment for shared query plans",
	}
	root.AddCommand(newRunCommand(out), newConfigCommand(out))
	return root
}

// runScenario builds a coordinator whose deployer prints to out, applies
// the scenario and prints the committed plans.
func runScenario(ctx context.Context, cfg *servermaster.Config, sc *Scenario, out io.Writer) error {
	out = &syncWriter{w: out}
	coord, err := servermaster.NewCoordinator(cfg, &printDeployer{out: out})
	if err != nil {
		return err
	}
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := coord.Shutdown(); err != nil {
			log.L().Warn("shutdown coordinator failed", logutil.ShortError(err))
		}
	}()

	r := &runner{coord: coord, alloc: autoid.NewIDAllocator(0), out: out}
	if err := r.run(ctx, sc); err != nil {
		log.L().Error("scenario aborted", zap.Error(err))
		return err
	}
	return nil
}

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
