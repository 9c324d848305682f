package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vgpastor/bulkimport/internal/config"
	"github.com/vgpastor/bulkimport/internal/logging"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "bulkimportd",
		Short: "bulk import engine demo daemon",
		Long:  banner + "\n\nDrives bulkimport jobs from local CSV files and exposes a status/control HTTP API.",
	}

	runCmd = &cobra.Command{
		Use:   "run [file]",
		Short: "run a local (single-process) import job to completion",
		Args:  cobra.ExactArgs(1),
		RunE:  runLocal,
	}

	workerCmd = &cobra.Command{
		Use:   "worker [file]",
		Short: "prepare a job and drain it with N in-process distributed workers",
		Args:  cobra.ExactArgs(1),
		RunE:  runDistributed,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run:   runVersion,
	}
)

const banner = `
 _           _ _    _                            _
| |__  _   _| | | _(_)_ __ ___  _ __   ___  _ __| |_
| '_ \| | | | | |/ / | '_ \ _ \| '_ \ / _ \| '__| __|
| |_) | |_| | |   <| | | | | | | |_) | (_) | |  | |_
|_.__/ \__,_|_|_|\_\_|_| |_| |_| .__/ \___/|_|   \__|
                                |_|`

func main() {
	if err := execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	initCommands()
	return rootCmd.Execute()
}

func initCommands() {
	rootCmd.AddCommand(runCmd, workerCmd, versionCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (defaults built-in if omitted)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "enable pretty console logging")
	rootCmd.PersistentFlags().String("listen-addr", "", "status/control API listen address")
	rootCmd.PersistentFlags().Bool("metrics", false, "enable the Prometheus /metrics endpoint")
	rootCmd.PersistentFlags().Bool("distributed", false, "use the distributed claim/finalize protocol")

	workerCmd.Flags().Int("workers", 4, "number of in-process distributed workers")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.Default()
	}
	applyFlags(cmd, cfg)
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flag("log-level").Changed {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flag("log-pretty").Changed {
		cfg.Log.Pretty, _ = cmd.Flags().GetBool("log-pretty")
	}
	if cmd.Flag("listen-addr").Changed {
		cfg.API.ListenAddr, _ = cmd.Flags().GetString("listen-addr")
	}
	if cmd.Flag("metrics").Changed {
		cfg.Metrics.Enabled, _ = cmd.Flags().GetBool("metrics")
	}
	if cmd.Flag("distributed").Changed {
		cfg.Distributed.Enabled, _ = cmd.Flags().GetBool("distributed")
	}
}

func runLocal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Distributed.Enabled {
		return runDistributed(cmd, args)
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Pretty)
	log.Info().Str("source", args[0]).Msg("starting local import run")

	ctx, cancel := WaitForSignal(cmd.Context())
	defer cancel()

	app := NewApp(cfg, log)
	return app.Run(ctx, runOptions{sourcePath: args[0]})
}

func runDistributed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Distributed.Enabled = true
	log := logging.New(cfg.Log.Level, cfg.Log.Pretty)

	workers, _ := cmd.Flags().GetInt("workers")
	log.Info().Str("source", args[0]).Int("workers", workers).Msg("starting distributed import run")

	ctx, cancel := WaitForSignal(cmd.Context())
	defer cancel()

	app := NewApp(cfg, log)
	return app.RunDistributed(ctx, runOptions{sourcePath: args[0], distributed: true, workerCount: workers})
}

func runVersion(*cobra.Command, []string) {
	fmt.Println(banner)
	fmt.Println()
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
