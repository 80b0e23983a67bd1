// deviceflow runs the device agent: it connects the device to the platform,
// announces the loaded modules and dispatches operations until interrupted.
//
// Settings come from a YAML file (--config) with DEVICEFLOW_<SECTION>_<KEY>
// environment overrides. Configuration operations received from the
// platform are written back to the same file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/drblury/deviceflow/internal/runtime"
	"github.com/drblury/deviceflow/internal/runtime/config"
	"github.com/drblury/deviceflow/internal/runtime/logging"
	_ "github.com/drblury/deviceflow/modules/builtin"
	_ "github.com/drblury/deviceflow/transport/transports"
)

const defaultConfigPath = "/etc/deviceflow/deviceflow.yaml"

var version = "dev"

type options struct {
	configPath   string
	logLevel     string
	stopTimeout  time.Duration
	printConfig  bool
	printVersion bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("deviceflow", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to the agent configuration file")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flagSet.DurationVar(&opts.stopTimeout, "stop-timeout", 10*time.Second, "time allowed for a graceful stop")
	flagSet.BoolVar(&opts.printConfig, "print-config", false, "print the effective configuration and exit")
	flagSet.BoolVar(&opts.printVersion, "version", false, "print the version and exit")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", args)
	}
	return opts, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if opts.printVersion {
		fmt.Println("deviceflow", version)
		return nil
	}

	level, err := logging.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	log := logging.NewTextLogger(os.Stderr, level)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.printConfig {
		fmt.Print(cfg.Render())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent, err := runtime.NewAgent(ctx, config.NewStore(opts.configPath, cfg), log, runtime.AgentDependencies{})
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- agent.Run(ctx) }()

	select {
	case err = <-runErr:
	case <-ctx.Done():
		log.Info("Shutdown requested", nil)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), opts.stopTimeout)
	defer cancel()
	return errors.Join(err, agent.Stop(stopCtx))
}
