package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/NodePath81/fbquality/internal/app"
	"github.com/NodePath81/fbquality/internal/config"
	"github.com/NodePath81/fbquality/internal/session"
	"github.com/NodePath81/fbquality/internal/util"
	"github.com/NodePath81/fbquality/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runCmd := flag.NewFlagSet("run", flag.ExitOnError)
			configPath := runCmd.String("config", "config.yaml", "Path to config file")
			_ = runCmd.Parse(os.Args[2:])
			if *configPath == "config.yaml" && runCmd.NArg() > 0 {
				*configPath = runCmd.Arg(0)
			}
			runServer(*configPath)
			return
		case "check":
			checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
			configPath := checkCmd.String("config", "config.yaml", "Path to config file")
			_ = checkCmd.Parse(os.Args[2:])
			if *configPath == "config.yaml" && checkCmd.NArg() > 0 {
				*configPath = checkCmd.Arg(0)
			}
			checkConfig(*configPath)
			return
		case "measure":
			measureCmd := flag.NewFlagSet("measure", flag.ExitOnError)
			configPath := measureCmd.String("config", "", "Path to config file (optional)")
			mode := measureCmd.String("mode", "", "standard or stability")
			regionID := measureCmd.String("region", "", "Region id to probe")
			label := measureCmd.String("label", "", "Label for the saved result")
			asJSON := measureCmd.Bool("json", false, "Print the full result as JSON")
			_ = measureCmd.Parse(os.Args[2:])
			measure(*configPath, *mode, *regionID, *label, *asJSON)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}

	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()
	if *configPath == "config.yaml" && len(flag.Args()) > 0 {
		*configPath = flag.Arg(0)
	}
	runServer(*configPath)
}

func runServer(configPath string) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		util.NewLogger().Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := util.NewLoggerWithLevel(cfg.Logging.Level)
	supervisor := app.NewSupervisor(configPath, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown requested")
	supervisor.Stop()
}

func checkConfig(path string) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config valid: %d regions, %s probes, control %s\n", len(cfg.Regions), cfg.Probe.Transport, enabledString(cfg.Control.IsEnabled()))
	os.Exit(0)
}

func measure(configPath, rawMode, regionID, label string, asJSON bool) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	var mode session.Mode
	if rawMode != "" {
		parsed, err := session.ParseMode(rawMode)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		mode = parsed
	}
	logger := util.NewLoggerWithLevel(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	res, err := app.RunOnce(ctx, cfg, app.RunOptions{
		Mode:   mode,
		Region: regionID,
		Label:  label,
		Logger: logger,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("measurement failed", "error", err)
		os.Exit(1)
	}
	if err != nil {
		logger.Warn("measurement interrupted, partial result follows")
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
		return
	}
	printResult(res)
}

func printResult(res session.Result) {
	st := res.Stats
	fmt.Printf("%s (%s, %s)\n", res.Label, res.Region.Label, res.Mode)
	fmt.Printf("  grade        %s  score %.1f\n", st.Grade, st.Score)
	fmt.Printf("  verdict      %s\n", res.Verdict())
	fmt.Printf("  latency      avg %.1f ms  min %.1f  max %.1f  p90 %.1f  p99 %.1f\n", st.Avg, st.Min, st.Max, st.P90, st.P99)
	fmt.Printf("  jitter       %.1f ms  spikes %d\n", st.AvgJitter, st.Spikes)
	fmt.Printf("  packet loss  %.1f%% (%d/%d)\n", st.PacketLoss, st.FailedPings, st.TotalPings)
	fmt.Printf("  throughput   avg %.1f Mbps  min %.1f  max %.1f  stability %.0f%%\n", st.AvgSpeed, st.MinSpeed, st.MaxSpeed, st.SpeedStability)
	fmt.Printf("  recommended  %.1f Mbps\n", st.RecommendedBitrate)
}

func enabledString(v bool) string {
	if v {
		return "enabled"
	}
	return "disabled"
}

func printHelp() {
	fmt.Print(`fbquality - network quality measurement service

Usage:
  fbquality run --config <path>       Start the control server
  fbquality check --config <path>     Validate config file
  fbquality measure [flags]           Run one test and print the result
      --config <path>                 Optional config file
      --mode standard|stability
      --region <id>
      --label <text>
      --json
  fbquality help                      Show this help
  fbquality version                   Print version

Legacy:
  fbquality --config <path>
  fbquality <config-path>
`)
}
