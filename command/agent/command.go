// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/go-hclog"
	"github.com/posener/complete"

	"github.com/modroll/modroll/version"
)

// Command is the `modroll agent` CLI command. It parses flags and config
// files, starts the agent and blocks until a shutdown signal arrives.
type Command struct {
	Ui      cli.Ui
	Version *version.VersionInfo

	// ShutdownCh, when closed, triggers a graceful shutdown. Used by tests;
	// the default is signal-driven.
	ShutdownCh <-chan struct{}

	args []string
}

func (c *Command) readConfig() *Config {
	var dev bool
	var configPaths []string
	cmdConfig := &Config{
		HTTP: &HTTPConfig{},
	}

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Error(c.Help()) }

	flags.BoolVar(&dev, "dev", false, "")
	flags.Var((*flaggedStrings)(&configPaths), "config", "")
	flags.StringVar(&cmdConfig.LogLevel, "log-level", "", "")
	flags.BoolVar(&cmdConfig.LogJSON, "log-json", false, "")
	flags.StringVar(&cmdConfig.HTTP.Address, "bind", "", "")

	if err := flags.Parse(c.args); err != nil {
		return nil
	}

	config := DefaultConfig()
	if dev {
		config = DevConfig()
	}

	for _, path := range configPaths {
		fileConfig, err := LoadConfig(path)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error loading configuration from %s: %s", path, err))
			return nil
		}
		config = config.Merge(fileConfig)
	}
	config = config.Merge(cmdConfig)

	if err := config.Validate(); err != nil {
		c.Ui.Error(fmt.Sprintf("Invalid configuration: %s", err))
		return nil
	}
	return config
}

func (c *Command) Run(args []string) int {
	c.args = args
	config := c.readConfig()
	if config == nil {
		return 1
	}

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       "modroll",
		Level:      hclog.LevelFromString(config.LogLevel),
		JSONFormat: config.LogJSON,
		Output:     os.Stderr,
	})

	c.Ui.Output(fmt.Sprintf("Starting modroll agent %s", c.Version.VersionNumber()))

	agent, err := NewAgent(config, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting agent: %s", err))
		return 1
	}
	defer agent.Shutdown()

	c.Ui.Output(fmt.Sprintf("HTTP API available at http://%s", agent.httpServer.Addr))
	if config.DevMode {
		c.Ui.Output("Dev mode enabled: all state is in-memory and lost on exit")
	}

	return c.handleSignals(agent)
}

// handleSignals blocks until a shutdown is requested.
func (c *Command) handleSignals(agent *Agent) int {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signalCh:
		c.Ui.Output(fmt.Sprintf("Caught signal: %v", sig))
	case <-c.ShutdownCh:
	}

	agent.Shutdown()
	return 0
}

func (c *Command) Synopsis() string {
	return "Runs a modroll agent"
}

func (c *Command) Help() string {
	helpText := `
Usage: modroll agent [options]

  Starts the modroll agent: the HTTP control plane, the deployment job
  processor and the approval sweeper run inside this one process. The agent
  runs until it receives an interrupt.

General Options:

  -dev
    Start in development mode: in-memory job store, local locks and a static
    three node development cluster. No external services are required.

  -config=<path>
    Path to a YAML configuration file. May be given multiple times; later
    files override earlier ones.

  -bind=<address>
    Bind address for the HTTP API. Overrides the config file.

  -log-level=<level>
    Log verbosity: TRACE, DEBUG, INFO, WARN or ERROR.

  -log-json
    Output logs in JSON format.
`
	return strings.TrimSpace(helpText)
}

func (c *Command) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-dev":       complete.PredictNothing,
		"-config":    complete.PredictFiles("*.yaml"),
		"-bind":      complete.PredictAnything,
		"-log-level": complete.PredictSet("TRACE", "DEBUG", "INFO", "WARN", "ERROR"),
		"-log-json":  complete.PredictNothing,
	}
}

func (c *Command) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

// flaggedStrings collects repeated -config flags.
type flaggedStrings []string

func (f *flaggedStrings) String() string {
	return strings.Join(*f, ",")
}

func (f *flaggedStrings) Set(value string) error {
	*f = append(*f, value)
	return nil
}
