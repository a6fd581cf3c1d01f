package main

import (
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-host/pkg/host"
	"github.com/core-tools/hsu-host/pkg/logging"
)

type flagOptions struct {
	Config      string `long:"config" description:"path to the host YAML configuration file" required:"true"`
	LogLevel    string `long:"log-level" description:"overrides logging.level from the configuration"`
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run the host (debug feature)"`
	Validate    bool   `long:"validate" description:"validate the configuration and exit"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	config, err := host.LoadConfigFromFile(opts.Config)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if opts.LogLevel != "" {
		config.Logging.Level = opts.LogLevel
	}
	if err := host.ValidateConfig(config); err != nil {
		fmt.Printf("Configuration validation failed: %v\n", err)
		os.Exit(1)
	}
	if opts.Validate {
		fmt.Println("Configuration is valid")
		return
	}

	zapLogger, err := logging.NewZapLogger(config.Logging)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	logger := logging.NewLogger("module: hsu-host , ", logging.ZapLogFuncs(zapLogger))
	logger.Infof("opts: %+v", opts)
	logger.Infof("Using CONFIGURATION FILE: %s", opts.Config)

	runDuration := time.Duration(opts.RunDuration) * time.Second
	if err := host.Run(runDuration, config, logger); err != nil {
		logger.Errorf("Host failed: %v", err)
		zapLogger.Sync()
		os.Exit(1)
	}
}
