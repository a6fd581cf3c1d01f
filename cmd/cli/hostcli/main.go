package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-host/pkg/control"
	"github.com/core-tools/hsu-host/pkg/host"
	"github.com/core-tools/hsu-host/pkg/logging"
	"github.com/core-tools/hsu-host/pkg/processfile"
)

type flagOptions struct {
	Port    int      `long:"port" description:"control port of the host; read from the run directory when omitted"`
	RunDir  string   `long:"run-dir" description:"run directory of the host"`
	Service []string `long:"service" description:"tool server to query; repeatable, empty queries the host"`
	Wait    int      `long:"wait" description:"seconds to wait for the host to report SERVING" default:"10"`
	Verbose bool     `long:"verbose" short:"v" description:"debug logging"`
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

	zapConfig := logging.DefaultZapConfig()
	if opts.Verbose {
		zapConfig.Level = "debug"
	}
	zapLogger, err := logging.NewZapLogger(zapConfig)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	logger := logging.NewLogger("module: hsu-host-client , ", logging.ZapLogFuncs(zapLogger))

	port := opts.Port
	if port == 0 {
		runDir := opts.RunDir
		if runDir == "" {
			runDir = processfile.DefaultDirectory(processfile.DefaultAppName)
		}
		port, err = processfile.NewManager(runDir, logger).ReadPort(host.RunFileControl)
		if err != nil {
			logger.Errorf("Failed to discover control port: %v", err)
			os.Exit(1)
		}
	}

	ctx := context.Background()
	conn, err := control.Dial(ctx, fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		logger.Errorf("Failed to connect: %v", err)
		os.Exit(1)
	}
	defer conn.Close()

	client := control.NewClient(conn, logger)

	if opts.Wait > 0 {
		if err := client.WaitReady(ctx, opts.Wait, time.Second); err != nil {
			logger.Errorf("Host is not ready: %v", err)
			os.Exit(1)
		}
	}

	services := opts.Service
	if len(services) == 0 {
		services = []string{control.HostService}
	}

	failed := false
	for _, service := range services {
		status, err := client.Status(ctx, service)
		name := service
		if name == "" {
			name = "host"
		}
		if err != nil {
			fmt.Printf("%s: %v\n", name, err)
			failed = true
			continue
		}
		fmt.Printf("%s: %s\n", name, status)
	}
	if failed {
		os.Exit(2)
	}
}
