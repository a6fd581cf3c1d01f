package main

import (
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-host/pkg/mcp"
	"github.com/core-tools/hsu-host/pkg/mcp/mcptest"
)

type flagOptions struct {
	Name        string   `long:"name" description:"server name reported on initialize" default:"echomcp"`
	Version     string   `long:"version" description:"server version reported on initialize" default:"0.1.0"`
	Tools       []string `long:"tool" description:"tool name to advertise; repeatable"`
	PageSize    int      `long:"page-size" description:"split tools/list into pages of this size"`
	ListDelay   int      `long:"list-delay-ms" description:"delay every tools/list response (debug feature)"`
	ExitAfter   int      `long:"exit-after" description:"exit with code 3 after this many seconds (debug feature)"`
	FailListing bool     `long:"fail-list" description:"answer tools/list with an error (debug feature)"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	// stdout carries the protocol, diagnostics go to stderr
	fmt.Fprintf(os.Stderr, "Running echomcp, opts: %+v...\n", opts)

	tools := make([]mcp.Tool, 0, len(opts.Tools))
	for _, name := range opts.Tools {
		tools = append(tools, mcp.Tool{Name: name, Description: "echo tool " + name})
	}
	if len(tools) == 0 {
		tools = append(tools, mcp.Tool{Name: "echo", Description: "echoes its input"})
	}

	srv := &mcptest.Server{
		Info:           mcp.Implementation{Name: opts.Name, Version: opts.Version},
		Tools:          tools,
		PageSize:       opts.PageSize,
		ToolsListDelay: time.Duration(opts.ListDelay) * time.Millisecond,
		FailToolsList:  opts.FailListing,
	}

	if opts.ExitAfter > 0 {
		go func() {
			time.Sleep(time.Duration(opts.ExitAfter) * time.Second)
			fmt.Fprintf(os.Stderr, "Exiting after %d seconds\n", opts.ExitAfter)
			os.Exit(3)
		}()
	}

	if err := srv.Serve(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Serve failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Stdin closed, exiting\n")
}
