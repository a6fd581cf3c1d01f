package mcp

import "github.com/core-tools/hsu-host/pkg/logging"

func testLogger() logging.Logger {
	return logging.NewNopLogger()
}
