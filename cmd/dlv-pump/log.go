package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/xhd2015/dlv-pump/log"
)

// defaultLogFile is where serve logs when no output is configured:
// stdout carries the MCP protocol, and clients often discard stderr.
func defaultLogFile() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	configDir := filepath.Join(homeDir, ".dlv-pump")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return filepath.Join(configDir, "dlv-pump.log"), nil
}

func newLogger(cfg log.Config, fallbackOutput func() (string, error)) (log.Logger, io.Closer, error) {
	if cfg.Output == "" && fallbackOutput != nil {
		output, err := fallbackOutput()
		if err != nil {
			return nil, nil, err
		}
		cfg.Output = output
	}
	return log.New(cfg)
}
