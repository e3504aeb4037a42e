// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultLogFilename = "celld.log"
	defaultLogLevel    = "info"
)

var (
	defaultDataDir = filepath.Join(celldHomeDir(), "data")
	defaultLogDir  = filepath.Join(celldHomeDir(), "logs")
)

// config defines the configuration options for celld.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion     bool          `short:"V" long:"version" description:"Display version information and exit"`
	DataDir         string        `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir          string        `long:"logdir" description:"Directory to log output"`
	DebugLevel      string        `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	NoDatabase      bool          `long:"nodb" description:"Keep chain state in memory only"`
	MaxPoolSize     uint64        `long:"maxpoolsize" description:"Maximum aggregate serialized size of pooled transactions in bytes"`
	MaxPoolCycles   uint64        `long:"maxpoolcycles" description:"Maximum aggregate verification cycles of pooled transactions"`
	TemplateRefresh time.Duration `long:"templaterefresh" description:"How long a cached block template stays fresh"`
}

// celldHomeDir returns an OS appropriate home directory for celld.
func celldHomeDir() string {
	// Search for Windows APPDATA first.  This won't exist on POSIX OSes.
	appData := os.Getenv("APPDATA")
	if appData != "" {
		return filepath.Join(appData, "celld")
	}

	// Fall back to standard HOME directory that works for most POSIX OSes.
	home := os.Getenv("HOME")
	if home != "" {
		return filepath.Join(home, ".celld")
	}

	// In the worst case, use the current directory.
	return "."
}

// loadConfig initializes and parses the config using command line options.
//
// The above results in celld functioning properly without any config
// settings while still allowing the user to override settings with command
// line flags.
func loadConfig() (*config, error) {
	cfg := config{
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, err
	}

	if cfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, version())
		os.Exit(0)
	}

	if !validLogLevel(cfg.DebugLevel) {
		str := "the specified debug level [%v] is invalid"
		return nil, fmt.Errorf(str, cfg.DebugLevel)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w",
			err)
	}

	return &cfg, nil
}
