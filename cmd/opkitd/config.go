// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/jessevdk/go-flags"
)

const (
	appName        = "opkitd"
	configFilename = "opkitd.conf"
	defaultWebAddr = "127.0.0.1:5758"
	defaultLogLvl  = "info"
)

var defaultAppData = func() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".opkit")
}()

// Config is the opkitd configuration, populated from the INI config file
// and command line flags, flags taking precedence.
type Config struct {
	AppData    string `long:"appdata" description:"Path to the application directory."`
	ConfigPath string `long:"config" description:"Path to an INI configuration file."`
	WebAddr    string `long:"webaddr" description:"Wallet RPC listen address."`
	Networks   string `long:"networks" description:"Path to a JSON file of network definitions to load at startup."`
	DebugLevel string `long:"log" description:"Logging level {trace, debug, info, warn, error, critical}."`
	LocalLogs  bool   `long:"loglocal" description:"Use local time zone time stamps in log entries."`
	Manual     bool   `long:"manualbundle" description:"Request an immediate bundle after each submission, for bundlers running in manual mode."`
	ShowVer    bool   `short:"V" long:"version" description:"Display version information and exit."`

	// LogPath and DBPath are derived from AppData.
	LogPath string
	DBPath  string
}

func defaultConfig() Config {
	return Config{
		AppData:    defaultAppData,
		ConfigPath: filepath.Join(defaultAppData, configFilename),
		WebAddr:    defaultWebAddr,
		DebugLevel: defaultLogLvl,
	}
}

// configure parses the command line twice, once to locate the config file
// and handle --version, then again over the file values so flags win.
func configure() (*Config, error) {
	iniCfg := defaultConfig()
	preCfg := iniCfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag|flags.PassDoubleDash)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			preParser.WriteHelp(os.Stdout)
			os.Exit(0)
		}
		return nil, err
	}

	if preCfg.ShowVer {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n",
			appName, version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	configPath := preCfg.ConfigPath
	if preCfg.AppData != defaultAppData && configPath == filepath.Join(defaultAppData, configFilename) {
		configPath = filepath.Join(cleanPath(preCfg.AppData), configFilename)
	}

	parser := flags.NewParser(&iniCfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(configPath)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, err
		}
		// A missing config file is not an error.
	}
	if _, err = parser.Parse(); err != nil {
		return nil, err
	}

	cfg := &iniCfg
	cfg.AppData = cleanPath(cfg.AppData)
	cfg.LogPath = filepath.Join(cfg.AppData, "logs", appName+".log")
	cfg.DBPath = filepath.Join(cfg.AppData, "state.db")
	if err := os.MkdirAll(cfg.AppData, 0700); err != nil {
		return nil, fmt.Errorf("error creating app directory: %w", err)
	}
	return cfg, nil
}

// cleanPath expands a leading tilde to the user's home directory.
func cleanPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return filepath.Clean(path)
}
