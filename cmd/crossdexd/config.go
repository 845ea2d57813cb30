// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"crossdex.org/crossdex/chain"
	"crossdex.org/crossdex/gw"
	"github.com/jessevdk/go-flags"
	"gopkg.in/ini.v1"
)

const (
	defaultLogLevel  = "debug"
	defaultWebAddr   = "127.0.0.1:7232"
	configFilename   = "crossdexd.conf"
	networksFilename = "networks.conf"
	logFilename      = "crossdexd.log"
)

// Config is the daemon configuration, settable by file or command line.
type Config struct {
	AppData    string `long:"appdata" description:"Path to the application data directory."`
	Config     string `long:"config" description:"Path to an INI configuration file."`
	Networks   string `long:"networks" description:"Path to the networks INI file. One section per network."`
	WebAddr    string `long:"webaddr" description:"HTTP server listen address."`
	PlannerURL string `long:"planner" description:"Base URL of the quote planning service."`
	DebugLevel string `long:"log" description:"Logging level {trace, debug, info, warn, error, critical}, or per subsystem as SYS=level,SYS2=level."`
	LocalLogs  bool   `long:"loglocal" description:"Use local time zone time stamps in log entries."`
	Indent     bool   `long:"indent" description:"Indent JSON responses."`
}

func defaultConfig() *Config {
	return &Config{
		AppData:    filepath.Join(os.Getenv("HOME"), ".crossdexd"),
		WebAddr:    defaultWebAddr,
		DebugLevel: defaultLogLevel,
	}
}

// resolveConfig parses the command line, loads the configuration file if one
// exists, and re-parses the command line so that explicit flags win.
func resolveConfig() (*Config, error) {
	cfg := defaultConfig()
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if cfg.Config == "" {
		cfg.Config = filepath.Join(cfg.AppData, configFilename)
	}
	if fileExists(cfg.Config) {
		if err := flags.NewIniParser(parser).ParseFile(cfg.Config); err != nil {
			return nil, fmt.Errorf("error parsing configuration file: %w", err)
		}
		// Command line flags beat the file.
		if _, err := parser.Parse(); err != nil {
			return nil, err
		}
	}

	if cfg.Networks == "" {
		cfg.Networks = filepath.Join(cfg.AppData, networksFilename)
	}
	return cfg, nil
}

// loadNetworks reads the networks file: one INI section per network, e.g.
//
//	[ethereum]
//	family = evm
//	net = mainnet
//	chainid = 1
//	endpoints = wss://node-a.example.com,https://node-b.example.com
//	feeoracle = https://oracle.example.com/gas
//	feefloor = 0.1
//
// Unrecognized keys pass through to the chain family as settings.
func loadNetworks(path string) (map[string]*chain.NetworkDef, error) {
	cfgFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("error loading networks file %q: %w", path, err)
	}
	defs := make(map[string]*chain.NetworkDef)
	for _, section := range cfgFile.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		def := &chain.NetworkDef{Settings: make(map[string]string)}
		for _, key := range section.Keys() {
			switch strings.ToLower(key.Name()) {
			case "family":
				def.Family = key.String()
			case "net":
				def.Net, err = gw.NetFromString(key.String())
				if err != nil {
					return nil, fmt.Errorf("%s: %w", section.Name(), err)
				}
			case "chainid":
				def.ChainID, err = key.Int64()
				if err != nil {
					return nil, fmt.Errorf("%s: bad chainid: %w", section.Name(), err)
				}
			case "endpoints":
				for _, endpoint := range strings.Split(key.String(), ",") {
					if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
						def.Endpoints = append(def.Endpoints, endpoint)
					}
				}
			case "feeoracle":
				def.FeeOracleURL = key.String()
			default:
				def.Settings[strings.ToLower(key.Name())] = key.String()
			}
		}
		if def.Family == "" {
			return nil, fmt.Errorf("%s: no chain family specified", section.Name())
		}
		if len(def.Endpoints) == 0 {
			return nil, fmt.Errorf("%s: no endpoints specified", section.Name())
		}
		defs[section.Name()] = def
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("networks file %q defines no networks", path)
	}
	return defs, nil
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !os.IsNotExist(err)
}
