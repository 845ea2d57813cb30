// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"crossdex.org/crossdex/chain"
	_ "crossdex.org/crossdex/chain/evm" // registers the evm driver
	"crossdex.org/crossdex/quote"
	"crossdex.org/crossdex/webserver"
)

func main() {
	os.Exit(mainCore())
}

func mainCore() int {
	cfg, err := resolveConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	lm, closeLogger := initLogging(filepath.Join(cfg.AppData, logFilename), cfg.DebugLevel, !cfg.LocalLogs)
	defer closeLogger()
	log := lm.NewLogger("MAIN")

	appCtx, cancel := context.WithCancel(context.Background())
	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-killChan
		log.Infof("shutting down...")
		cancel()
	}()

	defs, err := loadNetworks(cfg.Networks)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}
	log.Infof("serving %d networks", len(defs))

	registry := chain.NewRegistry(appCtx, cfg.AppData, defs, lm.NewLogger("CHAIN"))
	defer registry.Close()

	if cfg.PlannerURL == "" {
		log.Errorf("no quote planning service configured, set --planner")
		return 1
	}

	srv := webserver.New(&webserver.Config{
		Addr:     cfg.WebAddr,
		Registry: registry,
		Quotes:   quote.NewHTTPPlanner(cfg.PlannerURL),
		Indent:   cfg.Indent,
		Logger:   lm.NewLogger("WEB"),
	})
	if err := srv.Run(appCtx); err != nil {
		log.Errorf("web server error: %v", err)
		return 1
	}
	return 0
}
