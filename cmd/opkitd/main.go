// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"time"

	"opkit.org/opkit/engine"
	"opkit.org/opkit/engine/state"
	"opkit.org/opkit/wait"
	"opkit.org/opkit/walletrpc"
)

const version = "0.1.0"

func main() {
	// Wrap the actual main so defers run in it.
	if err := mainCore(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func mainCore() error {
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel() // don't leak on the earliest returns

	cfg, err := configure()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	utc := !cfg.LocalLogs
	logMaker, closeLogger := initLogging(cfg.LogPath, cfg.DebugLevel, utc)
	defer closeLogger()
	log = logMaker.Logger("OPKD")
	wait.UseLogger(logMaker.Logger("WAIT"))
	log.Infof("%s version %v (Go version %s)", appName, version, runtime.Version())
	if utc {
		log.Infof("Logging with UTC time stamps. Current local time is %v",
			time.Now().Local().Format("15:04:05 MST"))
	}

	store, err := state.NewStore(&state.Config{
		Path:   cfg.DBPath,
		Logger: logMaker.Logger("STATE"),
	})
	if err != nil {
		return fmt.Errorf("error opening state store: %w", err)
	}
	defer store.Close()
	actor := state.NewActor(store, logMaker.Logger("STATE"))

	eng, err := engine.New(&engine.Config{
		Actor: actor,
		// Approval runs in the web surface. The RPC listener is loopback
		// only, so operations arriving here are already user-initiated.
		Authorizer:     engine.NullAuthorizer{},
		ManualBundling: cfg.Manual,
		Logger:         logMaker.Logger("ENG"),
	})
	if err != nil {
		return fmt.Errorf("error creating engine: %w", err)
	}

	if cfg.Networks != "" {
		if err := loadNetworks(actor, cfg.Networks); err != nil {
			return fmt.Errorf("error loading networks from %s: %w", cfg.Networks, err)
		}
	}

	srv, err := walletrpc.New(&walletrpc.Config{
		Engine: eng,
		Addr:   cfg.WebAddr,
		Logger: logMaker.Logger("RPC"),
	})
	if err != nil {
		return fmt.Errorf("error creating wallet rpc: %w", err)
	}

	// Shut down on interrupt.
	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt)
	go func() {
		<-killChan
		log.Infof("Shutting down...")
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Run(appCtx)
		cancel() // in the event that Run returns prematurely
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.Run(appCtx)
		cancel()
	}()

	wg.Wait()
	log.Infof("%s off", appName)
	return nil
}

// loadNetworks registers network definitions from a JSON file. Networks
// already in the state document are left as they are. If no network is
// active yet, the first definition becomes active.
func loadNetworks(actor *state.Actor, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var networks []*state.Network
	if err := json.Unmarshal(b, &networks); err != nil {
		return err
	}
	for _, n := range networks {
		err := actor.CreateNetwork(n)
		if err != nil && !errors.Is(err, state.ErrDuplicateID) {
			return err
		}
	}
	if _, err := actor.ActiveNetwork(); err != nil && len(networks) > 0 {
		if err := actor.SwitchNetwork(networks[0].ID); err != nil {
			return err
		}
	}
	return nil
}
