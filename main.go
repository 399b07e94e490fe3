/*
This is an example of application that will use the
engine package to test things out
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/crude/engine"
	"github.com/spaghettifunk/crude/engine/config"
	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/testbed"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the engine configuration")
	backend := flag.String("backend", "", "override renderer.backend (headless or vulkan)")
	flag.Parse()

	cfg := config.Default()
	if _, err := os.Stat(*configPath); err == nil {
		if cfg, err = config.Load(*configPath); err != nil {
			core.LogFatal("%v", err)
		}
	} else {
		core.LogWarn("no config at %s, using defaults", *configPath)
	}
	if *backend != "" {
		cfg.Renderer.Backend = *backend
	}

	tb := testbed.NewTestGame()

	e, err := engine.New(cfg, tb.Game)
	if err != nil {
		core.LogFatal("%v", err)
	}

	if err := e.Initialize(); err != nil {
		_ = e.Shutdown()
		core.LogFatal("%v", err)
	}

	// capture sigterm and other system calls
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	// run engine on the main thread, the window requires it
	runErr := e.Run(ctx)
	if err := e.Shutdown(); err != nil {
		core.LogError("%v", err)
	}
	if runErr != nil {
		core.LogFatal("%v", runErr)
	}
}
