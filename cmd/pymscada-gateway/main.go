// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command pymscada-gateway bridges the tag bus to browsers over
// WebSockets (spec.md §6): it loads a tag declaration file, attaches a
// bus client to every declared tag, and mirrors their changes to every
// connected browser, applying browser-originated writes back onto the
// bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pymscada/pymscada/internal/buildinfo"
	"github.com/pymscada/pymscada/internal/config"
	"github.com/pymscada/pymscada/internal/gateway"
	"github.com/pymscada/pymscada/internal/metrics"
	"github.com/pymscada/pymscada/pkg/busclient"
	"github.com/pymscada/pymscada/pkg/log"
	"github.com/pymscada/pymscada/pkg/runtimeEnv"
	"github.com/pymscada/pymscada/pkg/tag"
	"github.com/pymscada/pymscada/pkg/tagconfig"
)

func main() {
	var flagConfigFile, flagListenAddr string
	var flagVersion bool
	flag.StringVar(&flagConfigFile, "config", "", "Path to an optional JSON config file overriding the defaults")
	flag.StringVar(&flagListenAddr, "listen", ":8090", "Address the WebSocket gateway listens on")
	flag.BoolVar(&flagVersion, "version", false, "Show version information and exit")
	flag.Parse()

	if flagVersion {
		fmt.Println(buildinfo.String())
		return
	}

	config.Init(flagConfigFile)

	registry := tag.NewRegistry()
	if config.Keys.TagsFile != "" {
		if err := tagconfig.Load(config.Keys.TagsFile, registry); err != nil {
			log.Fatalf("pymscada-gateway: loading %s: %v", config.Keys.TagsFile, err)
		}
	}

	hub := gateway.NewHub(registry)
	for _, t := range registry.All() {
		hub.Watch(t.Name(), t.Type())
	}

	client := busclient.New(config.Keys.BusAddr, registry, busclient.WithTUS(config.Keys.TUS))

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		runtimeEnv.SystemdNotify(false, "shutting down")
		cancel()
	}()

	go client.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	if config.Keys.MetricsAddr != "" {
		mux.Handle("/metrics", metrics.Handler())
	}

	srv := &http.Server{Addr: flagListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.Infof("pymscada-gateway: listening at %s, bus %s", flagListenAddr, config.Keys.BusAddr)
	runtimeEnv.SystemdNotify(true, "running")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("pymscada-gateway: serve: %v", err)
	}
	log.Print("pymscada-gateway: shutdown complete")
}
