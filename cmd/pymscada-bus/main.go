// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command pymscada-bus is the central tag bus server (spec.md §1, §4): it
// accepts connections from every other process on site, holds the
// last-value store, and fans SET/RTA traffic between connections.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pymscada/pymscada/internal/buildinfo"
	"github.com/pymscada/pymscada/internal/config"
	"github.com/pymscada/pymscada/internal/metrics"
	"github.com/pymscada/pymscada/pkg/busserver"
	"github.com/pymscada/pymscada/pkg/log"
	"github.com/pymscada/pymscada/pkg/runtimeEnv"
)

func main() {
	var flagConfigFile, flagUser, flagGroup string
	var flagVersion bool
	flag.StringVar(&flagConfigFile, "config", "", "Path to an optional JSON config file overriding the defaults")
	flag.StringVar(&flagUser, "user", "", "Drop privileges to this user after binding the listening port")
	flag.StringVar(&flagGroup, "group", "", "Drop privileges to this group after binding the listening port")
	flag.BoolVar(&flagVersion, "version", false, "Show version information and exit")
	flag.Parse()

	if flagVersion {
		fmt.Println(buildinfo.String())
		return
	}

	config.Init(flagConfigFile)

	ln, err := net.Listen("tcp", config.Keys.BusAddr)
	if err != nil {
		log.Fatalf("pymscada-bus: listening on %s: %v", config.Keys.BusAddr, err)
	}

	if err := runtimeEnv.DropPrivileges(flagUser, flagGroup); err != nil {
		log.Fatalf("pymscada-bus: dropping privileges: %v", err)
	}

	if config.Keys.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(config.Keys.MetricsAddr, mux); err != nil {
				log.Errorf("pymscada-bus: metrics server: %v", err)
			}
		}()
		log.Infof("pymscada-bus: metrics listening at %s", config.Keys.MetricsAddr)
	}

	srv := busserver.New(busserver.WithTUS(config.Keys.TUS))

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		runtimeEnv.SystemdNotify(false, "shutting down")
		cancel()
	}()

	log.Infof("pymscada-bus: listening at %s (tus=%d)", config.Keys.BusAddr, config.Keys.TUS)
	runtimeEnv.SystemdNotify(true, "running")

	if err := srv.Serve(ctx, ln); err != nil && ctx.Err() == nil {
		log.Fatalf("pymscada-bus: serve: %v", err)
	}
	log.Print("pymscada-bus: shutdown complete")
}
