// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command pymscada-sim is a thin simulated PLC driver (spec.md §1's
// "simulators" collaborator): it periodically writes a sawtooth value to
// a configured tag, standing in for a real protocol driver so the rest
// of a site's processes have something to read from during development.
// It installs no RTA handler.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pymscada/pymscada/internal/buildinfo"
	"github.com/pymscada/pymscada/internal/config"
	"github.com/pymscada/pymscada/pkg/busclient"
	"github.com/pymscada/pymscada/pkg/log"
	"github.com/pymscada/pymscada/pkg/periodic"
	"github.com/pymscada/pymscada/pkg/runtimeEnv"
	"github.com/pymscada/pymscada/pkg/tag"
	"github.com/pymscada/pymscada/pkg/wire"
)

func main() {
	var flagConfigFile, flagTagName string
	var flagPeriod time.Duration
	var flagAmplitude int64
	var flagVersion bool
	flag.StringVar(&flagConfigFile, "config", "", "Path to an optional JSON config file overriding the defaults")
	flag.StringVar(&flagTagName, "tag", "SimRamp", "Name of the tag this simulator drives")
	flag.DurationVar(&flagPeriod, "period", time.Second, "Interval between simulated writes")
	flag.Int64Var(&flagAmplitude, "amplitude", 100, "Sawtooth wraps back to 0 on reaching this value, which is itself never written")
	flag.BoolVar(&flagVersion, "version", false, "Show version information and exit")
	flag.Parse()

	if flagVersion {
		fmt.Println(buildinfo.String())
		return
	}

	config.Init(flagConfigFile)

	registry := tag.NewRegistry()
	simTag := registry.New(flagTagName, tag.TypeInt64)

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

	sched, err := periodic.New()
	if err != nil {
		log.Fatalf("pymscada-sim: starting scheduler: %v", err)
	}

	var counter atomic.Int64
	err = sched.Every(flagPeriod, "sim-ramp", func() {
		v := counter.Add(1) % flagAmplitude
		simTag.SetNow(wire.IntValue(v))
	})
	if err != nil {
		log.Fatalf("pymscada-sim: scheduling %s: %v", flagTagName, err)
	}
	sched.Start()

	log.Infof("pymscada-sim: driving %q every %s, bus %s", flagTagName, flagPeriod, config.Keys.BusAddr)
	runtimeEnv.SystemdNotify(true, "running")

	<-ctx.Done()
	if err := sched.Shutdown(); err != nil {
		log.Errorf("pymscada-sim: scheduler shutdown: %v", err)
	}
	log.Print("pymscada-sim: shutdown complete")
}
