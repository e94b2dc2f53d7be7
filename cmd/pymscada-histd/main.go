// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command pymscada-histd is a minimal history recorder (spec.md §1, §8
// scenario S5): it attaches to the tag bus, records every change of a
// configured set of tags, and authors a "__history__" tag so other
// processes can request a time range over RTA.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pymscada/pymscada/internal/buildinfo"
	"github.com/pymscada/pymscada/internal/config"
	"github.com/pymscada/pymscada/internal/history"
	"github.com/pymscada/pymscada/pkg/busclient"
	"github.com/pymscada/pymscada/pkg/log"
	"github.com/pymscada/pymscada/pkg/runtimeEnv"
	"github.com/pymscada/pymscada/pkg/tag"
	"github.com/pymscada/pymscada/pkg/tagconfig"
)

const historyTagName = "__history__"
const maxSamplesPerTag = 10_000

func main() {
	var flagConfigFile string
	var flagVersion bool
	flag.StringVar(&flagConfigFile, "config", "", "Path to an optional JSON config file overriding the defaults")
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
			log.Fatalf("pymscada-histd: loading %s: %v", config.Keys.TagsFile, err)
		}
	}

	rec := history.NewRecorder(maxSamplesPerTag)
	for _, t := range registry.All() {
		rec.Watch(t)
	}

	historyTag := registry.New(historyTagName, tag.TypeMapping)
	if err := rec.ServeOn(historyTag); err != nil {
		log.Fatalf("pymscada-histd: registering history handler: %v", err)
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

	log.Infof("pymscada-histd: recording %d tag(s), bus %s", len(registry.All()), config.Keys.BusAddr)
	runtimeEnv.SystemdNotify(true, "running")

	client.Run(ctx)
	log.Print("pymscada-histd: shutdown complete")
}
