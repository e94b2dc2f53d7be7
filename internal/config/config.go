// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config holds the process-level configuration shared by the
// pymscada command binaries: bus address, transmit-unit size, tag
// declaration file, and log level.
package config

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/pymscada/pymscada/pkg/log"
)

// Keys holds the active configuration, populated with defaults suitable
// for a single-host loopback deployment (spec.md §6: "default port 1324,
// loopback by default").
var Keys = struct {
	BusAddr     string `json:"bus_addr"`
	TUS         int    `json:"tus"`
	TagsFile    string `json:"tags_file"`
	LogLevel    string `json:"log_level"`
	MetricsAddr string `json:"metrics_addr"`
}{
	BusAddr:     "127.0.0.1:1324",
	TUS:         55000,
	TagsFile:    "",
	LogLevel:    "info",
	MetricsAddr: "",
}

// Init loads flagConfigFile over the defaults, if it exists. A missing
// file is not an error — every binary runs with sane defaults out of the
// box — but a malformed one is fatal, matching the teacher's fail-fast
// policy on a broken config.
func Init(flagConfigFile string) {
	if flagConfigFile == "" {
		return
	}
	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Fatalf("config: reading %s: %v", flagConfigFile, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		log.Fatalf("config: parsing %s: %v", flagConfigFile, err)
	}
	log.SetLogLevel(Keys.LogLevel)
}
