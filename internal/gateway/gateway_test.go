// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pymscada/pymscada/pkg/tag"
	"github.com/pymscada/pymscada/pkg/wire"
)

func TestHubBroadcastsTagChangeToBrowser(t *testing.T) {
	reg := tag.NewRegistry()
	hub := NewHub(reg)
	hub.Watch("IntVal", tag.TypeInt64)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(20 * time.Millisecond) // let the server register the client

	iv, _ := reg.Get("IntVal")
	iv.SetNow(wire.IntValue(7))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got update
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Tag != "IntVal" {
		t.Fatalf("got tag %q, want IntVal", got.Tag)
	}
	if n, ok := got.Value.(float64); !ok || n != 7 {
		t.Fatalf("got value %v (%T), want 7", got.Value, got.Value)
	}
}

func TestHubAppliesBrowserSET(t *testing.T) {
	reg := tag.NewRegistry()
	hub := NewHub(reg)
	hub.Watch("IntVal", tag.TypeInt64)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(update{Tag: "IntVal", Value: float64(42)}); err != nil {
		t.Fatalf("write: %v", err)
	}

	iv, _ := reg.Get("IntVal")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, _, _, ok := iv.Get(); ok && v.Int64 == 42 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("browser SET never applied")
}
