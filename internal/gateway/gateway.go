// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package gateway demonstrates the external collaborator contract spec.md
// §6 describes for the web gateway: it extends a tag.Registry over
// WebSockets to browsers, translating a subscribed Tag's changes into
// JSON push messages and incoming JSON messages into local SET calls
// (which a busclient.Client attached to the same registry then carries
// onto the bus as usual). It is intentionally thin — the full gateway's
// UI, auth, and routing are out of scope (spec.md §1).
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pymscada/pymscada/pkg/log"
	"github.com/pymscada/pymscada/pkg/tag"
	"github.com/pymscada/pymscada/pkg/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// update is the JSON shape pushed to browsers and accepted from them.
type update struct {
	Tag    string      `json:"tag"`
	Value  interface{} `json:"value"`
	TimeUs int64       `json:"time_us"`
}

// Hub fans Tag changes for a fixed set of tags out to every connected
// browser, and applies browser-originated SETs to the same registry.
type Hub struct {
	registry *tag.Registry

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub returns a Hub serving tags out of registry.
func NewHub(registry *tag.Registry) *Hub {
	return &Hub{registry: registry, clients: make(map[*client]struct{})}
}

// Watch subscribes the Hub to a tag it should mirror to every browser.
// Called once per tag name at startup, mirroring the bus client's own
// registration step.
func (h *Hub) Watch(name string, typ tag.Type) {
	t := h.registry.New(name, typ)
	t.AddCallback(func(t *tag.Tag) { h.broadcast(t) }, 0)
}

func (h *Hub) broadcast(t *tag.Tag) {
	v, timeUs, _, ok := t.Get()
	if !ok {
		return
	}
	msg := update{Tag: t.Name(), Value: jsonable(v), TimeUs: timeUs}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			log.Warnf("gateway: client send buffer full, dropping update for %q", t.Name())
		}
	}
}

func jsonable(v wire.Value) interface{} {
	switch v.Kind {
	case wire.KindInt64:
		return v.Int64
	case wire.KindFloat64:
		return v.Float64
	case wire.KindText:
		return v.Text
	case wire.KindBytes:
		return v.Bytes
	case wire.KindJSON:
		return v.Any
	default:
		return nil
	}
}

// ServeWS upgrades r to a WebSocket and serves it until the client
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("gateway: upgrading connection: %v", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan update, 64), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()
	c.readLoop()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan update
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		c.hub.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

// readLoop applies inbound {"tag":"...", "value":...} messages as local
// SETs (BusID 0 — locally authored), which the attached busclient then
// forwards to the bus the same way any other local change is.
func (c *client) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in update
		if err := json.Unmarshal(raw, &in); err != nil {
			log.Warnf("gateway: malformed client message: %v", err)
			continue
		}
		t, ok := c.hub.registry.Get(in.Tag)
		if !ok {
			log.Warnf("gateway: client wrote to unknown tag %q", in.Tag)
			continue
		}
		v, err := valueFor(t.Type(), in.Value)
		if err != nil {
			log.Warnf("gateway: client value for %q: %v", in.Tag, err)
			continue
		}
		t.SetNow(v)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func valueFor(typ tag.Type, raw interface{}) (wire.Value, error) {
	switch typ {
	case tag.TypeInt64:
		f, _ := raw.(float64) // encoding/json decodes all numbers as float64
		return wire.IntValue(int64(f)), nil
	case tag.TypeFloat64:
		f, _ := raw.(float64)
		return wire.FloatValue(f), nil
	case tag.TypeText:
		s, _ := raw.(string)
		return wire.TextValue(s), nil
	case tag.TypeBytes:
		s, _ := raw.(string)
		return wire.BytesValue([]byte(s)), nil
	default:
		return wire.JSONValue(raw), nil
	}
}
