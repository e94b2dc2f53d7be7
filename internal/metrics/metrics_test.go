// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesBusMetrics(t *testing.T) {
	StaleDrops.Add(0) // ensure the metric is registered even if never incremented elsewhere
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "pymscada_bus_stale_drops_total") {
		t.Fatalf("metrics output missing stale_drops_total:\n%s", body)
	}
}
