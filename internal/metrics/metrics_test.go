// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerExposesCounters(t *testing.T) {
	ProtocolErrors.WithLabelValues("metrics-test", "ERR_CHECKSUM").Inc()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	want := `boardlink_protocol_errors_total{channel="metrics-test",code="ERR_CHECKSUM"} 1`
	if !strings.Contains(string(body), want) {
		t.Errorf("exposition does not contain %q", want)
	}
}

func TestGauge(t *testing.T) {
	WifiRetries.Set(3)
	if got := testutil.ToFloat64(WifiRetries); got != 3 {
		t.Errorf("WifiRetries = %v, want 3", got)
	}
	WifiRetries.Set(0)
}
