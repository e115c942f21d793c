package machine

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestProbeTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()

	p := newProber(nil)

	h := p.check(context.Background(), "svc", "tcp://"+addr)
	if !h.Healthy {
		t.Errorf("Open port reported unhealthy: %s", h.Detail)
	}
	if h.Name != "svc" || h.CheckedAt == 0 {
		t.Errorf("Health metadata = %+v", h)
	}

	ln.Close()
	h = p.check(context.Background(), "svc", "tcp://"+addr)
	if h.Healthy {
		t.Error("Closed port reported healthy")
	}
	if h.Detail == "" {
		t.Error("Failed probe carries no detail")
	}
}

func TestProbeHTTP(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(hs.Close)

	p := newProber(nil)

	if h := p.check(context.Background(), "api", hs.URL+"/ok"); !h.Healthy {
		t.Errorf("2xx reported unhealthy: %s", h.Detail)
	}

	h := p.check(context.Background(), "api", hs.URL+"/bad")
	if h.Healthy {
		t.Error("5xx reported healthy")
	}
	if h.Detail != "status 500" {
		t.Errorf("Detail = %q, want status 500", h.Detail)
	}
}

func TestProbeRejectsUnknownScheme(t *testing.T) {
	p := newProber(nil)
	h := p.check(context.Background(), "svc", "ftp://localhost:21")
	if h.Healthy {
		t.Error("Unknown scheme reported healthy")
	}
	if !strings.Contains(h.Detail, "ftp") {
		t.Errorf("Detail = %q, want mention of the scheme", h.Detail)
	}
}

func TestCheckAllSortsByName(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	addr := "tcp://" + ln.Addr().String()

	p := newProber(map[string]string{
		"zeta":  addr,
		"alpha": addr,
		"mid":   addr,
	})

	results := p.checkAll(context.Background())
	if len(results) != 3 {
		t.Fatalf("Got %d results, want 3", len(results))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, name := range want {
		if results[i].Name != name {
			t.Errorf("Result %d = %q, want %q", i, results[i].Name, name)
		}
		if !results[i].Healthy {
			t.Errorf("Probe %q unhealthy: %s", name, results[i].Detail)
		}
	}
}
