package status

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	logx "flowmake/pkg/logx"
)

func waitAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a := s.Addr(); a != "" {
			return a
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never bound")
	return ""
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp
}

func TestStatusServesDocumentWithToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}, func(context.Context) (any, error) {
		return map[string]int{"in_flight": 2}, nil
	}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())
	base := "http://" + waitAddr(t, s)

	resp := get(t, base+"/status", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", resp.StatusCode)
	}

	resp = get(t, base+"/status", "s3cret")
	defer resp.Body.Close()
	var doc map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["in_flight"] != 2 {
		t.Fatalf("doc = %v", doc)
	}

	resp = get(t, base+"/debug/pprof/", "s3cret")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("pprof disabled but status = %d", resp.StatusCode)
	}
}

func TestReconfigureEnablesPprofAndStops(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	ctx := context.Background()

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true})
	resp := get(t, "http://"+waitAddr(t, s)+"/debug/pprof/", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof status = %d", resp.StatusCode)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if a := s.Addr(); a != "" {
		t.Fatalf("still serving at %s", a)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:7070", true},
		{"localhost:80", true},
		{"[::1]:80", true},
		{":7070", false},
		{"0.0.0.0:7070", false},
		{"10.0.0.1:7070", false},
		{"nonsense", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil {
		t.Fatalf("expected refusal")
	}
}
