package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/kahiteam/cowfork/internal/testutil"
)

func TestServe(t *testing.T) {
	c := New()
	c.SetBuildInfo("v1.2.3", "go1.26")
	s, err := Serve("127.0.0.1:0", c, testutil.Logger(t))
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	assertContains(t, string(body), `cowfork_info{go_version="go1.26",version="v1.2.3"} 1`)

	resp2, err := http.Post("http://"+s.Addr()+"/metrics", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /metrics: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", resp2.StatusCode)
	}
}

func TestServeBadAddr(t *testing.T) {
	if _, err := Serve("127.0.0.1:-1", New(), testutil.Logger(t)); err == nil {
		t.Error("Serve on invalid port succeeded")
	}
}
