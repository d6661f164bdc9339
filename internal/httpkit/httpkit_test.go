package httpkit

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Swastikphadke/Spectra/internal/buildinfo"
)

func echoUserAgent(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, c *http.Client, req *http.Request) string {
	t.Helper()
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNewClient_Timeouts(t *testing.T) {
	if c := NewClient(); c.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", c.Timeout)
	}
	if c := NewClient(WithTimeout(5 * time.Second)); c.Timeout != 5*time.Second {
		t.Errorf("custom timeout = %v, want 5s", c.Timeout)
	}
	if c := NewClient(WithTimeout(0)); c.Timeout != 0 {
		t.Errorf("zero timeout = %v, want 0", c.Timeout)
	}
}

func TestNewClient_DefaultUserAgent(t *testing.T) {
	srv := echoUserAgent(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	if got := get(t, NewClient(), req); got != buildinfo.UserAgent() {
		t.Errorf("User-Agent = %q, want %q", got, buildinfo.UserAgent())
	}
}

func TestNewClient_ExistingUserAgentKept(t *testing.T) {
	srv := echoUserAgent(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "Bridge/2")

	if got := get(t, NewClient(WithUserAgent("Other/1")), req); got != "Bridge/2" {
		t.Errorf("User-Agent = %q, want Bridge/2", got)
	}
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout == 0 || tr.IdleConnTimeout == 0 {
		t.Errorf("transport missing timeouts: tls=%v idle=%v", tr.TLSHandshakeTimeout, tr.IdleConnTimeout)
	}
}

func TestReadErrorBody(t *testing.T) {
	if got := ReadErrorBody(io.NopCloser(strings.NewReader("bridge offline")), 512); got != "bridge offline" {
		t.Errorf("ReadErrorBody = %q", got)
	}
	if got := ReadErrorBody(io.NopCloser(strings.NewReader(strings.Repeat("x", 100))), 10); len(got) != 10 {
		t.Errorf("truncated len = %d, want 10", len(got))
	}
	if got := ReadErrorBody(nil, 512); got != "" {
		t.Errorf("nil body = %q, want empty", got)
	}
	DrainAndClose(nil, 10)
}

func TestIsSuccess(t *testing.T) {
	for code, want := range map[int]bool{199: false, 200: true, 204: true, 299: true, 300: false, 404: false} {
		if got := IsSuccess(code); got != want {
			t.Errorf("IsSuccess(%d) = %v, want %v", code, got, want)
		}
	}
}
