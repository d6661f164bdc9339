package whatsapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Swastikphadke/Spectra/internal/ingest"
)

// chanSink forwards submitted events to a channel.
type chanSink chan ingest.Event

func (c chanSink) Submit(ctx context.Context, ev ingest.Event) error {
	select {
	case c <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// socketBridge serves frames to each connection, then holds it open
// until the client leaves. The returned func reports the last request
// headers.
func socketBridge(t *testing.T, frames ...string) (*httptest.Server, func() http.Header) {
	t.Helper()
	var mu sync.Mutex
	var seen http.Header
	up := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = r.Header.Clone()
		mu.Unlock()
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() http.Header {
		mu.Lock()
		defer mu.Unlock()
		return seen
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSocket_SubmitsFrames(t *testing.T) {
	srv, headers := socketBridge(t,
		`{"from":"+919259443981","sender_jid":"206420960088238@lid","content":"crop health","type":"text"}`,
		`not json`,
		`{"from":"+919259443981","content":"  "}`,
		`{"from":"+919000000000","content":"namaste"}`,
	)

	sink := make(chanSink, 4)
	s := NewSocket(wsURL(srv), map[string]string{"Authorization": "Bearer t0k"}, sink, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var got []ingest.Event
	for len(got) < 2 {
		select {
		case ev := <-sink:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d events, want 2", len(got))
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if got[0].Text != "crop health" || got[0].ReplyTo != "206420960088238@lid" {
		t.Errorf("first event = %+v", got[0])
	}
	if got[1].Sender != "+919000000000" || got[1].Text != "namaste" {
		t.Errorf("second event = %+v", got[1])
	}
	if auth := headers().Get("Authorization"); auth != "Bearer t0k" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestSocket_Reconnects(t *testing.T) {
	var dials sync.WaitGroup
	dials.Add(2)
	var once [2]sync.Once
	var mu sync.Mutex
	n := 0
	up := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		i := n
		n++
		mu.Unlock()
		if i < 2 {
			once[i].Do(dials.Done)
		}
		// Drop the connection immediately.
		conn.Close()
	}))
	defer srv.Close()

	s := NewSocket(wsURL(srv), nil, make(chanSink), quietLogger())
	s.minDelay = time.Millisecond
	s.maxDelay = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	redialed := make(chan struct{})
	go func() {
		dials.Wait()
		close(redialed)
	}()
	select {
	case <-redialed:
	case <-time.After(2 * time.Second):
		t.Fatal("socket did not reconnect")
	}
}

func TestSocket_StopsWhenRouterStopped(t *testing.T) {
	srv, _ := socketBridge(t, `{"from":"1","content":"hi"}`)

	s := NewSocket(wsURL(srv), nil, &captureSink{err: ErrRouterStopped}, quietLogger())
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != ErrRouterStopped {
			t.Errorf("Run = %v, want ErrRouterStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
