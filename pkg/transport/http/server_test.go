package http

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestServer_ServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}), WithShutdownTimeout(5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServer_Options(t *testing.T) {
	srv := NewServer(http.NotFoundHandler(), WithAddr(":9999"), WithTimeouts(time.Second, 0))
	if srv.httpServer.Addr != ":9999" {
		t.Errorf("Addr = %q", srv.httpServer.Addr)
	}
	if srv.httpServer.ReadTimeout != time.Second {
		t.Errorf("ReadTimeout = %v", srv.httpServer.ReadTimeout)
	}
	if srv.httpServer.WriteTimeout != DefaultServerConfig().WriteTimeout {
		t.Errorf("WriteTimeout = %v", srv.httpServer.WriteTimeout)
	}
}
