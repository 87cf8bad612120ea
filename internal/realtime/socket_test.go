package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWSDialer_SendReceive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Echo until the client goes away.
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(mt, data)
		}
	}))
	defer server.Close()

	h := http.Header{}
	h.Set("Authorization", "Bearer tok")
	sock, err := NewWSDialer(DefaultSocketConfig(), nil).Dial(context.Background(), wsURL(server), h)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer sock.Close()

	for _, msg := range []string{`{"type":"a"}`, `{"type":"b"}`} {
		if err := sock.Send([]byte(msg)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	for _, want := range []string{`{"type":"a"}`, `{"type":"b"}`} {
		got, err := sock.Receive()
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		if string(got) != want {
			t.Errorf("Receive() = %s, want %s", got, want)
		}
	}
}

func TestWSDialer_ServerClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
		conn.Close()
	}))
	defer server.Close()

	sock, err := NewWSDialer(DefaultSocketConfig(), nil).Dial(context.Background(), wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	if got, err := sock.Receive(); err != nil || string(got) != `{"type":"hello"}` {
		t.Fatalf("Receive() = %s, %v", got, err)
	}
	if _, err := sock.Receive(); err == nil {
		t.Error("expected error after server close")
	}

	// Closing an already failed socket is harmless.
	sock.Close()
}

func TestWSDialer_LocalClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	sock, err := NewWSDialer(DefaultSocketConfig(), nil).Dial(context.Background(), wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := sock.Receive()
		done <- err
	}()

	sock.Close()
	select {
	case err := <-done:
		if err != ErrSocketClosed {
			t.Errorf("err = %v, want ErrSocketClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Close")
	}
}

func TestWSDialer_StaleDetection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never read, so pings are never answered.
		time.Sleep(time.Second)
	}))
	defer server.Close()

	cfg := SocketConfig{
		HandshakeTimeout: time.Second,
		PingInterval:     20 * time.Millisecond,
		PingTimeout:      50 * time.Millisecond,
		WriteTimeout:     time.Second,
	}
	sock, err := NewWSDialer(cfg, nil).Dial(context.Background(), wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer sock.Close()

	done := make(chan error, 1)
	go func() {
		_, err := sock.Receive()
		done <- err
	}()

	select {
	case err := <-done:
		if err != ErrStaleConnection {
			t.Errorf("err = %v, want ErrStaleConnection", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stale connection not detected")
	}
}

func TestConnection_EndToEnd(t *testing.T) {
	subscribed := make(chan Frame, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		subscribed <- f
		conn.WriteJSON(Frame{Type: "bid:placed", Data: json.RawMessage(`{"amount":42}`)})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.URL = wsURL(server)
	c := New(cfg, NewWSDialer(DefaultSocketConfig(), nil))

	got := make(chan int, 1)
	c.On("bid:placed", func(data json.RawMessage) {
		var v struct {
			Amount int `json:"amount"`
		}
		json.Unmarshal(data, &v)
		got <- v.Amount
	})

	c.Subscribe(Topic{Channel: "auction", ID: "a-7"})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Disconnect()

	select {
	case f := <-subscribed:
		if f.Type != "auction:subscribe" || string(f.Data) != `{"topicId":"a-7"}` {
			t.Errorf("first frame = %s %s", f.Type, f.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame received")
	}

	select {
	case amount := <-got:
		if amount != 42 {
			t.Errorf("amount = %d, want 42", amount)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not dispatched")
	}
}
