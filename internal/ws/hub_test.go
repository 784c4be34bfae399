package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"defectcam/internal/pipeline"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubDeliversEventsByLabel(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewHandler(hub))
	defer srv.Close()

	all := dial(t, srv, "")
	defer all.Close()
	cracks := dial(t, srv, "?label=crack")
	defer cracks.Close()
	waitClients(t, hub, 2)

	d := pipeline.Detection{Label: "scratch", Confidence: 0.8, BBox: pipeline.BBox{X1: 10, Y1: 20, X2: 50, Y2: 40}}
	ev := pipeline.NewDefectEvent("cam-1", d, time.Now())
	hub.OnDefectEvent(&ev)

	all.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := all.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg EventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "defect" || msg.Label != "scratch" || msg.EventID != ev.ID.String() {
		t.Fatalf("message = %+v", msg)
	}
	if len(msg.BBox) != 4 || msg.BBox[2] != 40 || msg.BBox[3] != 20 {
		t.Fatalf("bbox = %v", msg.BBox)
	}

	cracks.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := cracks.ReadMessage(); err == nil {
		t.Fatal("label filtered client received a scratch event")
	}
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewHandler(hub))
	defer srv.Close()

	conn := dial(t, srv, "")
	waitClients(t, hub, 1)
	conn.Close()
	waitClients(t, hub, 0)
}
