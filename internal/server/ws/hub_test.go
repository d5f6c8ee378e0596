package ws_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	cachemem "github.com/Modulend/core-v1/internal/cache/memory"
	"github.com/Modulend/core-v1/internal/domain"
	"github.com/Modulend/core-v1/internal/server/ws"
)

func TestEncodeEvent(t *testing.T) {
	unpaid, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	raw, err := json.Marshal(domain.Event{
		ID:   "evt-1",
		Type: domain.EventPositionExited,
		PositionExited: &domain.PositionExited{
			Position: common.HexToAddress("0x01"),
			Unpaid:   unpaid,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	eventType, frame, err := ws.EncodeEvent(raw)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	if eventType != string(domain.EventPositionExited) {
		t.Fatalf("type = %q", eventType)
	}

	gotType, payload, err := ws.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if gotType != eventType || payload["id"] != "evt-1" {
		t.Fatalf("frame = %s %v", gotType, payload)
	}
	exited, _ := payload["positionExited"].(map[string]any)
	if exited["unpaid"] != unpaid.String() {
		t.Fatalf("unpaid = %v, want exact decimal string", exited["unpaid"])
	}

	if _, _, err := ws.EncodeEvent([]byte(`{"id":"x"}`)); err == nil {
		t.Fatal("event without type accepted")
	}
}

func TestHub_StreamsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := cachemem.NewSignalBus()
	hub := ws.NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), ws.Config{Protocol: "0xabc", Mode: "Server"})
	go hub.Run(ctx)

	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The status frame is queued after registration, which happens after
	// the hub subscribed to the bus.
	status := readFrame(t, conn)
	if status.typ != "hub_status" || status.payload["mode"] != "server" || status.payload["protocol"] != "0xabc" {
		t.Fatalf("status frame = %+v", status)
	}

	// Narrow the subscription to kicks only.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"unsubscribe","events":["*"]}`)); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"subscribe","events":["liquidation_kicked"]}`)); err != nil {
		t.Fatal(err)
	}

	// Subscription changes are applied asynchronously, so keep publishing
	// until the kick arrives.
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, evt := range []domain.Event{
					{ID: "fill", Type: domain.EventOrderFilled},
					{ID: "kick", Type: domain.EventLiquidationKicked},
				} {
					raw, _ := json.Marshal(evt)
					_ = bus.Publish(ctx, domain.EventsChannel, raw)
				}
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		f := readFrame(t, conn)
		if f.typ == string(domain.EventOrderFilled) {
			// Sent before the unsubscribe took effect.
			continue
		}
		if f.typ != string(domain.EventLiquidationKicked) || f.payload["id"] != "kick" {
			t.Fatalf("frame = %+v", f)
		}
		return
	}
	t.Fatal("order fills still delivered after unsubscribe")
}

type frame struct {
	typ     string
	payload map[string]any
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", mt)
	}
	typ, payload, err := ws.DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	return frame{typ: typ, payload: payload}
}

func httpHandler(h *ws.Hub) http.Handler {
	return http.HandlerFunc(h.HandleWS)
}
