package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"netstate.dev/internal/protocol"
	"netstate.dev/internal/replication/schema"
	"netstate.dev/internal/replication/schemadef"
	"netstate.dev/internal/replicator"
)

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name       = flag.String("name", "bot", "client name")
		schemaPath = flag.String("schema", "./configs/schema.yaml", "schema.yaml shared with the server")
		ackLoss    = flag.Float64("ack_loss", 0, "fraction of ACKs to withhold (0..1), to exercise older baselines")
		maxFrame   = flag.Int("max_frame_bytes", 0, "largest frame the server may send (0 = unlimited)")
		stats      = flag.Bool("stats", false, "request STATS after every frame")
		every      = flag.Int("report_every", 100, "log a summary every N frames")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	doc, err := schemadef.Load(*schemaPath)
	if err != nil {
		logger.Fatalf("load schema: %v", err)
	}
	reg := schema.NewRegistry()
	if err := doc.Register(reg); err != nil {
		logger.Fatalf("register schema: %v", err)
	}
	if err := reg.Finalize(); err != nil {
		logger.Fatalf("finalize schema: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
		SchemaCRC:       reg.CRC(),
		Capabilities: protocol.HelloCapabilities{
			MaxFrameBytes: *maxFrame,
			Stats:         *stats,
		},
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	rv := replicator.NewReceiver(reg)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var frames, bytes, withheld int

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Printf("closed: %v", err)
			return
		}
		if mt == websocket.BinaryMessage {
			h, err := rv.Apply(msg, len(msg)*8)
			if err != nil {
				logger.Printf("frame: %v", err)
				continue
			}
			frames++
			bytes += len(msg)
			if *ackLoss > 0 && rng.Float64() < *ackLoss {
				withheld++
			} else if err := conn.WriteJSON(protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version, Tick: h.Tick}); err != nil {
				logger.Printf("send ACK: %v", err)
				return
			}
			if *every > 0 && frames%*every == 0 {
				logger.Printf("tick=%d baseline=%d objects=%d frames=%d avg_bytes=%d withheld_acks=%d",
					h.Tick, h.BaselineTick, len(rv.Objects()), frames, bytes/frames, withheld)
			}
			continue
		}

		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Printf("WELCOME session=%s slot=%d tick_rate=%d tables=%d", w.SessionID, w.ClientSlot, w.TickRateHz, len(w.Tables))
		case protocol.TypeDisconnect:
			var d protocol.DisconnectMsg
			_ = json.Unmarshal(msg, &d)
			logger.Printf("DISCONNECT code=%s message=%s", d.Code, d.Message)
		case protocol.TypeStats:
			var s protocol.StatsMsg
			if err := json.Unmarshal(msg, &s); err == nil && s.Dropped > 0 {
				logger.Printf("STATS tick=%d dropped=%d", s.Tick, s.Dropped)
			}
		}
	}
}
