package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"netstate.dev/internal/protocol"
	"netstate.dev/internal/replicator"
)

type Server struct {
	rep *replicator.Replicator
	log *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(rep *replicator.Replicator, logger *log.Logger) *Server {
	s := &Server{
		rep: rep,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c, hello := s.handshake(conn)
		if c == nil {
			return
		}
		reason := "closed"
		defer func() { s.rep.Disconnect(c, reason) }()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writes come from the frame pump and the ack error path.
		var wmu sync.Mutex
		write := func(mt int, b []byte) error {
			wmu.Lock()
			defer wmu.Unlock()
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			return conn.WriteMessage(mt, b)
		}

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-c.Done():
					_ = writeJSONWith(write, protocol.NewDisconnect(protocol.ErrInternal, "session closed"))
					_ = conn.Close()
					return
				case f := <-c.Frames():
					if err := write(websocket.BinaryMessage, f.Data); err != nil {
						cancel()
						_ = conn.Close()
						return
					}
					if hello.Capabilities.Stats {
						st := c.Stats()
						_ = writeJSONWith(write, protocol.StatsMsg{
							Type:            protocol.TypeStats,
							ProtocolVersion: protocol.Version,
							Tick:            f.Tick,
							Objects:         f.Objects,
							Bits:            f.Bits,
							Dropped:         int(st.Dropped),
						})
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				reason = "read: " + err.Error()
				break
			}
			if mt != websocket.TextMessage {
				continue
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeAck {
				continue
			}
			var ack protocol.AckMsg
			if err := json.Unmarshal(msg, &ack); err != nil {
				continue
			}
			// Unknown or stale ticks are ignored; the client simply keeps
			// receiving frames against the older baseline.
			s.rep.Ack(c, ack.Tick)
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) (*replicator.Client, protocol.HelloMsg) {
	var hello protocol.HelloMsg
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, hello
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		reject(conn, protocol.ErrProtoBadRequest, "expected HELLO", websocket.ClosePolicyViolation)
		return nil, hello
	}
	if err := json.Unmarshal(msg, &hello); err != nil {
		reject(conn, protocol.ErrProtoBadRequest, "bad HELLO", websocket.ClosePolicyViolation)
		return nil, hello
	}
	if hello.ProtocolVersion != protocol.Version {
		reject(conn, protocol.ErrIncompatibleVersion, "bad protocol_version", websocket.ClosePolicyViolation)
		return nil, hello
	}
	reg := s.rep.Registry()
	if hello.SchemaCRC != reg.CRC() {
		s.printf("reject %q: schema crc %08x, server %08x", hello.ClientName, hello.SchemaCRC, reg.CRC())
		reject(conn, protocol.ErrIncompatibleVersion,
			fmt.Sprintf("schema crc mismatch: client=%08x server=%08x", hello.SchemaCRC, reg.CRC()), websocket.ClosePolicyViolation)
		return nil, hello
	}
	if hello.ClientName == "" {
		hello.ClientName = "client"
	}

	c, err := s.rep.ConnectWith(replicator.ClientParams{
		Name:          hello.ClientName,
		MaxFrameBytes: hello.Capabilities.MaxFrameBytes,
	})
	if err != nil {
		code := protocol.ErrInternal
		if errors.Is(err, replicator.ErrServerFull) {
			code = protocol.ErrServerFull
		}
		reject(conn, code, err.Error(), websocket.CloseTryAgainLater)
		return nil, hello
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       c.ID,
		ClientSlot:      c.Slot,
		TickRateHz:      s.rep.Config().TickRateHz,
		SchemaCRC:       reg.CRC(),
		Tables:          reg.Summaries(),
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.rep.Disconnect(c, "welcome: "+err.Error())
		return nil, hello
	}
	return c, hello
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// reject sends DISCONNECT and closes with the given close code.
func reject(conn *websocket.Conn, code, message string, closeCode int) {
	_ = writeJSON(conn, protocol.NewDisconnect(code, message))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, code), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	return writeJSONWith(func(mt int, b []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteMessage(mt, b)
	}, v)
}

func writeJSONWith(write func(int, []byte) error, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return write(websocket.TextMessage, b)
}
