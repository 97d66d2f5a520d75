// Package wsproxy implements the WebSocket proxy (C9): a local
// `/ws` upgrade endpoint that bridges the caller to a second WebSocket
// connection opened against the configured upstream, logging frames in
// both directions.
package wsproxy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/reticlehq/reticle/internal/adapter/outbound/hub"
	"github.com/reticlehq/reticle/internal/domain/protocol"
	"github.com/reticlehq/reticle/internal/domain/recorder"
	"github.com/reticlehq/reticle/internal/domain/tokencount"
)

// Sink is where the proxy emits LogEntries.
type Sink interface {
	EmitLog(hub.LogEvent)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// frame is one WebSocket message carried on an internal relay queue.
type frame struct {
	messageType int
	data        []byte
}

// Proxy bridges one client WebSocket connection to one upstream WebSocket
// connection.
type Proxy struct {
	UpstreamURL string
	SessionID   string
	ServerName  string

	Sink     Sink
	Recorder *recorder.Recorder
	Logger   *slog.Logger

	Dialer *websocket.Dialer
}

func (p *Proxy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Proxy) dialer() *websocket.Dialer {
	if p.Dialer != nil {
		return p.Dialer
	}
	return websocket.DefaultDialer
}

// HandleWS upgrades the incoming request and bridges it to the upstream.
func (p *Proxy) HandleWS(w http.ResponseWriter, r *http.Request) {
	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger().Warn("wsproxy: client upgrade failed", "error", err)
		return
	}
	defer clientConn.Close()

	upstreamConn, _, err := p.dialer().Dial(p.UpstreamURL, nil)
	if err != nil {
		p.emitSyntheticError(fmt.Errorf("%w: %v", protocol.ErrUpstreamConnect, err))
		_ = clientConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "upstream connect failed"))
		return
	}
	defer upstreamConn.Close()

	toUpstream := make(chan frame, 32)
	toClient := make(chan frame, 32)
	closeOnce := make(chan struct{})
	stop := func() {
		select {
		case <-closeOnce:
		default:
			close(closeOnce)
		}
	}

	go p.readLoop(clientConn, toUpstream, protocol.In, stop)
	go p.readLoop(upstreamConn, toClient, protocol.Out, stop)
	go p.writeLoop(upstreamConn, toUpstream, closeOnce)
	go p.writeLoop(clientConn, toClient, closeOnce)

	<-closeOnce
}

// readLoop reads frames from conn and logs/records data frames. Ping, pong
// and close frames are consumed by the websocket library inside
// ReadMessage (pings are answered on conn itself, a close ends the loop),
// so they are not relayed to the other side. Text frames always go through the universal
// classify-or-Raw rule every other transport uses; Binary frames are only
// logged when they're valid UTF-8 that parses as JSON, since an arbitrary
// binary payload isn't worth recording as Raw.
func (p *Proxy) readLoop(conn *websocket.Conn, relay chan<- frame, dir protocol.Direction, stop func()) {
	defer stop()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch mt {
		case websocket.PingMessage, websocket.PongMessage, websocket.CloseMessage:
			p.offer(relay, frame{messageType: mt, data: data})
			continue
		}

		switch mt {
		case websocket.TextMessage:
			c := protocol.Classify(data)
			p.emit(c, dir)
			p.offerToRecorder(c, dir)
		case websocket.BinaryMessage:
			if shouldLog(data) {
				c := protocol.Classify(data)
				p.emit(c, dir)
				p.offerToRecorder(c, dir)
			}
		}
		p.offer(relay, frame{messageType: mt, data: data})
	}
}

func (p *Proxy) offer(relay chan<- frame, f frame) {
	select {
	case relay <- f:
	default:
		p.logger().Warn("wsproxy: relay queue full, dropping frame")
	}
}

// writeLoop drains relay onto conn until stopped.
func (p *Proxy) writeLoop(conn *websocket.Conn, relay <-chan frame, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case f := <-relay:
			if err := conn.WriteMessage(f.messageType, f.data); err != nil {
				select {
				case <-stop:
				default:
					close(stop)
				}
				return
			}
		}
	}
}

// shouldLog reports whether data is valid UTF-8 that parses as JSON, the
// only case in which a binary WebSocket frame is worth recording.
func shouldLog(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	return json.Valid(data)
}

func (p *Proxy) emit(c protocol.Classified, dir protocol.Direction) {
	if p.Sink == nil {
		return
	}
	p.Sink.EmitLog(hub.LogEvent{
		ID:          protocol.NextLogID(dir.String()),
		SessionID:   p.SessionID,
		Timestamp:   protocol.NowMicros(),
		Direction:   dir.String(),
		Content:     c.Canonical,
		Method:      c.Method,
		ServerName:  p.ServerName,
		MessageType: c.Type.String(),
		TokenCount:  tokencount.CountMCPContextTokens([]byte(c.Canonical)),
	})
}

func (p *Proxy) offerToRecorder(c protocol.Classified, dir protocol.Direction) {
	if p.Recorder == nil {
		return
	}
	_ = p.Recorder.RecordMessage(json.RawMessage(c.Canonical), dir, protocol.NowMicros(), false, false)
}

func (p *Proxy) emitSyntheticError(err error) {
	if p.Sink == nil {
		return
	}
	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"error":   map[string]interface{}{"code": -32000, "message": err.Error()},
	})
	p.Sink.EmitLog(hub.LogEvent{
		ID:          protocol.NextLogID("error"),
		SessionID:   p.SessionID,
		Timestamp:   protocol.NowMicros(),
		Direction:   protocol.Out.String(),
		Content:     string(body),
		ServerName:  p.ServerName,
		MessageType: protocol.JsonRpc.String(),
		TokenCount:  tokencount.CountMCPContextTokens(body),
	})
}
