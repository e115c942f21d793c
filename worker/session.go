package worker

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/weft/config"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/wire"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed between reads before the connection is presumed dead.
	// The server pings well inside this window.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Anything larger must be
	// chunked by the sender.
	maxMessageSize = 1024 * 1024

	sendQueueSize = 64
)

// session is one WebSocket connection to the server: a write pump, a
// read loop, and chunk handling on both directions. The runtime opens a
// fresh session per connection attempt and never reuses one.
type session struct {
	ws        *websocket.Conn
	send      chan *wire.Envelope
	done      chan struct{}
	closeOnce sync.Once
	pumpDone  chan struct{}
	assembler *wire.Assembler
	log       *zap.SugaredLogger
}

// dialSession connects and starts the write pump. The caller owns the
// read side via readLoop.
func dialSession(url string, log *zap.SugaredLogger) (*session, error) {
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dialing %s (status %d)", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dialing %s", url)
	}

	s := &session{
		ws:        ws,
		send:      make(chan *wire.Envelope, sendQueueSize),
		done:      make(chan struct{}),
		pumpDone:  make(chan struct{}),
		assembler: wire.NewAssembler(wire.DefaultAssemblyMaxAge),
		log:       log,
	}
	go s.writePump()
	return s, nil
}

// stop signals the pumps to end. The send channel is never closed, so
// concurrent writers cannot panic; writers check done instead.
func (s *session) stop() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// teardown ends the session abruptly: no close handshake, just stop the
// pumps and drop the socket so readLoop unblocks.
func (s *session) teardown() {
	s.stop()
	s.ws.Close()
}

// queue enqueues an envelope that may not be silently lost, blocking
// until there is room. Returns false once the session is over.
func (s *session) queue(env *wire.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- env:
		return true
	case <-s.done:
		return false
	}
}

// tryQueue enqueues an envelope if there is room, dropping it otherwise.
// Use for messages that a later one supersedes: progress frames,
// heartbeats.
func (s *session) tryQueue(env *wire.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- env:
		return true
	default:
		s.log.Debugw("Dropped outbound message", "type", env.Type)
		return false
	}
}

// readLoop reads frames off the socket, reassembles chunks, and hands
// complete envelopes to handle. It returns when the socket dies. One
// caller per session; it owns all reads and the assembler.
func (s *session) readLoop(handle func(*wire.Envelope)) error {
	s.ws.SetReadLimit(maxMessageSize)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// The server pings on its own cadence; a ping is proof of life too.
	s.ws.SetPingHandler(func(appData string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return s.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	lastSweep := time.Now()
	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			return err
		}

		env, err := wire.Decode(raw)
		if err != nil {
			s.log.Warnw("Malformed message from server", "error", err)
			continue
		}

		if env.Type == wire.TypeChunk {
			if s.assembler.Pending() > 0 && time.Since(lastSweep) > time.Minute {
				if n := s.assembler.Sweep(time.Now()); n > 0 {
					s.log.Warnw("Dropped stale chunk buffers", "count", n)
				}
				lastSweep = time.Now()
			}

			inner, err := s.assembler.Add(env)
			if err != nil {
				s.log.Warnw("Chunk reassembly failed", "error", err)
				continue
			}
			if inner == nil {
				continue // more chunks coming
			}
			env = inner
		}

		handle(env)
	}
}

// writePump drains the send queue onto the socket and keeps the
// connection alive with pings. It exits on stop without closing the
// socket, so shutdown can follow with final writes.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(s.pumpDone)
	}()

	for {
		select {
		case <-s.done:
			return

		case env := <-s.send:
			if err := s.writeEnvelope(env); err != nil {
				s.log.Debugw("Write failed", "type", env.Type, "error", err)
				s.stop()
				s.ws.Close()
				return
			}

		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.stop()
				s.ws.Close()
				return
			}
		}
	}
}

// shutdown performs the graceful close: stop the pump, flush the final
// envelopes synchronously, then the close handshake. Best effort all the
// way down; the peer may already be gone.
func (s *session) shutdown(finals []*wire.Envelope) {
	s.stop()
	<-s.pumpDone

	for _, env := range finals {
		if err := s.writeEnvelope(env); err != nil {
			s.log.Debugw("Final write failed", "type", env.Type, "error", err)
			break
		}
	}

	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	s.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.ws.Close()
}

// writeEnvelope serializes and sends one envelope, splitting it into
// chunk frames when it exceeds the chunk size.
func (s *session) writeEnvelope(env *wire.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}

	chunkSize := config.DefaultChunkSize
	if wire.NeedsSplit(raw, chunkSize) {
		chunks, err := wire.Split(raw, chunkSize)
		if err != nil {
			return err
		}
		for _, chunk := range chunks {
			chunkRaw, err := chunk.Encode()
			if err != nil {
				return err
			}
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, chunkRaw); err != nil {
				return err
			}
		}
		return nil
	}

	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, raw)
}
