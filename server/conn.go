package server

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teranos/weft/version"
	"github.com/teranos/weft/wire"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Anything larger must be
	// chunked by the sender.
	maxMessageSize = 1024 * 1024
)

// Conn is one live WebSocket in the fabric. Every connection starts as a
// monitor and is promoted to a worker when it registers.
type Conn struct {
	server *Server
	ws     *websocket.Conn
	id     string
	remote string

	send      chan *wire.Envelope
	done      chan struct{}
	closeOnce sync.Once

	kind   atomic.Int32
	worker atomic.Value // worker id string, set on promotion

	// assembler reassembles inbound chunked messages. Only the read pump
	// touches it.
	assembler *wire.Assembler

	// inType is the message type currently being handled. Handlers run on
	// the read pump, so only that goroutine touches it; sendError uses it
	// to attribute error replies.
	inType string

	// subs is the set of job ids this connection follows. Guarded by
	// server.mu alongside the jobSubs index.
	subs map[string]bool
}

func newConn(s *Server, ws *websocket.Conn, kind connKind) *Conn {
	c := &Conn{
		server:    s,
		ws:        ws,
		id:        uuid.New().String()[:8],
		remote:    ws.RemoteAddr().String(),
		send:      make(chan *wire.Envelope, MaxConnMessageQueueSize),
		done:      make(chan struct{}),
		assembler: wire.NewAssembler(wire.DefaultAssemblyMaxAge),
		subs:      make(map[string]bool),
	}
	c.kind.Store(int32(kind))
	return c
}

// workerID returns the bound worker id, or "" for monitor connections.
func (c *Conn) workerID() string {
	if v := c.worker.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (c *Conn) kindIs(k connKind) bool {
	return connKind(c.kind.Load()) == k
}

func (c *Conn) kindName() string {
	switch connKind(c.kind.Load()) {
	case kindWorker:
		return "worker"
	case kindMonitor:
		return "monitor"
	default:
		return "client"
	}
}

// promote marks the connection as a worker's channel.
func (c *Conn) promote(workerID string) {
	c.kind.Store(int32(kindWorker))
	c.worker.Store(workerID)
}

// close signals the pumps to stop. The send channel is never closed, so
// concurrent writers cannot panic; writers check done instead.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// tryQueue enqueues an envelope if the connection has room, dropping it
// otherwise. Use for messages that a later one supersedes: progress
// frames, stats broadcasts.
func (c *Conn) tryQueue(env *wire.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		c.server.sendDrops.Add(1)
		sendDropsTotal.Inc()
		return false
	}
}

// mustQueue enqueues an envelope that may not be silently lost: job
// assignments, terminal events, acks. If the queue is full the connection
// is too far behind to trust, so it is dropped and the peer reconnects
// and syncs.
func (c *Conn) mustQueue(env *wire.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		c.server.sendDrops.Add(1)
		sendDropsTotal.Inc()
		go c.server.removeSlowConn(c)
		return false
	}
}

// sendError answers a bad message. Error replies are droppable: if the
// peer cannot drain its queue an error reply will not save it.
func (c *Conn) sendError(code, message, refID string) {
	msgType := c.inType
	if msgType == "" {
		msgType = "unknown"
	}
	wsHandlerErrorsTotal.WithLabelValues(msgType).Inc()
	c.server.logger.Debugw("Error reply",
		"conn_id", c.id,
		"type", msgType,
		"code", code,
		"message", message,
	)
	if !c.tryQueue(wire.NewError(code, message, refID)) {
		c.server.logger.Debugw("Dropped error reply",
			"conn_id", c.id,
			"code", code,
		)
	}
}

// readPump reads frames off the socket, reassembles chunks, and hands
// complete envelopes to the dispatcher. One per connection; it owns all
// reads and the assembler.
func (c *Conn) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.close()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	lastSweep := time.Now()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		c.inType = ""
		env, err := wire.Decode(raw)
		if err != nil {
			c.server.logger.Warnw("Malformed message",
				"conn_id", c.id,
				"error", err,
			)
			c.sendError(wire.CodeInvalidRequest, "malformed envelope", "")
			continue
		}

		if env.Type == wire.TypeChunk {
			c.inType = wire.TypeChunk
			if c.assembler.Pending() > 0 && time.Since(lastSweep) > time.Minute {
				if n := c.assembler.Sweep(time.Now()); n > 0 {
					c.server.logger.Warnw("Dropped stale chunk buffers",
						"conn_id", c.id,
						"count", n,
					)
				}
				lastSweep = time.Now()
			}

			inner, err := c.assembler.Add(env)
			if err != nil {
				c.server.logger.Warnw("Chunk reassembly failed",
					"conn_id", c.id,
					"error", err,
				)
				c.sendError(wire.CodeInvalidRequest, "chunk reassembly failed", env.ID)
				continue
			}
			if inner == nil {
				continue // more chunks coming
			}
			env = inner
		}

		c.server.dispatch(c, env)
	}
}

func (c *Conn) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived) {
		c.server.logger.Warnw("Unexpected connection close",
			"conn_id", c.id,
			"worker_id", c.workerID(),
			"error", err,
		)
	} else {
		c.server.logger.Debugw("Connection closed by peer",
			"conn_id", c.id,
			"error", err,
		)
	}
}

// writePump drains the send queue onto the socket and keeps the
// connection alive with pings. One per connection; it owns all writes
// after the welcome.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case env := <-c.send:
			if err := c.writeEnvelope(env); err != nil {
				c.server.logger.Debugw("Write failed",
					"conn_id", c.id,
					"type", env.Type,
					"error", err,
				)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeEnvelope serializes and sends one envelope, splitting it into
// chunk frames when it exceeds the configured chunk size.
func (c *Conn) writeEnvelope(env *wire.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}

	chunkSize := c.server.config().Server.ChunkSize()
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
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, chunkRaw); err != nil {
				return err
			}
		}
		wsMessagesTotal.WithLabelValues(env.Type, "out").Inc()
		return nil
	}

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}
	wsMessagesTotal.WithLabelValues(env.Type, "out").Inc()
	return nil
}

// HandleWebSocket serves the plain /ws endpoint. Connections start as
// clients; a register_worker message promotes them.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.handleSocket(w, r, kindClient, "")
}

// HandleWorkerSocket serves /ws/worker/{id}. The path id binds the
// connection for routing immediately; capabilities still arrive via
// register_worker.
func (s *Server) HandleWorkerSocket(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/ws/worker/")
	id := ""
	if len(parts) > 0 {
		id = parts[0]
	}
	s.handleSocket(w, r, kindWorker, id)
}

// HandleClientSocket serves /ws/client/{id}.
func (s *Server) HandleClientSocket(w http.ResponseWriter, r *http.Request) {
	s.handleSocket(w, r, kindClient, "")
}

// HandleMonitorSocket serves /ws/monitor/{id}. Monitors receive the
// stats broadcast and can pull a full state snapshot via sync_job_state.
func (s *Server) HandleMonitorSocket(w http.ResponseWriter, r *http.Request) {
	s.handleSocket(w, r, kindMonitor, "")
}

// handleSocket upgrades an HTTP request into a fabric connection. The
// welcome frame goes out before the pumps start so it is always the first
// message a peer sees.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request, kind connKind, workerID string) {
	if s.getState() != ServerStateRunning {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("WebSocket upgrade failed",
			"error", err,
			"remote", r.RemoteAddr,
		)
		return
	}

	c := newConn(s, ws, kind)

	select {
	case s.register <- c:
	case <-s.ctx.Done():
		ws.Close()
		return
	}

	if kind == kindWorker && workerID != "" {
		s.bindWorker(c, workerID)
	}

	welcome := wire.MustNew(wire.TypeWelcome, wire.WelcomePayload{
		ConnectionID:  c.id,
		ServerVersion: version.Get().Version,
		ServerTime:    time.Now().UnixMilli(),
	})
	if err := c.writeEnvelope(welcome); err != nil {
		s.logger.Warnw("Failed to send welcome",
			"conn_id", c.id,
			"error", err,
		)
	}

	go c.writePump()
	go c.readPump()
}
