package machine

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/queue"
	"github.com/teranos/weft/wire"
)

// pubWriteWait bounds one snapshot write.
const pubWriteWait = 10 * time.Second

// publisher owns the WebSocket that carries machine_status envelopes to
// the server. It dials lazily and drops the socket on any failure; the
// next publish redials, so a missed snapshot heals on the next cadence.
type publisher struct {
	url string
	log *zap.SugaredLogger

	mu sync.Mutex
	ws *websocket.Conn
}

func newPublisher(url string, log *zap.SugaredLogger) *publisher {
	return &publisher{url: url, log: log}
}

// publish sends one snapshot, dialing first if the channel is down.
func (p *publisher) publish(ctx context.Context, m *queue.Machine) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ws == nil {
		if err := p.dialLocked(ctx); err != nil {
			return err
		}
	}

	env, err := wire.New(wire.TypeMachineStatus, m)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	p.ws.SetWriteDeadline(time.Now().Add(pubWriteWait))
	if err := p.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		p.dropLocked()
		return errors.Wrap(err, "writing machine status")
	}
	return nil
}

func (p *publisher) dialLocked(ctx context.Context) error {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, p.url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return errors.Wrapf(err, "dialing %s", p.url)
	}

	p.ws = ws
	go p.drain(ws)

	p.log.Debugw("Machine status channel connected", "url", p.url)
	return nil
}

// drain reads and discards inbound frames. The server pings on an
// interval and gorilla only answers pings from inside a read, so the
// connection would be evicted as silent without this loop.
func (p *publisher) drain(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			p.mu.Lock()
			if p.ws == ws {
				p.ws = nil
			}
			p.mu.Unlock()
			ws.Close()
			return
		}
	}
}

// dropLocked discards a dead socket. Caller holds mu.
func (p *publisher) dropLocked() {
	if p.ws == nil {
		return
	}
	p.ws.Close()
	p.ws = nil
}

// close ends the channel politely after the final snapshot.
func (p *publisher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ws == nil {
		return
	}
	p.ws.SetWriteDeadline(time.Now().Add(pubWriteWait))
	p.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	p.ws.Close()
	p.ws = nil
}
