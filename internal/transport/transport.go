package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dufferzafar/distributed-ledger/pkg/logging"
)

// DefaultReplyTimeout is the default deadline for an outstanding request,
// matching the source's DatagramRPCProtocol(reply_timeout=5).
const DefaultReplyTimeout = 5 * time.Second

// Addr is an opaque UDP endpoint, "host:port". Never authoritative: a node
// learns addresses from datagrams and from find_node replies, and may see
// the same logical peer from a new address at any time (spec §3).
type Addr string

// HandlerFunc answers an inbound request. args is the caller's positional
// argument list, JSON-encoded; the returned value is marshaled as the reply
// payload. An error causes the transport to log and drop rather than reply
// — handlers are expected to encode protocol-level failures (like "abort")
// in their return value, not via error.
type HandlerFunc func(from Addr, args json.RawMessage) (interface{}, error)

// BroadcastHandler is invoked for every inbound broadcast datagram, with no
// deduplication applied — "deliver to the broadcast-handling hook of the
// upper layer" (spec §4.C). The upper layer (internal/txproto) owns the
// broadcast-seen set and flood/dispatch policy.
type BroadcastHandler func(from Addr, msgID, procedure string, args json.RawMessage)

type outstanding struct {
	replyCh chan *Envelope
	timer   *time.Timer
}

// Transport is the UDP datagram request/reply/broadcast RPC layer (spec
// §4.C), grounded on the source's datagram_rpc.py.
type Transport struct {
	log *logging.Logger

	conn *net.UDPConn

	replyTimeout time.Duration

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	onBroadcast BroadcastHandler

	outstandingMu sync.Mutex
	outstanding   map[string]*outstanding

	closed    chan struct{}
	closeOnce sync.Once
}

// Config configures a Transport.
type Config struct {
	// ListenAddr is the local UDP address to bind, e.g. ":9000".
	ListenAddr string
	// ReplyTimeout overrides DefaultReplyTimeout when non-zero.
	ReplyTimeout time.Duration
}

// New binds a UDP socket and constructs a Transport. Call Start to begin
// servicing inbound datagrams.
func New(cfg Config, log *logging.Logger) (*Transport, error) {
	if log == nil {
		log = logging.GetDefault()
	}
	log = log.Component("transport")

	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}

	timeout := cfg.ReplyTimeout
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}

	return &Transport{
		log:          log,
		conn:         conn,
		replyTimeout: timeout,
		handlers:     make(map[string]HandlerFunc),
		outstanding:  make(map[string]*outstanding),
		closed:       make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound local UDP address.
func (t *Transport) LocalAddr() Addr {
	return Addr(t.conn.LocalAddr().String())
}

// RegisterHandler installs the handler for an inbound request's procedure
// name. Registering the same name twice replaces the previous handler.
func (t *Transport) RegisterHandler(procedure string, fn HandlerFunc) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[procedure] = fn
}

// OnBroadcast installs the single hook invoked for every inbound broadcast.
func (t *Transport) OnBroadcast(fn BroadcastHandler) {
	t.onBroadcast = fn
}

// Start launches the read loop in a background goroutine.
func (t *Transport) Start() {
	go t.readLoop()
}

// Stop closes the socket and fails every outstanding request.
func (t *Transport) Stop() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()

		t.outstandingMu.Lock()
		for id, o := range t.outstanding {
			o.timer.Stop()
			close(o.replyCh)
			delete(t.outstanding, id)
		}
		t.outstandingMu.Unlock()
	})
	return err
}

func (t *Transport) readLoop() {
	buf := make([]byte, 65507) // max UDP payload
	for {
		n, raddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.log.Debug("read error", "error", err)
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		from := Addr(raddr.String())

		go t.handleDatagram(from, data)
	}
}

func (t *Transport) handleDatagram(from Addr, data []byte) {
	env, err := decode(data)
	if err != nil {
		t.log.Debug("malformed datagram, dropping", "from", from, "error", err)
		return
	}

	switch env.Kind {
	case KindRequest:
		t.handleRequest(from, env)
	case KindReply:
		t.handleReply(env)
	case KindBroadcast:
		if t.onBroadcast != nil {
			t.onBroadcast(from, env.ID, env.Procedure, env.Args)
		}
	default:
		t.log.Debug("unknown envelope kind, dropping", "kind", env.Kind)
	}
}

func (t *Transport) handleRequest(from Addr, env *Envelope) {
	t.handlersMu.RLock()
	handler, ok := t.handlers[env.Procedure]
	t.handlersMu.RUnlock()

	if !ok {
		t.log.Debug("unknown procedure, dropping", "procedure", env.Procedure, "from", from)
		return
	}

	response, err := handler(from, env.Args)
	if err != nil {
		t.log.Debug("handler error, dropping", "procedure", env.Procedure, "error", err)
		return
	}

	if err := t.reply(from, env.ID, response); err != nil {
		t.log.Debug("failed to send reply", "error", err)
	}
}

func (t *Transport) handleReply(env *Envelope) {
	t.outstandingMu.Lock()
	o, ok := t.outstanding[env.ID]
	if ok {
		delete(t.outstanding, env.ID)
	}
	t.outstandingMu.Unlock()

	if !ok {
		// Late reply after timeout, or unknown id: silently discarded
		// per spec §4.C.
		return
	}

	o.timer.Stop()
	o.replyCh <- env
	close(o.replyCh)
}

// Request sends a request to peer and blocks until a reply arrives, the
// reply timeout fires, or ctx is cancelled. response is the raw JSON reply
// payload for the caller to unmarshal.
func (t *Transport) Request(ctx context.Context, peer Addr, procedure string, args interface{}) (json.RawMessage, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal args: %w", err)
	}

	id := uuid.NewString()

	t.outstandingMu.Lock()
	if _, exists := t.outstanding[id]; exists {
		t.outstandingMu.Unlock()
		return nil, ErrDuplicateMessageID
	}
	o := &outstanding{replyCh: make(chan *Envelope, 1)}
	o.timer = time.AfterFunc(t.replyTimeout, func() {
		t.outstandingMu.Lock()
		if cur, ok := t.outstanding[id]; ok && cur == o {
			delete(t.outstanding, id)
			t.outstandingMu.Unlock()
			close(o.replyCh)
			return
		}
		t.outstandingMu.Unlock()
	})
	t.outstanding[id] = o
	t.outstandingMu.Unlock()

	env := &Envelope{Kind: KindRequest, ID: id, Procedure: procedure, Args: argsJSON}
	if err := t.send(peer, env); err != nil {
		t.outstandingMu.Lock()
		delete(t.outstanding, id)
		t.outstandingMu.Unlock()
		o.timer.Stop()
		return nil, fmt.Errorf("transport: send request: %w", err)
	}

	select {
	case env, ok := <-o.replyCh:
		if !ok {
			return nil, ErrTimeout
		}
		return env.Response, nil
	case <-ctx.Done():
		t.outstandingMu.Lock()
		delete(t.outstanding, id)
		t.outstandingMu.Unlock()
		o.timer.Stop()
		return nil, ctx.Err()
	case <-t.closed:
		return nil, ErrClosed
	}
}

func (t *Transport) reply(peer Addr, id string, response interface{}) error {
	respJSON, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("transport: marshal response: %w", err)
	}
	env := &Envelope{Kind: KindReply, ID: id, Response: respJSON}
	return t.send(peer, env)
}

// Broadcast sends the same datagram, under a fresh msg_id, to every address
// in peers. No replies are expected (spec §4.C).
func (t *Transport) Broadcast(peers []Addr, procedure string, args interface{}) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("transport: marshal broadcast args: %w", err)
	}
	return t.BroadcastWithID(peers, uuid.NewString(), procedure, argsJSON)
}

// BroadcastWithID sends a broadcast using an existing msg_id — used when
// re-flooding a broadcast this node has received but not yet forwarded
// (spec §4.F's gossip flood forwards the same msg_id it was received with).
func (t *Transport) BroadcastWithID(peers []Addr, msgID, procedure string, argsJSON json.RawMessage) error {
	env := &Envelope{Kind: KindBroadcast, ID: msgID, Procedure: procedure, Args: argsJSON}
	var firstErr error
	for _, peer := range peers {
		if err := t.send(peer, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Transport) send(peer Addr, env *Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	raddr, err := net.ResolveUDPAddr("udp", string(peer))
	if err != nil {
		return fmt.Errorf("resolve peer addr %q: %w", peer, err)
	}
	_, err = t.conn.WriteToUDP(data, raddr)
	return err
}
