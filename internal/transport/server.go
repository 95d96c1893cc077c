package transport

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"QuantaLedger/internal/ledger"
	"QuantaLedger/internal/observability"
)

// Server accepts inbound peer links. The alpha runs one; auditors dial it.
// Each connection is challenged and must answer with a signature from a key
// in the current constellation settings before any traffic flows.
type Server struct {
	settingsFn func() ledger.Settings
	apexFn     func() uint64
	nodeKey    ledger.PublicKey
	handlers   Handlers
	upgrader   websocket.Upgrader
	log        zerolog.Logger
	metrics    *observability.Metrics

	mu    sync.Mutex
	peers map[ledger.PublicKey]*Peer
	done  chan struct{}
}

func NewServer(
	nodeKey ledger.PublicKey,
	settingsFn func() ledger.Settings,
	apexFn func() uint64,
	handlers Handlers,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Server {
	return &Server{
		settingsFn: settingsFn,
		apexFn:     apexFn,
		nodeKey:    nodeKey,
		handlers:   handlers,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   64 << 10,
			WriteBufferSize:  64 << 10,
		},
		log:     logger.With().Str("component", "peer_server").Logger(),
		metrics: metrics,
		peers:   make(map[ledger.PublicKey]*Peer),
		done:    make(chan struct{}),
	}
}

// Handler is the websocket upgrade endpoint, mounted at /peer.
func (s *Server) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	peer, err := s.handshake(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("peer handshake failed")
		conn.Close()
		return
	}

	s.register(peer)
	s.log.Info().Str("peer", peer.Node().String()).Uint64("peer_apex", peer.LastApex()).
		Msg("peer connected")
	if s.handlers.OnConnected != nil {
		s.handlers.OnConnected(peer)
	}

	go pingLoop(peer, s.done)
	readLoop(peer, s.wrapHandlers(), s.log)
}

// handshake challenges the dialer and verifies the response against the
// current constellation membership.
func (s *Server) handshake(conn *websocket.Conn) (*Peer, error) {
	challenge, err := NewChallenge()
	if err != nil {
		return nil, err
	}
	msg, err := NewMessage(MsgChallenge, challenge)
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var reply Message
	if err := conn.ReadJSON(&reply); err != nil {
		return nil, err
	}
	if reply.Type != MsgAuth {
		return nil, fmt.Errorf("expected %s, got %s", MsgAuth, reply.Type)
	}
	var auth Auth
	if err := reply.Decode(&auth); err != nil {
		return nil, err
	}

	if !s.isMember(auth.Node) {
		return nil, fmt.Errorf("node %s is not in the constellation", auth.Node)
	}
	if !VerifyChallenge(auth.Node, challenge.Nonce, auth.LastApex, auth.Signature) {
		return nil, fmt.Errorf("invalid challenge signature from %s", auth.Node)
	}

	welcome, err := NewMessage(MsgWelcome, Welcome{Node: s.nodeKey, LastApex: s.apexFn()})
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.WriteJSON(welcome); err != nil {
		return nil, err
	}

	return newPeer(auth.Node, auth.LastApex, conn), nil
}

func (s *Server) isMember(node ledger.PublicKey) bool {
	settings := s.settingsFn()
	if node == settings.Alpha {
		return true
	}
	for _, a := range settings.Auditors {
		if node == a {
			return true
		}
	}
	return false
}

// register adds the peer, replacing (and closing) any stale link from the
// same node — the newest connection wins.
func (s *Server) register(p *Peer) {
	s.mu.Lock()
	old := s.peers[p.Node()]
	s.peers[p.Node()] = p
	n := len(s.peers)
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if s.metrics != nil {
		s.metrics.PeersConnected.Set(float64(n))
	}
}

func (s *Server) unregister(p *Peer) {
	s.mu.Lock()
	if s.peers[p.Node()] == p {
		delete(s.peers, p.Node())
	}
	n := len(s.peers)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.PeersConnected.Set(float64(n))
	}
}

func (s *Server) wrapHandlers() Handlers {
	h := s.handlers
	inner := h.OnDisconnected
	h.OnDisconnected = func(p *Peer) {
		s.unregister(p)
		s.log.Info().Str("peer", p.Node().String()).Msg("peer disconnected")
		if inner != nil {
			inner(p)
		}
	}
	return h
}

// Broadcast sends one message to every connected peer. Send failures are
// left to the per-connection read loop to notice and tear down.
func (s *Server) Broadcast(t MessageType, v interface{}) {
	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.Send(t, v); err != nil {
			s.log.Warn().Err(err).Str("peer", p.Node().String()).Msg("broadcast send failed")
		}
	}
}

// Peer returns the live link for a node, nil if not connected.
func (s *Server) Peer(node ledger.PublicKey) *Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[node]
}

// PeerCount returns the number of live links.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close tears down every link.
func (s *Server) Close() {
	close(s.done)
	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = make(map[ledger.PublicKey]*Peer)
	s.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}
}
