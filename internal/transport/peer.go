package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"QuantaLedger/internal/ledger"
	"QuantaLedger/internal/quantum"
)

const (
	writeTimeout     = 10 * time.Second
	readTimeout      = 90 * time.Second
	pingInterval     = 30 * time.Second
	handshakeTimeout = 10 * time.Second
	challengeSize    = 32
)

// NewChallenge generates the handshake nonce.
func NewChallenge() (Challenge, error) {
	nonce := make([]byte, challengeSize)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, fmt.Errorf("challenge nonce: %w", err)
	}
	return Challenge{Nonce: nonce}, nil
}

func authSigningBytes(nonce []byte, apex uint64) []byte {
	b := make([]byte, 0, len(nonce)+8)
	b = append(b, nonce...)
	return binary.LittleEndian.AppendUint64(b, apex)
}

// SignChallenge produces the Auth signature over the nonce and the declared
// apex, binding the apex claim to the handshake.
func SignChallenge(priv ed25519.PrivateKey, nonce []byte, apex uint64) []byte {
	return ed25519.Sign(priv, authSigningBytes(nonce, apex))
}

// VerifyChallenge checks an Auth response against the issued nonce.
func VerifyChallenge(node ledger.PublicKey, nonce []byte, apex uint64, sig []byte) bool {
	return len(sig) == ed25519.SignatureSize &&
		ed25519.Verify(ed25519.PublicKey(node[:]), authSigningBytes(nonce, apex), sig)
}

// Peer is one authenticated websocket link. Writes are serialized by a
// mutex; reads happen on the owning connection loop only.
type Peer struct {
	node     ledger.PublicKey
	lastApex atomic.Uint64

	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func newPeer(node ledger.PublicKey, lastApex uint64, conn *websocket.Conn) *Peer {
	p := &Peer{node: node, conn: conn}
	p.lastApex.Store(lastApex)
	return p
}

// Node returns the peer's authenticated public key.
func (p *Peer) Node() ledger.PublicKey { return p.node }

// LastApex returns the peer's most recently declared apex.
func (p *Peer) LastApex() uint64 { return p.lastApex.Load() }

// SetLastApex records a newer apex observation for the peer.
func (p *Peer) SetLastApex(apex uint64) {
	for {
		cur := p.lastApex.Load()
		if apex <= cur || p.lastApex.CompareAndSwap(cur, apex) {
			return
		}
	}
}

// Send marshals and writes one message under the write mutex.
func (p *Peer) Send(t MessageType, v interface{}) error {
	msg, err := NewMessage(t, v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed.Load() {
		return fmt.Errorf("peer %s: link closed", p.node)
	}
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(msg)
}

func (p *Peer) ping() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed.Load() {
		return fmt.Errorf("peer %s: link closed", p.node)
	}
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Close tears the link down; safe to call more than once.
func (p *Peer) Close() {
	if p.closed.CompareAndSwap(false, true) {
		p.conn.Close()
	}
}

// Handlers receives decoded peer traffic. Nil entries drop the message.
type Handlers struct {
	OnQuantum      func(p *Peer, q *quantum.Quantum)
	OnAttestation  func(p *Peer, att quantum.Attestation)
	OnApex         func(p *Peer, apex uint64)
	OnSyncRequest  func(p *Peer, req SyncRequest)
	OnSyncResponse func(p *Peer, resp SyncResponse)
	OnConnected    func(p *Peer)
	OnDisconnected func(p *Peer)
}

func (h Handlers) dispatch(p *Peer, m *Message, log zerolog.Logger) {
	switch m.Type {
	case MsgQuantum:
		if h.OnQuantum == nil {
			return
		}
		q := &quantum.Quantum{}
		if err := m.Decode(q); err != nil {
			log.Warn().Err(err).Msg("bad quantum message")
			return
		}
		p.SetLastApex(q.Apex)
		h.OnQuantum(p, q)
	case MsgAttestation:
		if h.OnAttestation == nil {
			return
		}
		var att AttestationMsg
		if err := m.Decode(&att); err != nil {
			log.Warn().Err(err).Msg("bad attestation message")
			return
		}
		p.SetLastApex(att.Apex)
		h.OnAttestation(p, quantum.Attestation{
			Apex:      att.Apex,
			Node:      att.Node,
			Signature: att.Signature,
		})
	case MsgApexAnnounce:
		if h.OnApex == nil {
			return
		}
		var ann ApexAnnounce
		if err := m.Decode(&ann); err != nil {
			log.Warn().Err(err).Msg("bad apex announcement")
			return
		}
		p.SetLastApex(ann.Apex)
		h.OnApex(p, ann.Apex)
	case MsgSyncRequest:
		if h.OnSyncRequest == nil {
			return
		}
		var req SyncRequest
		if err := m.Decode(&req); err != nil {
			log.Warn().Err(err).Msg("bad sync request")
			return
		}
		h.OnSyncRequest(p, req)
	case MsgSyncResponse:
		if h.OnSyncResponse == nil {
			return
		}
		var resp SyncResponse
		if err := m.Decode(&resp); err != nil {
			log.Warn().Err(err).Msg("bad sync response")
			return
		}
		p.SetLastApex(resp.LastApex)
		h.OnSyncResponse(p, resp)
	default:
		log.Warn().Str("type", string(m.Type)).Msg("unknown peer message")
	}
}

// readLoop drains the connection until it breaks. The read deadline is
// refreshed on every frame; pongs count, so an idle but healthy link stays
// open as long as pings are answered.
func readLoop(p *Peer, handlers Handlers, log zerolog.Logger) {
	p.conn.SetReadDeadline(time.Now().Add(readTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var msg Message
		if err := p.conn.ReadJSON(&msg); err != nil {
			if !p.closed.Load() {
				log.Warn().Err(err).Str("peer", p.node.String()).Msg("peer read error")
			}
			break
		}
		p.conn.SetReadDeadline(time.Now().Add(readTimeout))
		handlers.dispatch(p, &msg, log)
	}

	p.Close()
	if handlers.OnDisconnected != nil {
		handlers.OnDisconnected(p)
	}
}

// pingLoop keeps the link alive until ctx is done or the peer closes.
func pingLoop(p *Peer, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := p.ping(); err != nil {
				return
			}
		}
	}
}
