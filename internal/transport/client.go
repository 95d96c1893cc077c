package transport

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"QuantaLedger/internal/ledger"
	"QuantaLedger/internal/observability"
)

// Client maintains one persistent outbound link to a peer (an auditor's
// link to the alpha), reconnecting with exponential backoff when it drops.
type Client struct {
	url        string
	nodeKey    ledger.PublicKey
	signingKey ed25519.PrivateKey
	expectNode ledger.PublicKey
	apexFn     func() uint64
	handlers   Handlers
	log        zerolog.Logger
	metrics    *observability.Metrics

	mu     sync.Mutex
	peer   *Peer
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(
	url string,
	nodeKey ledger.PublicKey,
	signingKey ed25519.PrivateKey,
	expectNode ledger.PublicKey,
	apexFn func() uint64,
	handlers Handlers,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Client {
	return &Client{
		url:        url,
		nodeKey:    nodeKey,
		signingKey: signingKey,
		expectNode: expectNode,
		apexFn:     apexFn,
		handlers:   handlers,
		log:        logger.With().Str("component", "peer_client").Str("url", url).Logger(),
		metrics:    metrics,
	}
}

// Start launches the connection loop.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.runLoop(ctx)
}

// Stop tears the link down and waits for the loop to exit.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.closePeer()
	c.wg.Wait()
}

func (c *Client) runLoop(ctx context.Context) {
	defer c.wg.Done()
	retry := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		peer, err := c.connect(ctx)
		if err != nil {
			delay := CalculateBackoff(retry)
			c.log.Warn().Err(err).Int("retry", retry).Dur("backoff", delay).
				Msg("peer connection failed")
			if c.metrics != nil {
				c.metrics.PeerReconnects.WithLabelValues(c.expectNode.String()).Inc()
			}
			retry++
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry = 0
		c.log.Info().Str("peer", peer.Node().String()).Uint64("peer_apex", peer.LastApex()).
			Msg("peer connected")
		if c.handlers.OnConnected != nil {
			c.handlers.OnConnected(peer)
		}

		done := make(chan struct{})
		go pingLoop(peer, done)
		readLoop(peer, c.handlers, c.log)
		close(done)
		c.closePeer()
	}
}

// connect dials, answers the challenge, and verifies the welcome identity.
func (c *Client) connect(ctx context.Context) (*Peer, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}

	peer, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
	return peer, nil
}

func (c *Client) handshake(conn *websocket.Conn) (*Peer, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, err
	}
	if msg.Type != MsgChallenge {
		return nil, fmt.Errorf("expected %s, got %s", MsgChallenge, msg.Type)
	}
	var challenge Challenge
	if err := msg.Decode(&challenge); err != nil {
		return nil, err
	}

	apex := c.apexFn()
	auth, err := NewMessage(MsgAuth, Auth{
		Node:      c.nodeKey,
		LastApex:  apex,
		Signature: SignChallenge(c.signingKey, challenge.Nonce, apex),
	})
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.WriteJSON(auth); err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var reply Message
	if err := conn.ReadJSON(&reply); err != nil {
		return nil, err
	}
	if reply.Type != MsgWelcome {
		return nil, fmt.Errorf("expected %s, got %s", MsgWelcome, reply.Type)
	}
	var welcome Welcome
	if err := reply.Decode(&welcome); err != nil {
		return nil, err
	}
	if welcome.Node != c.expectNode {
		return nil, fmt.Errorf("connected to %s, expected %s", welcome.Node, c.expectNode)
	}

	return newPeer(welcome.Node, welcome.LastApex, conn), nil
}

// Send writes to the current link; fails when disconnected.
func (c *Client) Send(t MessageType, v interface{}) error {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("peer link down")
	}
	return peer.Send(t, v)
}

// Peer returns the live link, nil while disconnected.
func (c *Client) Peer() *Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Client) closePeer() {
	c.mu.Lock()
	peer := c.peer
	c.peer = nil
	c.mu.Unlock()
	if peer != nil {
		peer.Close()
	}
}
