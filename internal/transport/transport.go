// Package transport defines the contract the engine consumes messages
// through (§6) and an in-process Mock implementation for tests, grounded
// on the per-node-inbox shape of a mock transport used elsewhere in the
// corpus for engine-level tests.
package transport

import (
	"context"
	"sync"

	"github.com/exocore/cell/internal/exoerr"
)

// ServiceType scopes a message to one of the cell's logical services.
type ServiceType int

const (
	ServiceChain ServiceType = iota
	ServiceStore
	ServiceClient
)

// MessageType enumerates the wire message kinds carried over transport.
type MessageType int

const (
	MsgPendingSyncRequest MessageType = iota
	MsgPendingSyncResponse
	MsgChainSampleRequest
	MsgChainSampleResponse
	MsgChainBlocksRequest
	MsgChainBlocksResponse
	MsgStoreMutationRequest
	MsgStoreMutationResponse
	MsgStoreMutationError
	MsgStoreEntityQuery
	MsgStoreEntityQueryResponse
)

// InMessage is one inbound message as delivered by transport.
type InMessage struct {
	FromNode     string
	CellID       string
	ServiceType  ServiceType
	RendezvousID string
	MessageType  MessageType
	Payload      []byte
}

// OutMessage is one outbound message to be handed to transport.
type OutMessage struct {
	ToNodes      []string
	ServiceType  ServiceType
	RendezvousID string
	Deadline     int64 // unix millis, 0 = none
	MessageType  MessageType
	Payload      []byte
}

// Transport is the contract the engine consumes: an inbound stream and
// an outbound sink, per spec.md §6.
type Transport interface {
	// Inbox returns the channel of inbound messages for this node.
	Inbox() <-chan InMessage
	// Send delivers msg; authenticated-source and in-order-per-pair
	// guarantees are transport-level, not enforced here.
	Send(ctx context.Context, msg OutMessage) error
	// Close releases transport resources.
	Close() error
}

// Mock is an in-process Transport implementation wiring a fixed set of
// node inboxes together, for tests and single-process simulation.
type Mock struct {
	mu      sync.Mutex
	nodeID  string
	inbox   chan InMessage
	network *MockNetwork
}

// MockNetwork is the shared routing table a group of Mock transports
// register against; Send on one node's Mock delivers into every
// addressed node's inbox on the same network.
type MockNetwork struct {
	mu     sync.Mutex
	inboxes map[string]chan InMessage
}

// NewMockNetwork creates an empty shared network.
func NewMockNetwork() *MockNetwork {
	return &MockNetwork{inboxes: make(map[string]chan InMessage)}
}

// NewMockTransport registers nodeID on network and returns its
// Transport handle. bufferSize bounds the per-node inbox channel.
func (n *MockNetwork) NewMockTransport(nodeID string, bufferSize int) *Mock {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan InMessage, bufferSize)
	n.inboxes[nodeID] = ch
	return &Mock{nodeID: nodeID, inbox: ch, network: n}
}

func (m *Mock) Inbox() <-chan InMessage { return m.inbox }

// Send fans msg out to every addressed node's inbox, tagging FromNode as
// this transport's node id. A full destination inbox is treated as a
// silent drop, matching spec.md §6's "silent drop" guarantee when a
// destination cannot accept delivery within its deadline.
func (m *Mock) Send(ctx context.Context, msg OutMessage) error {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()

	in := InMessage{
		FromNode:     m.nodeID,
		ServiceType:  msg.ServiceType,
		RendezvousID: msg.RendezvousID,
		MessageType:  msg.MessageType,
		Payload:      msg.Payload,
	}
	for _, to := range msg.ToNodes {
		ch, ok := m.network.inboxes[to]
		if !ok {
			continue
		}
		select {
		case ch <- in:
		case <-ctx.Done():
			return exoerr.New(exoerr.Timeout, "transport.Send", ctx.Err())
		default:
			// destination inbox full: silent drop, per transport contract.
		}
	}
	return nil
}

func (m *Mock) Close() error {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()
	delete(m.network.inboxes, m.nodeID)
	return nil
}

// Correlator tracks outstanding rendezvous-correlated requests awaiting
// a response, sweeping entries whose deadline has passed.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]chan InMessage
}

// NewCorrelator returns an empty request correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]chan InMessage)}
}

// Register reserves rendezvousID for a future reply, returning the
// channel it will arrive on. Callers that need to send their request
// only after the correlator is ready to receive the reply (to avoid a
// race against a fast peer) should call Register before Send and Wait
// afterward; Await does both steps back to back for callers that don't
// care about that ordering.
func (c *Correlator) Register(rendezvousID string) chan InMessage {
	ch := make(chan InMessage, 1)
	c.mu.Lock()
	c.pending[rendezvousID] = ch
	c.mu.Unlock()
	return ch
}

// Wait blocks on a channel previously returned by Register until a
// matching response arrives or ctx is done.
func (c *Correlator) Wait(ctx context.Context, rendezvousID string, ch chan InMessage) (InMessage, error) {
	defer func() {
		c.mu.Lock()
		delete(c.pending, rendezvousID)
		c.mu.Unlock()
	}()

	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return InMessage{}, exoerr.New(exoerr.Timeout, "transport.Correlator.Wait", ctx.Err())
	}
}

// Await registers rendezvousID and blocks until a matching response
// arrives or ctx is done, whichever comes first.
func (c *Correlator) Await(ctx context.Context, rendezvousID string) (InMessage, error) {
	return c.Wait(ctx, rendezvousID, c.Register(rendezvousID))
}

// Resolve delivers msg to whichever Await call is waiting on its
// RendezvousID, if any. Returns false if nothing was waiting.
func (c *Correlator) Resolve(msg InMessage) bool {
	c.mu.Lock()
	ch, ok := c.pending[msg.RendezvousID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}
