package network

import (
	"sync"
	"time"

	"github.com/woozymasta/drover/internal/protocol"
)

type result struct {
	packet protocol.Packet
	err    error
}

// pendingRequest correlates an outbound request with its eventual response.
type pendingRequest struct {
	done   chan result
	timer  *time.Timer
	packet protocol.ID
}

// pendingTable holds at most one pending request per token. Whoever removes
// an entry first (response, timeout or close) resolves it; every later
// attempt finds nothing and becomes a no-op.
type pendingTable struct {
	entries map[uint64]*pendingRequest
	mu      sync.Mutex
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint64]*pendingRequest)}
}

// register inserts a request and arms its timeout under the same lock, so the
// timeout callback can never run before the entry exists.
func (t *pendingTable) register(token uint64, id protocol.ID, timeout time.Duration, onTimeout func(uint64)) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[token]; exists {
		return nil, false
	}

	req := &pendingRequest{
		done:   make(chan result, 1),
		packet: id,
	}
	req.timer = time.AfterFunc(timeout, func() { onTimeout(token) })
	t.entries[token] = req

	return req, true
}

// take removes and returns the request, or nil if it was already resolved.
func (t *pendingTable) take(token uint64) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.entries[token]
	if !ok {
		return nil
	}
	delete(t.entries, token)
	req.timer.Stop()

	return req
}

// drain removes every request.
func (t *pendingTable) drain() []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	drained := make([]*pendingRequest, 0, len(t.entries))
	for token, req := range t.entries {
		req.timer.Stop()
		drained = append(drained, req)
		delete(t.entries, token)
	}

	return drained
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

// resolve delivers the result. The channel is buffered so a caller that has
// stopped waiting never blocks the resolver.
func (r *pendingRequest) resolve(res result) {
	r.done <- res
}
