// Package protocoltest provides engine stand-ins for tests: session record
// builders, identity keys and a scripted discovery service.
package protocoltest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gwillem/signal-store/internal/protocol"
)

// SessionRecord builds a serialized RecordStructure whose current session
// has the given version and, if senderChain is set, a sender chain.
func SessionRecord(version uint32, senderChain bool) []byte {
	var session []byte
	session = protowire.AppendTag(session, 1, protowire.VarintType)
	session = protowire.AppendVarint(session, uint64(version))
	session = protowire.AppendTag(session, 4, protowire.BytesType)
	session = protowire.AppendBytes(session, []byte("root-key"))
	if senderChain {
		var chain []byte
		chain = protowire.AppendTag(chain, 1, protowire.BytesType)
		chain = protowire.AppendBytes(chain, []byte("sender-ratchet-key"))
		session = protowire.AppendTag(session, 6, protowire.BytesType)
		session = protowire.AppendBytes(session, chain)
	}

	var record []byte
	record = protowire.AppendTag(record, 1, protowire.BytesType)
	return protowire.AppendBytes(record, session)
}

// ActiveSession returns a record that RecordInspector reports as active.
func ActiveSession() []byte {
	return SessionRecord(protocol.CurrentSessionVersion, true)
}

// IdentityKey returns a freshly generated identity public key.
func IdentityKey(t testing.TB) protocol.IdentityKey {
	t.Helper()
	kp, err := protocol.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return kp.Public
}

// Discovery is a scripted phone-number lookup service.
type Discovery struct {
	mu         sync.Mutex
	registered map[string]uuid.UUID

	// Err, if set, is returned by every Lookup.
	Err error
	// Block, if set, makes Lookup wait until it is closed or ctx is done.
	Block chan struct{}

	calls atomic.Int32
}

// NewDiscovery returns a Discovery that knows no numbers.
func NewDiscovery() *Discovery {
	return &Discovery{registered: make(map[string]uuid.UUID)}
}

// Register makes number resolve to id.
func (d *Discovery) Register(number string, id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registered[number] = id
}

// Calls returns the number of Lookup calls so far.
func (d *Discovery) Calls() int { return int(d.calls.Load()) }

// Lookup returns the registered ids of numbers; unknown numbers are omitted.
func (d *Discovery) Lookup(ctx context.Context, numbers []string) (map[string]uuid.UUID, error) {
	d.calls.Add(1)
	if d.Block != nil {
		select {
		case <-d.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.Err != nil {
		return nil, d.Err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]uuid.UUID, len(numbers))
	for _, n := range numbers {
		if id, ok := d.registered[n]; ok {
			out[n] = id
		}
	}
	return out, nil
}
