package ledger

import (
	"context"
	"fmt"
	"sync"

	"stakegate/crypto"
	"stakegate/native/staking"
)

// KeySource resolves the key that signs stake transactions for an owner.
type KeySource interface {
	KeyFor(ctx context.Context, owner crypto.PublicKey) (*crypto.PrivateKey, error)
}

// KeyRing is an in-memory KeySource holding custodial keys.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[crypto.PublicKey]*crypto.PrivateKey
}

func NewKeyRing(keys ...*crypto.PrivateKey) *KeyRing {
	ring := &KeyRing{keys: make(map[crypto.PublicKey]*crypto.PrivateKey, len(keys))}
	for _, key := range keys {
		ring.Add(key)
	}
	return ring
}

// LoadKeyRing reads keypair files from disk.
func LoadKeyRing(paths ...string) (*KeyRing, error) {
	ring := NewKeyRing()
	for _, path := range paths {
		key, err := crypto.LoadKeypairFile(path)
		if err != nil {
			return nil, fmt.Errorf("load keypair: %w", err)
		}
		ring.Add(key)
	}
	return ring, nil
}

func (r *KeyRing) Add(key *crypto.PrivateKey) {
	if key == nil {
		return
	}
	r.mu.Lock()
	r.keys[key.PubKey()] = key
	r.mu.Unlock()
}

// Owners lists the addresses the ring can sign for.
func (r *KeyRing) Owners() []crypto.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]crypto.PublicKey, 0, len(r.keys))
	for owner := range r.keys {
		out = append(out, owner)
	}
	return out
}

func (r *KeyRing) KeyFor(ctx context.Context, owner crypto.PublicKey) (*crypto.PrivateKey, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	r.mu.RLock()
	key, ok := r.keys[owner]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no signing key for %s", staking.ErrConfiguration, owner)
	}
	return key, nil
}
