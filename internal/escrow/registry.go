package escrow

import "sync"

// Registry binds request identifiers to their owning account. A binding is
// permanent: writes are compare-and-set, and a bound id can never be rebound,
// not even to the same account. The registry is the only authority on whether
// an id is registered at all -- the ledger's position index must never be used
// to answer that question, because its zero value collides with a legitimate
// position 0.
type Registry struct {
	mu     sync.RWMutex
	owners map[RequestID]string
}

func NewRegistry() *Registry {
	return &Registry{owners: make(map[RequestID]string)}
}

// Register binds id to account. Fails with ErrRequestExists if the id already
// has an owner; on failure no state changes.
func (r *Registry) Register(id RequestID, account string) error {
	normalized, err := normalizeAccount(account)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[id]; ok {
		return ErrRequestExists
	}
	r.owners[id] = normalized
	return nil
}

// Owner returns the bound account and whether the id is registered.
func (r *Registry) Owner(id RequestID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[id]
	return owner, ok
}
