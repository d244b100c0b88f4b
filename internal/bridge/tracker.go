package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"sync"

	"github.com/flowbridge/flowbridge-backend/internal/escrow"
	"go.uber.org/zap"
)

// Tracker is an in-memory escrow.BridgeCollaborator. Inbound transfers become
// visible once the relayer marks them finalized; outbound returns get a
// deterministic identifier derived from the return parameters and a nonce.
type Tracker struct {
	mu        sync.Mutex
	finalized map[escrow.RequestID]struct{}
	returnSeq uint64
	logger    *zap.SugaredLogger
}

func NewTracker(logger *zap.SugaredLogger) *Tracker {
	return &Tracker{
		finalized: make(map[escrow.RequestID]struct{}),
		logger:    logger,
	}
}

// MarkFinalized records that the inbound transfer behind id reached finality.
func (t *Tracker) MarkFinalized(id escrow.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finalized[id] = struct{}{}
	t.logger.Debugw("Transfer finalized", "requestId", id.Hex())
}

func (t *Tracker) IsFinalized(ctx context.Context, id escrow.RequestID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.finalized[id]
	return ok, nil
}

// InitiateReturn allocates a return-transfer identifier for an outbound claim.
func (t *Tracker) InitiateReturn(ctx context.Context, account string, amount *big.Int, targetDomain string) (escrow.RequestID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.returnSeq++

	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], t.returnSeq)
	h := sha256.New()
	h.Write([]byte(account))
	h.Write(amount.Bytes())
	h.Write([]byte(targetDomain))
	h.Write(nonce[:])

	var id escrow.RequestID
	copy(id[:], h.Sum(nil))
	t.logger.Infow("Return transfer initiated",
		"account", account,
		"amount", amount.String(),
		"targetDomain", targetDomain,
		"returnId", id.Hex(),
	)
	return id, nil
}
