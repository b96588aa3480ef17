package dispatch

import (
	"encoding/hex"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Counterparty derives stable per-endpoint customer ids so consumers never see internal user ids.
type Counterparty struct {
	key []byte
}

func NewCounterparty(key string) *Counterparty {
	k := []byte(key)
	if len(k) > blake2b.Size {
		sum := blake2b.Sum256(k)
		k = sum[:]
	}
	return &Counterparty{key: k}
}

// ID returns the virtual customer id for userID as seen by endpointID.
func (c *Counterparty) ID(endpointID string, userID uuid.UUID) string {
	h, err := blake2b.New256(c.key)
	if err != nil {
		// Only reachable with a key over 64 bytes, which NewCounterparty folds.
		panic(err)
	}
	h.Write([]byte(endpointID))
	h.Write([]byte{0})
	h.Write(userID[:])
	return "cus_" + hex.EncodeToString(h.Sum(nil)[:12])
}
