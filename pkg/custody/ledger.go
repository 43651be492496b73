// Package custody records the movement of funds out of treasuries.
//
// A Journal stages transfer orders for one operation and is handed to the
// treasury engine as its Custody collaborator. Inside the same store
// transaction the journal is sealed onto the treasury's transfer chain, an
// append-only, hash-chained record of every transfer the treasury made.
package custody

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"
)

// ErrChainBroken is returned when entries do not form an intact chain.
var ErrChainBroken = errors.New("custody chain broken")

const genesisHash = "genesis"

// Entry is an immutable, hash-chained transfer record. Sequence numbers
// start at 1 and are scoped to one treasury.
type Entry struct {
	Sequence    uint64                 `json:"sequence"`
	ReceiptID   string                 `json:"receipt_id"`
	Order       treasury.TransferOrder `json:"order"`
	ContentHash string                 `json:"content_hash"`
	PrevHash    string                 `json:"prev_hash"`
	Timestamp   time.Time              `json:"timestamp"`
}

func entryHash(seq uint64, order treasury.TransferOrder, prev string) (string, error) {
	hashInput := struct {
		Seq      uint64                 `json:"seq"`
		Order    treasury.TransferOrder `json:"order"`
		PrevHash string                 `json:"prev"`
	}{seq, order, prev}

	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entry: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// Extend chains orders after last, the newest entry of the treasury's
// chain, or nil when the chain is empty. All orders must belong to the
// same treasury as last.
func Extend(last *Entry, orders []treasury.TransferOrder, now time.Time) ([]Entry, error) {
	var seq uint64
	head := genesisHash
	if last != nil {
		seq, head = last.Sequence, last.ContentHash
	}

	batch := make([]Entry, 0, len(orders))
	for _, order := range orders {
		if last != nil && order.TreasuryID != last.Order.TreasuryID {
			return nil, fmt.Errorf("order of %s cannot extend the chain of %s", order.TreasuryID, last.Order.TreasuryID)
		}
		seq++
		hash, err := entryHash(seq, order, head)
		if err != nil {
			return nil, err
		}
		batch = append(batch, Entry{
			Sequence:    seq,
			ReceiptID:   uuid.New().String(),
			Order:       order,
			ContentHash: hash,
			PrevHash:    head,
			Timestamp:   now,
		})
		head = hash
	}
	return batch, nil
}

// Verify checks that entries, oldest first, form one chain from genesis.
func Verify(entries []Entry) error {
	prevHash := genesisHash
	for i, entry := range entries {
		if entry.Sequence != uint64(i)+1 {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrChainBroken, i+1, entry.Sequence)
		}
		if entry.PrevHash != prevHash {
			return fmt.Errorf("%w at entry %d: expected prev %s, got %s", ErrChainBroken, i+1, prevHash, entry.PrevHash)
		}
		computed, err := entryHash(entry.Sequence, entry.Order, entry.PrevHash)
		if err != nil {
			return err
		}
		if computed != entry.ContentHash {
			return fmt.Errorf("%w: hash mismatch at entry %d", ErrChainBroken, i+1)
		}
		prevHash = entry.ContentHash
	}
	return nil
}

// Credited returns the total amount entries paid to addr.
func Credited(entries []Entry, addr treasury.Address) uint64 {
	var total uint64
	for _, e := range entries {
		if e.Order.Recipient == addr {
			total += e.Order.Amount
		}
	}
	return total
}
