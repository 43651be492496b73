package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"
)

// ErrRefused is returned when a custody policy refuses a transfer.
var ErrRefused = errors.New("custody refused transfer")

// Policy vets a single transfer before it is staged.
type Policy func(order treasury.TransferOrder) error

// DenyRecipients refuses transfers to any of the given addresses.
func DenyRecipients(addrs ...treasury.Address) Policy {
	denied := make(map[treasury.Address]struct{}, len(addrs))
	for _, a := range addrs {
		denied[a] = struct{}{}
	}
	return func(order treasury.TransferOrder) error {
		if _, ok := denied[order.Recipient]; ok {
			return fmt.Errorf("%w: recipient %s is blocked", ErrRefused, order.Recipient)
		}
		return nil
	}
}

// Journal stages the transfers of a single operation. It is not safe for
// concurrent use; one journal belongs to one operation.
type Journal struct {
	policy Policy
	orders []treasury.TransferOrder
}

// NewJournal creates a journal. policy may be nil.
func NewJournal(policy Policy) *Journal {
	return &Journal{policy: policy}
}

// Transfer implements treasury.Custody.
func (j *Journal) Transfer(ctx context.Context, order treasury.TransferOrder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if order.Amount == 0 {
		return nil
	}
	if j.policy != nil {
		if err := j.policy(order); err != nil {
			return err
		}
	}
	j.orders = append(j.orders, order)
	return nil
}

// Orders returns the staged orders.
func (j *Journal) Orders() []treasury.TransferOrder {
	return append([]treasury.TransferOrder(nil), j.orders...)
}

// Seal chains the staged orders after last, the newest committed entry of
// the treasury, or nil for a treasury that has not transferred yet. The
// caller persists the result in the same transaction as the treasury.
func (j *Journal) Seal(last *Entry, now time.Time) ([]Entry, error) {
	if len(j.orders) == 0 {
		return nil, nil
	}
	return Extend(last, j.orders, now)
}

// Discard drops the staged orders.
func (j *Journal) Discard() {
	j.orders = nil
}
