// Package privacy models the mixing scheduler's claim queue. Each claim is
// released after a randomized delay and executed in a multi-recipient batch,
// which is what breaks timing and shape correlation between deposits and
// withdrawals.
package privacy

import (
	"errors"
	"time"

	"github.com/obscura-network/sip/internal/app/domain/settlement"
)

var (
	ErrDuplicateClaim          = errors.New("duplicate claim")
	ErrInsufficientPoolBalance = errors.New("insufficient pool balance")
)

// Claim is a queued withdrawal awaiting its randomized release time. It is
// removed only on successful batch execution; execution failure leaves it
// queued for retry.
type Claim struct {
	ID          string          `json:"id"`
	Commitment  settlement.Hash `json:"commitment"`
	Recipient   string          `json:"recipient"`
	Amount      uint64          `json:"amount"`
	CreatedAt   time.Time       `json:"created_at"`
	ScheduledAt time.Time       `json:"scheduled_at"`
}

// Due reports whether the claim is eligible for release at now.
func (c Claim) Due(now time.Time) bool {
	return !c.ScheduledAt.After(now)
}
