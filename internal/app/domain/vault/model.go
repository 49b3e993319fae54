// Package vault models the custody boundary: deposits into the pooled vault
// and the records it keeps to refuse replayed withdrawals independently of
// the settlement protocol.
package vault

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/obscura-network/sip/internal/app/domain/settlement"
	"github.com/obscura-network/sip/internal/app/domain/wots"
)

// NativeToken identifies the ledger's native asset in balance maps.
const NativeToken = "native"

// depositDomain prefixes deposit commitment preimages.
const depositDomain = "SIP_DEPOSIT"

var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient vault balance")
)

// Deposit is the immutable record of one deposit and the commitment derived
// from it.
type Deposit struct {
	ID         string          `json:"id"`
	Commitment settlement.Hash `json:"commitment"`
	Depositor  string          `json:"depositor"`
	Token      string          `json:"token"`
	Amount     uint64          `json:"amount"`
	Nonce      uint64          `json:"nonce"`
	CreatedAt  time.Time       `json:"created_at"`
}

// DepositCommitment derives the commitment for a deposit:
// Keccak256("SIP_DEPOSIT" || depositor || amount || token || nonce || ts).
func DepositCommitment(depositor string, amount uint64, token string, nonce uint64, ts time.Time) settlement.Hash {
	buf := make([]byte, 0, 128)
	buf = append(buf, depositDomain...)
	buf = append(buf, depositor...)
	buf = binary.BigEndian.AppendUint64(buf, amount)
	buf = append(buf, token...)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts.Unix()))
	h, _ := settlement.HashFromBytes(wots.Keccak256(buf))
	return h
}

// Withdrawal is the record of one executed authorized withdrawal.
type Withdrawal struct {
	ID         string          `json:"id"`
	Commitment settlement.Hash `json:"commitment"`
	Token      string          `json:"token"`
	Recipient  string          `json:"recipient"`
	Amount     uint64          `json:"amount"`
	Executor   string          `json:"executor"`
	ExecutedAt time.Time       `json:"executed_at"`
}
