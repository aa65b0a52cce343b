package funding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Client moves the quoted token amount to the treasury address and reports
// the confirmed transfer hash.
type Client interface {
	Transfer(ctx context.Context, req Request) (Result, error)
	// ChainID is the network the client is configured against. Quotes
	// naming any other chain are rejected before funds move.
	ChainID() int64
}

// Request describes one treasury transfer, taken verbatim from the quote's
// onchain descriptor. AmountUnits is a decimal digit string already scaled
// to the token's smallest unit.
type Request struct {
	TreasuryAddress string
	TokenAddress    string
	ChainID         int64
	AmountUnits     string
}

// Result is the confirmed transfer reference the settlement call carries.
type Result struct {
	TxHash  string
	ChainID int64
}

// Precondition failures. Each aborts the attempt before any transfer is
// dispatched; the held quote stays valid for a retry.
var (
	ErrBadAmountUnits     = errors.New("expected amount must be a plain digit string in minor units")
	ErrBadTreasuryAddress = errors.New("treasury address is not a valid 0x address")
	ErrBadTokenAddress    = errors.New("token contract address is not a valid 0x address")
	ErrChainMismatch      = errors.New("quote chain id does not match the configured chain")
)

// ValidateRequest checks every funding precondition against the active
// chain. Called by every Client implementation before dispatching.
func ValidateRequest(req Request, activeChainID int64) error {
	if !isDigits(req.AmountUnits) {
		return fmt.Errorf("%w: %q", ErrBadAmountUnits, req.AmountUnits)
	}
	if !isHexAddress(req.TreasuryAddress) {
		return fmt.Errorf("%w: %q", ErrBadTreasuryAddress, req.TreasuryAddress)
	}
	if !isHexAddress(req.TokenAddress) {
		return fmt.Errorf("%w: %q", ErrBadTokenAddress, req.TokenAddress)
	}
	if req.ChainID != activeChainID {
		return fmt.Errorf("%w: quote says %d, client is on %d", ErrChainMismatch, req.ChainID, activeChainID)
	}
	return nil
}

// isHexAddress requires the 0x prefix; common.IsHexAddress alone also
// accepts bare 40-hex strings, which the quote contract never emits.
func isHexAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
