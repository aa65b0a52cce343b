package funding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// FakeClient validates like the real client and hashes the payload to
// deterministically emulate transfer hashes in tests.
type FakeClient struct {
	Chain     int64
	Err       error
	Transfers []Request
}

func (f *FakeClient) ChainID() int64 {
	return f.Chain
}

func (f *FakeClient) Transfer(_ context.Context, req Request) (Result, error) {
	if err := ValidateRequest(req, f.Chain); err != nil {
		return Result{}, err
	}
	if f.Err != nil {
		return Result{}, f.Err
	}
	f.Transfers = append(f.Transfers, req)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", req.TreasuryAddress, req.TokenAddress, req.ChainID, req.AmountUnits)))
	return Result{
		TxHash:  "0x" + hex.EncodeToString(sum[:]),
		ChainID: f.Chain,
	}, nil
}
