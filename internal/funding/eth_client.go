package funding

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20TransferABI = `[{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}]`

// EthClient submits ERC-20 treasury transfers and waits for confirmation.
type EthClient struct {
	client    *ethclient.Client
	abi       abi.ABI
	chainID   *big.Int
	transacts *bind.TransactOpts
}

type EthClientConfig struct {
	RPCURL        string
	PrivateKeyHex string
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting transfers")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.NoSend = false
	txOpts.GasLimit = 0 // let node estimate
	txOpts.GasPrice = nil
	txOpts.Nonce = nil

	return &EthClient{
		client:    cli,
		abi:       parsedABI,
		chainID:   chainID,
		transacts: txOpts,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthClient) ChainID() int64 {
	return c.chainID.Int64()
}

// Transfer sends the exact quoted amount to the treasury and blocks until
// the transaction is mined. There is no fire-and-forget path: settlement
// must never be submitted with an unconfirmed funding hash.
func (c *EthClient) Transfer(ctx context.Context, req Request) (Result, error) {
	if err := ValidateRequest(req, c.chainID.Int64()); err != nil {
		return Result{}, err
	}

	amount, ok := new(big.Int).SetString(req.AmountUnits, 10)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrBadAmountUnits, req.AmountUnits)
	}

	token := common.HexToAddress(req.TokenAddress)
	treasury := common.HexToAddress(req.TreasuryAddress)
	bound := bind.NewBoundContract(token, c.abi, c.client, c.client, c.client)

	opts := *c.transacts
	opts.Context = ctx

	tx, err := bound.Transact(&opts, "transfer", treasury, amount)
	if err != nil {
		return Result{}, fmt.Errorf("submit transfer: %w", err)
	}

	receipt, err := waitForReceipt(ctx, c.client, tx)
	if err != nil {
		return Result{}, fmt.Errorf("confirm transfer %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Result{}, fmt.Errorf("transfer %s reverted on-chain", tx.Hash().Hex())
	}

	return Result{
		TxHash:  tx.Hash().Hex(),
		ChainID: c.chainID.Int64(),
	}, nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

// waitForReceipt polls until the transaction is mined or context cancelled.
func waitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && err.Error() != "not found" {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
