// Package chain talks to the external chain for the Blockchain Recorder
// (C5): submitting signed transactions and polling for receipts. It
// wraps github.com/ethereum/go-ethereum's ethclient rather than a
// hand-rolled JSON-RPC client, since that is the one component in this
// system that is genuinely about a real chain.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// SubmitRequest describes a transaction to submit, already carrying the
// nonce the caller obtained from the Nonce Manager.
type SubmitRequest struct {
	Nonce    uint64
	To       common.Address
	Data     []byte
	GasLimit uint64
}

// Receipt is the normalized result of a receipt lookup.
type Receipt struct {
	Found         bool
	Reverted      bool
	Confirmations uint64
	BlockNumber   uint64
	GasUsed       uint64
}

// Gateway is the chain-facing contract the submission worker and
// confirmation monitor depend on, so both can be driven against a fake
// in tests without a live node.
type Gateway interface {
	PendingNonceAt(ctx context.Context, address common.Address) (uint64, error)
	SubmitTransaction(ctx context.Context, req SubmitRequest) (txHash string, err error)
	GetReceipt(ctx context.Context, txHash string) (*Receipt, error)
}

// EthGateway is the production Gateway backed by a single signing key
// and an ethclient.Client.
type EthGateway struct {
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	chainID    *big.Int
	gasPrice   *big.Int
}

// NewEthGateway dials rpcURL and prepares the gateway to sign with
// privateKey for the given chainID. No fixed gas price is set, so
// SuggestGasPrice is queried fresh on every submission.
func NewEthGateway(rpcURL string, privateKey *ecdsa.PrivateKey, chainID *big.Int) (*EthGateway, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return &EthGateway{client: client, privateKey: privateKey, chainID: chainID}, nil
}

// Address returns the signing address derived from the configured key.
func (g *EthGateway) Address() common.Address {
	return crypto.PubkeyToAddress(g.privateKey.PublicKey)
}

// PendingNonceAt implements Gateway, querying the chain for the next
// nonce the mempool has not yet seen for address.
func (g *EthGateway) PendingNonceAt(ctx context.Context, address common.Address) (uint64, error) {
	nonce, err := g.client.PendingNonceAt(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("chain: pending nonce for %s: %w", address, err)
	}
	return nonce, nil
}

// SubmitTransaction signs and sends a transaction built from req,
// returning its hash. Gas price is fetched fresh per submission while
// the gateway's gasPrice field is nil, which NewEthGateway leaves it.
func (g *EthGateway) SubmitTransaction(ctx context.Context, req SubmitRequest) (string, error) {
	gasPrice := g.gasPrice
	if gasPrice == nil {
		price, err := g.client.SuggestGasPrice(ctx)
		if err != nil {
			return "", fmt.Errorf("chain: suggest gas price: %w", err)
		}
		gasPrice = price
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit = 100_000
	}

	tx := types.NewTransaction(req.Nonce, req.To, big.NewInt(0), gasLimit, gasPrice, req.Data)

	signer := types.NewEIP155Signer(g.chainID)
	signedTx, err := types.SignTx(tx, signer, g.privateKey)
	if err != nil {
		return "", fmt.Errorf("chain: sign transaction: %w", err)
	}

	if err := g.client.SendTransaction(ctx, signedTx); err != nil {
		return "", classifySubmitError(err)
	}

	return signedTx.Hash().Hex(), nil
}

// GetReceipt implements Gateway. A transaction not yet mined returns
// Found=false rather than an error, so the confirmation monitor can
// distinguish "not yet" from a real failure.
func (g *EthGateway) GetReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)
	receipt, err := g.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if err.Error() == "not found" {
			return &Receipt{Found: false}, nil
		}
		return nil, fmt.Errorf("chain: receipt for %s: %w", txHash, err)
	}

	head, err := g.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: current block number: %w", err)
	}

	var confirmations uint64
	blockNum := receipt.BlockNumber.Uint64()
	if head >= blockNum {
		confirmations = head - blockNum + 1
	}

	return &Receipt{
		Found:         true,
		Reverted:      receipt.Status == types.ReceiptStatusFailed,
		Confirmations: confirmations,
		BlockNumber:   blockNum,
		GasUsed:       receipt.GasUsed,
	}, nil
}

// Close releases the underlying RPC connection.
func (g *EthGateway) Close() { g.client.Close() }

// ErrNonceDivergence classifies the chain rejecting a submission because
// the caller's nonce no longer matches what the chain expects ("nonce
// too low" / "replacement transaction underpriced"), which per §4.5/§4.6
// must trigger exactly one resync-from-chain and retry.
var ErrNonceDivergence = fmt.Errorf("chain: nonce diverged from chain state")

func classifySubmitError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "nonce too low") || strings.Contains(msg, "replacement transaction underpriced") {
		return fmt.Errorf("%w: %v", ErrNonceDivergence, err)
	}
	return fmt.Errorf("chain: submit transaction: %w", err)
}
