// Package chain is the settlement boundary to the EVM chain a match's
// debts are ultimately paid on. Adapter wraps an ethclient.Client,
// packing each batch into a single submitSettlementBatch call keyed by
// the batch's content hash.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"energy-exchange-core/internal/domain"
	"energy-exchange-core/internal/settlement"
)

// Adapter implements settlement.ChainAdapter against a real EVM node
type Adapter struct {
	client             *ethclient.Client
	chainID            *big.Int
	privateKey         *ecdsa.PrivateKey
	address            common.Address
	settlementContract common.Address
	settlementABI      abi.ABI
	logger             *logrus.Logger
}

// NewAdapter dials rpcURL and derives the submitting address from
// privateKeyHex
func NewAdapter(rpcURL string, chainID int64, privateKeyHex string, settlementContractAddr string, logger *logrus.Logger) (*Adapter, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain node: %w", err)
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cannot assert type: publicKey is not of type *ecdsa.PublicKey")
	}

	settlementABI, err := parseSettlementABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse settlement ABI: %w", err)
	}

	return &Adapter{
		client:             client,
		chainID:            big.NewInt(chainID),
		privateKey:         privateKey,
		address:            crypto.PubkeyToAddress(*publicKey),
		settlementContract: common.HexToAddress(settlementContractAddr),
		settlementABI:      settlementABI,
		logger:             logger,
	}, nil
}

// weiFromSettlements sums the batch's scale-8 decimal net amounts into a
// wei-scale uint256, matching the chain contract's 18-decimal fixed point
func weiFromSettlements(batch []*domain.Settlement) *big.Int {
	total := new(big.Int)
	shift := new(big.Int).Exp(big.NewInt(10), big.NewInt(10), nil) // scale8 -> scale18
	for _, s := range batch {
		cents := s.NetAmount.Shift(8).BigInt()
		total.Add(total, new(big.Int).Mul(cents, shift))
	}
	return total
}

// Submit packs the batch into a single submitSettlementBatch transaction
// and returns its transaction hash. It never blocks for confirmation.
func (a *Adapter) Submit(ctx context.Context, batch []*domain.Settlement) (string, error) {
	if len(batch) == 0 {
		return "", domain.NewError(domain.ErrValidation, "empty settlement batch")
	}

	nonce, err := a.client.PendingNonceAt(ctx, a.address)
	if err != nil {
		return "", domain.WrapError(domain.ErrChainTransient, "failed to fetch pending nonce", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", domain.WrapError(domain.ErrChainTransient, "failed to fetch gas price", err)
	}

	hash := contentHash(batch)
	totalWei := weiFromSettlements(batch)

	data, err := a.settlementABI.Pack("submitSettlementBatch", hash, totalWei)
	if err != nil {
		return "", domain.WrapError(domain.ErrChainPermanent, "failed to pack settlement batch", err)
	}

	tx := types.NewTransaction(nonce, a.settlementContract, big.NewInt(0), 500000, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), a.privateKey)
	if err != nil {
		return "", domain.WrapError(domain.ErrChainPermanent, "failed to sign settlement transaction", err)
	}

	if err := a.client.SendTransaction(ctx, signedTx); err != nil {
		return "", domain.WrapError(domain.ErrChainTransient, "failed to broadcast settlement transaction", err)
	}

	a.logger.WithFields(logrus.Fields{
		"tx_hash":      signedTx.Hash().Hex(),
		"batch_size":   len(batch),
		"content_hash": hash.Hex(),
	}).Info("settlement batch submitted")

	return signedTx.Hash().Hex(), nil
}

// Confirm polls the transaction receipt once; a not-yet-mined
// transaction is neither confirmed nor failed
func (a *Adapter) Confirm(ctx context.Context, txHash string) (settlement.Confirmation, error) {
	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err == ethereum.NotFound {
		return settlement.Confirmation{}, nil
	}
	if err != nil {
		return settlement.Confirmation{}, domain.WrapError(domain.ErrChainTransient, "failed to fetch transaction receipt", err)
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		return settlement.Confirmation{Confirmed: true}, nil
	}
	return settlement.Confirmation{Failed: true, Reason: "transaction reverted"}, nil
}
