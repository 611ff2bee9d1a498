// Package chain anchors escrow lifecycle transitions on an EVM chain as a
// tamper-evident audit trail. The ledger is a side channel: Postgres stays
// the source of truth and a failed anchor never blocks a transition.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// recordStatusABI is the single method of the audit contract.
const recordStatusABI = `[{"name":"recordStatus","type":"function","inputs":[{"name":"escrowId","type":"bytes16"},{"name":"status","type":"string"},{"name":"amount","type":"uint256"}],"outputs":[]}]`

const recordGasLimit = 120000

type Recorder struct {
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	address    common.Address
	contract   common.Address
	chainID    *big.Int
	abi        abi.ABI
	log        *zap.Logger
}

// NewRecorder dials the RPC endpoint and prepares the signing identity.
// Returns (nil, nil) when rpcURL is empty so callers can leave the side
// channel disabled without special cases.
func NewRecorder(rpcURL, privateKeyHex, contractAddr string, log *zap.Logger) (*Recorder, error) {
	if rpcURL == "" {
		return nil, nil
	}

	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse chain private key: %w", err)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}

	chainID, err := client.ChainID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(recordStatusABI))
	if err != nil {
		return nil, fmt.Errorf("parse audit contract abi: %w", err)
	}

	return &Recorder{
		client:     client,
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		contract:   common.HexToAddress(contractAddr),
		chainID:    chainID,
		abi:        parsed,
		log:        log,
	}, nil
}

// RecordStatus writes one transition to the audit contract and returns the
// transaction hash. It does not wait for confirmation.
func (r *Recorder) RecordStatus(ctx context.Context, escrowID uuid.UUID, status string, amount int64) (string, error) {
	var id16 [16]byte
	copy(id16[:], escrowID[:])

	data, err := r.abi.Pack("recordStatus", id16, status, big.NewInt(amount))
	if err != nil {
		return "", fmt.Errorf("pack recordStatus call: %w", err)
	}

	nonce, err := r.client.PendingNonceAt(ctx, r.address)
	if err != nil {
		return "", fmt.Errorf("get nonce: %w", err)
	}

	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("get gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, r.contract, big.NewInt(0), recordGasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(r.chainID), r.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	if err := r.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}

	hash := signedTx.Hash().Hex()
	r.log.Info("escrow status anchored",
		zap.String("escrow_id", escrowID.String()),
		zap.String("status", status),
		zap.String("tx_hash", hash))
	return hash, nil
}
