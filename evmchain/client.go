package evmchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ClientSigner is an ethclient-backed Signer bound to a single account on a
// single network. WriteContract takes an explicit gasLimit — the
// facilitator's gas estimator and fee policy decide gas, not the signer —
// and every RPC call takes a context.
type ClientSigner struct {
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int

	receiptPollInterval time.Duration
}

// NewClientSigner dials rpcURL and derives the account address from
// privateKeyHex (no "0x" prefix required).
func NewClientSigner(ctx context.Context, rpcURL string, privateKeyHex string) (*ClientSigner, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evmchain: dial %s: %w", rpcURL, err)
	}
	privateKey, err := crypto.HexToECDSA(trimHexPrefix(privateKeyHex))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("evmchain: parse private key: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("evmchain: fetch chain id from %s: %w", rpcURL, err)
	}
	return &ClientSigner{
		client:              client,
		privateKey:          privateKey,
		address:             crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:             chainID,
		receiptPollInterval: 2 * time.Second,
	}, nil
}

func trimHexPrefix(s string) string {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func (c *ClientSigner) Address() string {
	return c.address.Hex()
}

func (c *ClientSigner) ChainID(ctx context.Context) (*big.Int, error) {
	return c.chainID, nil
}

func (c *ClientSigner) Close() {
	c.client.Close()
}

func (c *ClientSigner) loadABI(abiJSON []byte) (abi.ABI, error) {
	return abi.JSON(strings.NewReader(string(abiJSON)))
}

func (c *ClientSigner) ReadContract(ctx context.Context, address string, abiJSON []byte, function string, args ...interface{}) (interface{}, error) {
	parsed, err := c.loadABI(abiJSON)
	if err != nil {
		return nil, fmt.Errorf("evmchain: parse abi for %s: %w", function, err)
	}
	input, err := parsed.Pack(function, args...)
	if err != nil {
		return nil, fmt.Errorf("evmchain: pack %s: %w", function, err)
	}
	to := common.HexToAddress(address)
	output, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("evmchain: call %s: %w", function, err)
	}
	results, err := parsed.Unpack(function, output)
	if err != nil {
		return nil, fmt.Errorf("evmchain: unpack %s: %w", function, err)
	}
	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}

// WriteContract packs and submits a legacy-signed transaction calling
// function on address with the caller-supplied gasLimit. It never
// estimates gas itself.
func (c *ClientSigner) WriteContract(ctx context.Context, address string, abiJSON []byte, function string, gasLimit uint64, args ...interface{}) (string, error) {
	parsed, err := c.loadABI(abiJSON)
	if err != nil {
		return "", fmt.Errorf("evmchain: parse abi for %s: %w", function, err)
	}
	input, err := parsed.Pack(function, args...)
	if err != nil {
		return "", fmt.Errorf("evmchain: pack %s: %w", function, err)
	}
	return c.sendRaw(ctx, address, input, gasLimit)
}

func (c *ClientSigner) SendRawCalldata(ctx context.Context, to string, data []byte) (string, error) {
	return c.sendRaw(ctx, to, data, 0)
}

// sendRaw builds, signs, and submits a transaction. gasLimit of 0 triggers a
// one-off estimate (used for ERC-6492 factory deploy calldata, where the
// caller has no gas number of its own).
func (c *ClientSigner) sendRaw(ctx context.Context, to string, data []byte, gasLimit uint64) (string, error) {
	toAddr := common.HexToAddress(to)

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", fmt.Errorf("evmchain: fetch nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("evmchain: suggest gas price: %w", err)
	}
	if gasLimit == 0 {
		estimated, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
			From: c.address, To: &toAddr, Data: data,
		})
		if err != nil {
			estimated = 300000
		}
		gasLimit = estimated + estimated/5
	}

	tx := types.NewTransaction(nonce, toAddr, big.NewInt(0), gasLimit, gasPrice, data)
	signer := types.NewEIP155Signer(c.chainID)
	signedTx, err := types.SignTx(tx, signer, c.privateKey)
	if err != nil {
		return "", fmt.Errorf("evmchain: sign transaction: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("evmchain: send transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

func (c *ClientSigner) EstimateGas(ctx context.Context, to string, abiJSON []byte, function string, args ...interface{}) (uint64, error) {
	parsed, err := c.loadABI(abiJSON)
	if err != nil {
		return 0, fmt.Errorf("evmchain: parse abi for %s: %w", function, err)
	}
	input, err := parsed.Pack(function, args...)
	if err != nil {
		return 0, fmt.Errorf("evmchain: pack %s: %w", function, err)
	}
	toAddr := common.HexToAddress(to)
	return c.client.EstimateGas(ctx, ethereum.CallMsg{From: c.address, To: &toAddr, Data: input})
}

// WaitForReceipt polls TransactionReceipt, treating ethereum.NotFound as
// "keep polling" rather than failure.
func (c *ClientSigner) WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(c.receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return &Receipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("evmchain: fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *ClientSigner) GetBalance(ctx context.Context, owner, token string) (*big.Int, error) {
	result, err := c.ReadContract(ctx, token, ERC20ABI, FunctionBalanceOf, common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return nil, errors.New("evmchain: balanceOf did not return uint256")
	}
	return balance, nil
}

func (c *ClientSigner) GetCode(ctx context.Context, address string) ([]byte, error) {
	return c.client.CodeAt(ctx, common.HexToAddress(address), nil)
}

func (c *ClientSigner) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.client.SuggestGasPrice(ctx)
}

// VerifyTypedData hashes message under domain/types/primaryType and checks
// signature against signer via VerifyUniversalSignature, using this client
// as the contract reader for EIP-1271/ERC-6492 branches.
func (c *ClientSigner) VerifyTypedData(
	ctx context.Context,
	signer string,
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
	signature []byte,
) (bool, *ERC6492SignatureData, error) {
	digest, err := HashTypedData(domain, types, primaryType, message)
	if err != nil {
		return false, nil, err
	}
	var hash [32]byte
	copy(hash[:], digest)
	return VerifyUniversalSignature(ctx, c, signer, hash, signature, true)
}
