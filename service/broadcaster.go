package service

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Gas limit for a stable-coin transfer call.
const tokenTransferGasLimit = uint64(100_000)

// Transfer signs and broadcasts an ERC20 transfer of amount (normalized
// units) from the key's address to toAddress.
func (g *EthGateway) Transfer(ctx context.Context, network string, key *ecdsa.PrivateKey, toAddress string, amount decimal.Decimal) (string, error) {
	n, err := g.network(network)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailure, err)
	}
	if !common.IsHexAddress(toAddress) {
		return "", fmt.Errorf("%w: invalid destination address %q", ErrBroadcastFailure, toAddress)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	nonce, err := n.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrBroadcastFailure, err)
	}
	gasPrice, err := n.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: gas price: %v", ErrBroadcastFailure, err)
	}
	raw := amount.Shift(n.cfg.TokenDecimals).BigInt()
	data, err := g.erc.Pack("transfer", common.HexToAddress(toAddress), raw)
	if err != nil {
		return "", fmt.Errorf("%w: pack transfer: %v", ErrBroadcastFailure, err)
	}

	tx := types.NewTransaction(nonce, common.HexToAddress(n.cfg.TokenContract), big.NewInt(0), tokenTransferGasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(n.cfg.ChainID)), key)
	if err != nil {
		return "", fmt.Errorf("%w: sign: %v", ErrBroadcastFailure, err)
	}
	if err := n.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("%w: send: %v", ErrBroadcastFailure, err)
	}
	return signedTx.Hash().Hex(), nil
}
