package service

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/escrow-engine/settlement/config"
)

// TxConfirmation is the observed final status of a broadcast transaction.
type TxConfirmation string

const (
	TxConfirmed            TxConfirmation = "confirmed"
	TxAwaitingConfirmation TxConfirmation = "pending"
	TxFailedOnChain        TxConfirmation = "failed"
)

// ChainObserver reads confirmed token balances and transaction outcomes.
// Reads are side-effect free; retry policy belongs to the callers.
type ChainObserver interface {
	Balance(ctx context.Context, network, address string) (decimal.Decimal, error)
	ConfirmationStatus(ctx context.Context, network, txHash string) (TxConfirmation, error)
}

// Broadcaster signs and sends an outbound token transfer, returning the
// transaction hash.
type Broadcaster interface {
	Transfer(ctx context.Context, network string, key *ecdsa.PrivateKey, toAddress string, amount decimal.Decimal) (string, error)
}

// minimal ERC20 ABI: balanceOf for observation, transfer for settlement
const erc20ABIJSON = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}]`

const callTimeout = 15 * time.Second

// Balance reads run this many blocks behind head so a reorg cannot show
// funds that later disappear.
const confirmationDepth = 12

// confirmedBlockNumber returns the newest block considered final, or nil
// (latest) on a chain younger than the confirmation depth.
func confirmedBlockNumber(head uint64) *big.Int {
	if head <= confirmationDepth {
		return nil
	}
	return new(big.Int).SetUint64(head - confirmationDepth)
}

type ethNetwork struct {
	client *ethclient.Client
	cfg    config.Network
}

// EthGateway implements ChainObserver and Broadcaster over JSON-RPC clients,
// one per configured network. All supported networks are EVM chains carrying
// one stable-coin contract each.
type EthGateway struct {
	networks map[string]ethNetwork
	erc      abi.ABI
}

func NewEthGateway(networks []config.Network) (*EthGateway, error) {
	erc, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, err
	}
	g := &EthGateway{networks: make(map[string]ethNetwork), erc: erc}
	for _, n := range networks {
		client, err := ethclient.Dial(n.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", n.Name, err)
		}
		g.networks[n.Name] = ethNetwork{client: client, cfg: n}
	}
	return g, nil
}

func (g *EthGateway) network(name string) (ethNetwork, error) {
	n, ok := g.networks[name]
	if !ok {
		return ethNetwork{}, fmt.Errorf("%w: unsupported network %q", ErrChainRead, name)
	}
	return n, nil
}

// Balance returns the confirmed token balance of address, scaled to the
// network's token decimals.
func (g *EthGateway) Balance(ctx context.Context, network, address string) (decimal.Decimal, error) {
	n, err := g.network(network)
	if err != nil {
		return decimal.Zero, err
	}
	data, err := g.erc.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrChainRead, err)
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	head, err := n.client.BlockNumber(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: block number: %v", ErrChainRead, err)
	}
	token := common.HexToAddress(n.cfg.TokenContract)
	out, err := n.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, confirmedBlockNumber(head))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: balanceOf %s: %v", ErrChainRead, address, err)
	}
	results, err := g.erc.Unpack("balanceOf", out)
	if err != nil || len(results) != 1 {
		return decimal.Zero, fmt.Errorf("%w: unpack balanceOf: %v", ErrChainRead, err)
	}
	raw, ok := results[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: unexpected balanceOf result", ErrChainRead)
	}
	return decimal.NewFromBigInt(raw, -n.cfg.TokenDecimals), nil
}

// ConfirmationStatus reports whether txHash has been mined and with what
// outcome. A missing receipt means the transaction is still pending.
func (g *EthGateway) ConfirmationStatus(ctx context.Context, network, txHash string) (TxConfirmation, error) {
	n, err := g.network(network)
	if err != nil {
		return TxAwaitingConfirmation, err
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	receipt, err := n.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err == ethereum.NotFound {
		return TxAwaitingConfirmation, nil
	}
	if err != nil {
		return TxAwaitingConfirmation, fmt.Errorf("%w: receipt %s: %v", ErrChainRead, txHash, err)
	}
	if receipt.Status == 1 {
		return TxConfirmed, nil
	}
	return TxFailedOnChain, nil
}
