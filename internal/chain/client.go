package chain

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	seaportABIJSON = `[{"inputs":[{"internalType":"bytes32","name":"orderHash","type":"bytes32"}],"name":"getOrderStatus","outputs":[{"internalType":"bool","name":"isValidated","type":"bool"},{"internalType":"bool","name":"isCancelled","type":"bool"},{"internalType":"uint256","name":"totalFilled","type":"uint256"},{"internalType":"uint256","name":"totalSize","type":"uint256"}],"stateMutability":"view","type":"function"}]`
	erc721ABIJSON  = `[{"inputs":[{"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}]`
	erc1155ABIJSON = `[{"inputs":[{"internalType":"address","name":"account","type":"address"},{"internalType":"uint256","name":"id","type":"uint256"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
)

var (
	seaportABI abi.ABI
	erc721ABI  abi.ABI
	erc1155ABI abi.ABI

	// keccak of Seaport's OrderFulfilled event signature. The order hash
	// sits in the first data word; offerer and zone are indexed.
	orderFulfilledTopic = crypto.Keccak256Hash([]byte(
		"OrderFulfilled(bytes32,address,address,address,(uint8,address,uint256,uint256)[],(uint8,address,uint256,uint256,address)[])"))
)

func init() {
	var err error
	if seaportABI, err = abi.JSON(strings.NewReader(seaportABIJSON)); err != nil {
		panic(fmt.Sprintf("seaport abi: %v", err))
	}
	if erc721ABI, err = abi.JSON(strings.NewReader(erc721ABIJSON)); err != nil {
		panic(fmt.Sprintf("erc721 abi: %v", err))
	}
	if erc1155ABI, err = abi.JSON(strings.NewReader(erc1155ABIJSON)); err != nil {
		panic(fmt.Sprintf("erc1155 abi: %v", err))
	}
}

// OrderStatus mirrors Seaport's getOrderStatus return values.
type OrderStatus struct {
	IsValidated bool
	IsCancelled bool
	TotalFilled *big.Int
	TotalSize   *big.Int
}

// Reader answers on-chain validity questions. Implemented by Client,
// stubbed out in tests.
type Reader interface {
	OrderStatus(ctx context.Context, chainID int64, exchange, orderHash string) (*OrderStatus, error)
	OwnerOf(ctx context.Context, chainID int64, contract, tokenID string) (string, error)
	BalanceOf(ctx context.Context, chainID int64, contract, owner, tokenID string) (*big.Int, error)
	FulfilledOrders(ctx context.Context, chainID int64, txHash, exchange string) ([]string, error)
}

// Client holds one RPC connection per configured chain.
type Client struct {
	clients map[int64]*ethclient.Client
}

// Dial connects to every configured RPC endpoint. Keys of rpcURLs are
// decimal chain ids.
func Dial(ctx context.Context, rpcURLs map[string]string) (*Client, error) {
	clients := make(map[int64]*ethclient.Client, len(rpcURLs))
	for key, rawURL := range rpcURLs {
		chainID, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chain id %q: %w", key, err)
		}
		if strings.TrimSpace(rawURL) == "" {
			continue
		}
		client, err := ethclient.DialContext(ctx, rawURL)
		if err != nil {
			return nil, fmt.Errorf("dial chain %d: %w", chainID, err)
		}
		clients[chainID] = client
	}
	return &Client{clients: clients}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	for _, client := range c.clients {
		client.Close()
	}
}

func (c *Client) client(chainID int64) (*ethclient.Client, error) {
	if c == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	client, ok := c.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("no rpc endpoint for chain %d", chainID)
	}
	return client, nil
}

func (c *Client) call(ctx context.Context, chainID int64, contract string, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	client, err := c.client(chainID)
	if err != nil {
		return nil, err
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := common.HexToAddress(contract)
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on chain %d: %w", method, chainID, err)
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

func (c *Client) OrderStatus(ctx context.Context, chainID int64, exchange, orderHash string) (*OrderStatus, error) {
	values, err := c.call(ctx, chainID, exchange, seaportABI, "getOrderStatus", common.HexToHash(orderHash))
	if err != nil {
		return nil, err
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("getOrderStatus: unexpected return arity %d", len(values))
	}
	status := &OrderStatus{}
	var ok bool
	if status.IsValidated, ok = values[0].(bool); !ok {
		return nil, fmt.Errorf("getOrderStatus: bad isValidated")
	}
	if status.IsCancelled, ok = values[1].(bool); !ok {
		return nil, fmt.Errorf("getOrderStatus: bad isCancelled")
	}
	if status.TotalFilled, ok = values[2].(*big.Int); !ok {
		return nil, fmt.Errorf("getOrderStatus: bad totalFilled")
	}
	if status.TotalSize, ok = values[3].(*big.Int); !ok {
		return nil, fmt.Errorf("getOrderStatus: bad totalSize")
	}
	return status, nil
}

func (c *Client) OwnerOf(ctx context.Context, chainID int64, contract, tokenID string) (string, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return "", fmt.Errorf("invalid token id: %q", tokenID)
	}
	values, err := c.call(ctx, chainID, contract, erc721ABI, "ownerOf", id)
	if err != nil {
		return "", err
	}
	if len(values) != 1 {
		return "", fmt.Errorf("ownerOf: unexpected return arity %d", len(values))
	}
	owner, ok := values[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("ownerOf: bad owner")
	}
	return strings.ToLower(owner.Hex()), nil
}

func (c *Client) BalanceOf(ctx context.Context, chainID int64, contract, owner, tokenID string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token id: %q", tokenID)
	}
	values, err := c.call(ctx, chainID, contract, erc1155ABI, "balanceOf", common.HexToAddress(owner), id)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("balanceOf: unexpected return arity %d", len(values))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: bad balance")
	}
	return balance, nil
}

// FulfilledOrders extracts the order hashes filled by a transaction from
// the exchange's OrderFulfilled receipt logs.
func (c *Client) FulfilledOrders(ctx context.Context, chainID int64, txHash, exchange string) ([]string, error) {
	client, err := c.client(chainID)
	if err != nil {
		return nil, err
	}
	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, fmt.Errorf("receipt %s on chain %d: %w", txHash, chainID, err)
	}
	exchangeAddr := common.HexToAddress(exchange)
	var hashes []string
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != exchangeAddr {
			continue
		}
		if len(lg.Topics) == 0 || lg.Topics[0] != orderFulfilledTopic {
			continue
		}
		if len(lg.Data) < 32 {
			continue
		}
		hashes = append(hashes, strings.ToLower(common.BytesToHash(lg.Data[:32]).Hex()))
	}
	return hashes, nil
}
