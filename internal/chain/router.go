package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// RouterName is recorded on the payment as routerUsed.
const RouterName = "uniswap_v2"

const routerABIJSON = `[
  {"name":"swapExactETHForTokens","type":"function","stateMutability":"payable",
   "inputs":[
     {"name":"amountOutMin","type":"uint256"},
     {"name":"path","type":"address[]"},
     {"name":"to","type":"address"},
     {"name":"deadline","type":"uint256"}],
   "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

var routerABI = mustParseABI(routerABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid router ABI: %v", err))
	}
	return parsed
}

// SwapCall holds the arguments of a native -> token swap.
type SwapCall struct {
	AmountOutMin  *big.Int
	WrappedNative common.Address
	TargetToken   common.Address
	Recipient     common.Address
	Deadline      int64 // unix seconds
}

// EncodeSwapExactETHForTokens builds calldata for the router. The input
// amount travels as the transaction value, not as an argument.
func EncodeSwapExactETHForTokens(call SwapCall) ([]byte, error) {
	if call.AmountOutMin == nil || call.AmountOutMin.Sign() < 0 {
		return nil, fmt.Errorf("amountOutMin must be non-negative")
	}
	path := []common.Address{call.WrappedNative, call.TargetToken}
	data, err := routerABI.Pack("swapExactETHForTokens", call.AmountOutMin, path, call.Recipient, big.NewInt(call.Deadline))
	if err != nil {
		return nil, fmt.Errorf("failed to encode swapExactETHForTokens: %w", err)
	}
	return data, nil
}

// DecodeSwapExactETHForTokens is the inverse of EncodeSwapExactETHForTokens.
func DecodeSwapExactETHForTokens(data []byte) (*SwapCall, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("calldata too short")
	}
	method, err := routerABI.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	path := values[1].([]common.Address)
	if len(path) != 2 {
		return nil, fmt.Errorf("unexpected path length %d", len(path))
	}
	return &SwapCall{
		AmountOutMin:  values[0].(*big.Int),
		WrappedNative: path[0],
		TargetToken:   path[1],
		Recipient:     values[2].(common.Address),
		Deadline:      values[3].(*big.Int).Int64(),
	}, nil
}

// ParseAddress accepts a hex address with or without checksum.
func ParseAddress(value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("invalid address %q", value)
	}
	return common.HexToAddress(value), nil
}
