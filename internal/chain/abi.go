package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/vrffulfiller/pkg/types"
)

// randomnessABI is the surface of the randomness contract the service needs:
// the request/fulfillment events and the two entry points.
const randomnessABI = `[
	{"type":"event","name":"RandomnessRequest","inputs":[
		{"name":"requestId","type":"uint64","indexed":true},
		{"name":"requester","type":"address","indexed":true},
		{"name":"seed","type":"bytes32","indexed":false}]},
	{"type":"event","name":"RandomnessFulfilled","inputs":[
		{"name":"requestId","type":"uint64","indexed":true},
		{"name":"random","type":"bytes32","indexed":false}]},
	{"type":"function","name":"submitRandom","stateMutability":"nonpayable","inputs":[
		{"name":"requestId","type":"uint64"},
		{"name":"seed","type":"bytes32"},
		{"name":"random","type":"bytes32"},
		{"name":"proof","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"requestRandom","stateMutability":"nonpayable","inputs":[
		{"name":"seed","type":"bytes32"}],"outputs":[]}
]`

var vrfABI = mustParseABI(randomnessABI)

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid randomness contract ABI: %v", err))
	}
	return parsed
}

// Event signature topics.
var (
	requestTopic   = vrfABI.Events["RandomnessRequest"].ID
	fulfilledTopic = vrfABI.Events["RandomnessFulfilled"].ID
)

// packSubmitRandom encodes the fulfillment call data.
func packSubmitRandom(req types.VrfRequest, resp types.Response) ([]byte, error) {
	return vrfABI.Pack("submitRandom", req.RequestID, req.Seed, resp.Random, resp.Proof)
}

// packRequestRandom encodes the request call data (benchmark harness).
func packRequestRandom(seed [32]byte) ([]byte, error) {
	return vrfABI.Pack("requestRandom", seed)
}

// decodeRequestLog decodes a RandomnessRequest log into a pending VrfRequest.
func decodeRequestLog(topics []string, data string, blockNumber uint64) (types.VrfRequest, error) {
	if len(topics) != 3 {
		return types.VrfRequest{}, fmt.Errorf("request log has %d topics, want 3", len(topics))
	}

	requestID := new(big.Int).SetBytes(common.HexToHash(topics[1]).Bytes()).Uint64()
	requester := common.BytesToAddress(common.HexToHash(topics[2]).Bytes()[12:])

	unpacked, err := vrfABI.Unpack("RandomnessRequest", common.FromHex(data))
	if err != nil {
		return types.VrfRequest{}, fmt.Errorf("failed to unpack request log data: %w", err)
	}
	seed, ok := unpacked[0].([32]byte)
	if !ok {
		return types.VrfRequest{}, fmt.Errorf("request log seed has unexpected type %T", unpacked[0])
	}

	return types.VrfRequest{
		RequestID:   requestID,
		Requester:   requester,
		Seed:        seed,
		BlockNumber: blockNumber,
		Status:      types.StatusPending,
	}, nil
}

// decodeFulfilledLog extracts the request id from a RandomnessFulfilled log.
func decodeFulfilledLog(topics []string) (uint64, error) {
	if len(topics) != 2 {
		return 0, fmt.Errorf("fulfilled log has %d topics, want 2", len(topics))
	}
	return new(big.Int).SetBytes(common.HexToHash(topics[1]).Bytes()).Uint64(), nil
}
