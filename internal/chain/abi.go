package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

const wordSize = 32

var errShortData = errors.New("event data too short")

// keccak256 hashes data with legacy Keccak (the EVM's hash).
func keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// selector returns the 4-byte function selector for a signature like
// "submitShard(uint256,address,bytes32,string)".
func selector(signature string) []byte {
	return keccak256([]byte(signature))[:4]
}

// eventTopic returns the topic0 hash for an event signature.
func eventTopic(signature string) string {
	return encodeHexBytes(keccak256([]byte(signature)))
}

// abiWord left-pads b into one 32-byte word.
func abiWord(b []byte) []byte {
	word := make([]byte, wordSize)
	copy(word[wordSize-len(b):], b)
	return word
}

func abiUint(v *big.Int) []byte {
	return abiWord(v.Bytes())
}

func abiUint64(v uint64) []byte {
	return abiUint(new(big.Int).SetUint64(v))
}

func abiAddress(addr string) ([]byte, error) {
	raw, err := decodeHexBytes(addr)
	if err != nil || len(raw) != 20 {
		return nil, fmt.Errorf("malformed address %q", addr)
	}
	return abiWord(raw), nil
}

func abiBytes32(value string) ([]byte, error) {
	raw, err := decodeHexBytes(value)
	if err != nil || len(raw) != wordSize {
		return nil, fmt.Errorf("malformed bytes32 %q", value)
	}
	return raw, nil
}

// abiDynamicBytes encodes a dynamic byte string tail (length + padded
// content).
func abiDynamicBytes(b []byte) []byte {
	padded := (len(b) + wordSize - 1) / wordSize * wordSize
	out := make([]byte, wordSize+padded)
	copy(out, abiUint64(uint64(len(b))))
	copy(out[wordSize:], b)
	return out
}

// abiStringArray encodes a dynamic array of strings as a tail.
func abiStringArray(values []string) []byte {
	head := abiUint64(uint64(len(values)))
	offsets := make([]byte, 0, len(values)*wordSize)
	tails := make([]byte, 0)
	base := len(values) * wordSize
	for _, v := range values {
		offsets = append(offsets, abiUint64(uint64(base+len(tails)))...)
		tails = append(tails, abiDynamicBytes([]byte(v))...)
	}
	out := head
	out = append(out, offsets...)
	out = append(out, tails...)
	return out
}

// abiArg is one encoded argument: static words go in the head; dynamic
// arguments contribute an offset in the head and content in the tail.
type abiArg struct {
	static []byte
	tail   []byte
}

func staticArg(word []byte) abiArg  { return abiArg{static: word} }
func dynamicArg(tail []byte) abiArg { return abiArg{tail: tail} }

// encodeCall assembles calldata for a function call with head/tail layout.
func encodeCall(sel []byte, args ...abiArg) []byte {
	headSize := len(args) * wordSize
	head := make([]byte, 0, headSize)
	tail := make([]byte, 0)
	for _, arg := range args {
		if arg.tail != nil {
			head = append(head, abiUint64(uint64(headSize+len(tail)))...)
			tail = append(tail, arg.tail...)
			continue
		}
		head = append(head, arg.static...)
	}
	out := make([]byte, 0, len(sel)+len(head)+len(tail))
	out = append(out, sel...)
	out = append(out, head...)
	out = append(out, tail...)
	return out
}

// decodeUintResult parses a single uint256 return value.
func decodeUintResult(data []byte) (*big.Int, error) {
	if len(data) < wordSize {
		return nil, fmt.Errorf("short call result: %d bytes", len(data))
	}
	return new(big.Int).SetBytes(data[:wordSize]), nil
}

// decodeBoolResult parses a single bool return value.
func decodeBoolResult(data []byte) (bool, error) {
	v, err := decodeUintResult(data)
	if err != nil {
		return false, err
	}
	return v.Sign() != 0, nil
}

// --- hex quantity helpers -------------------------------------------------

func parseQuantity(raw string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	v, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing quantity %q: %w", raw, err)
	}
	return v, nil
}

func formatQuantity(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

func parseBig(raw string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	v, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("parsing hex value %q", raw)
	}
	return v, nil
}

func encodeHexBytes(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

func decodeHexBytes(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(trimmed)%2 == 1 {
		trimmed = "0" + trimmed
	}
	return hex.DecodeString(trimmed)
}
