package chain

import (
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Signer signs legacy EIP-155 transactions with the operator key.
type Signer struct {
	key     *secp256k1.PrivateKey
	chainID *big.Int
	address string
}

// NewSigner parses a 32-byte hex private key.
func NewSigner(privateKeyHex string, chainID *big.Int) (*Signer, error) {
	raw, err := decodeHexBytes(privateKeyHex)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("operator key must be a 32-byte hex string")
	}
	key := secp256k1.PrivKeyFromBytes(raw)
	if key.Key.IsZero() {
		return nil, fmt.Errorf("operator key is zero")
	}
	pub := key.PubKey().SerializeUncompressed()
	address := encodeHexBytes(keccak256(pub[1:])[12:])
	return &Signer{key: key, chainID: chainID, address: address}, nil
}

// Address returns the operator account address derived from the key.
func (s *Signer) Address() string {
	return s.address
}

// SignTx builds and signs a legacy transaction, returning the raw RLP
// bytes ready for eth_sendRawTransaction.
func (s *Signer) SignTx(nonce uint64, to string, gasPrice *big.Int, gasLimit uint64, value *big.Int, data []byte) ([]byte, error) {
	toBytes, err := decodeHexBytes(to)
	if err != nil || len(toBytes) != 20 {
		return nil, fmt.Errorf("malformed recipient address %q", to)
	}
	if value == nil {
		value = new(big.Int)
	}

	// EIP-155 pre-image: chain id takes the signature slots.
	preimage := rlpList(
		rlpUint(nonce),
		rlpBig(gasPrice),
		rlpUint(gasLimit),
		rlpBytes(toBytes),
		rlpBig(value),
		rlpBytes(data),
		rlpBig(s.chainID),
		rlpBytes(nil),
		rlpBytes(nil),
	)

	sig := ecdsa.SignCompact(s.key, keccak256(preimage), false)
	recoveryID := int64(sig[0]) - 27
	r := new(big.Int).SetBytes(sig[1:33])
	sv := new(big.Int).SetBytes(sig[33:65])

	v := new(big.Int).Mul(s.chainID, big.NewInt(2))
	v.Add(v, big.NewInt(35+recoveryID))

	signed := rlpList(
		rlpUint(nonce),
		rlpBig(gasPrice),
		rlpUint(gasLimit),
		rlpBytes(toBytes),
		rlpBig(value),
		rlpBytes(data),
		rlpBig(v),
		rlpBig(r),
		rlpBig(sv),
	)
	return signed, nil
}

// --- minimal RLP encoding -------------------------------------------------

func rlpBytes(b []byte) []byte {
	if len(b) == 1 && b[0] < 0x80 {
		return b
	}
	return append(rlpLength(len(b), 0x80), b...)
}

func rlpBig(v *big.Int) []byte {
	if v == nil || v.Sign() == 0 {
		return []byte{0x80}
	}
	return rlpBytes(v.Bytes())
}

func rlpUint(v uint64) []byte {
	return rlpBig(new(big.Int).SetUint64(v))
}

func rlpList(items ...[]byte) []byte {
	var payload []byte
	for _, item := range items {
		payload = append(payload, item...)
	}
	return append(rlpLength(len(payload), 0xc0), payload...)
}

func rlpLength(length int, offset byte) []byte {
	if length < 56 {
		return []byte{offset + byte(length)}
	}
	lenBytes := new(big.Int).SetUint64(uint64(length)).Bytes()
	out := []byte{offset + 55 + byte(len(lenBytes))}
	return append(out, lenBytes...)
}
