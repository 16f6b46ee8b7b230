// Package shamir implements K-of-N threshold secret sharing over a fixed
// prime field. Secrets are byte strings interpreted as big unsigned
// integers; shares are points on a random polynomial whose constant term
// is the secret.
package shamir

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Sentinel errors for typed error checking.
var (
	ErrEmptySecret         = errors.New("secret must not be empty")
	ErrSecretTooLarge      = errors.New("secret is not smaller than the field prime")
	ErrInvalidThreshold    = errors.New("threshold must be between 1 and total shares")
	ErrNoShares            = errors.New("at least one share is required")
	ErrByteLengthMismatch  = errors.New("shares disagree on byte length")
	ErrDuplicateShareIndex = errors.New("duplicate share index")
	ErrSecretDoesNotFit    = errors.New("reconstructed secret does not fit into the reported byte length")
)

// fieldPrime is the secp256k1 field prime. All polynomial arithmetic is
// performed modulo this value.
var fieldPrime, _ = new(big.Int).SetString(
	"fffffffffffffffffffffffffffffffffffffffffffffffffffffffefffffc2f", 16)

const valueHexWidth = 64

// Share is one evaluation point of the sharing polynomial. Index is the
// x-coordinate (1..N), Value the field element as 0x-prefixed fixed-width
// hex, and ByteLength the length of the original secret so that combining
// can restore the exact byte width.
type Share struct {
	Index      int    `json:"index"`
	Value      string `json:"value"`
	ByteLength int    `json:"byteLength"`
}

// Split produces total shares of secret such that any threshold of them
// reconstruct it. The secret's integer value must be strictly below the
// field prime.
func Split(secret []byte, total, threshold int) ([]Share, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if threshold < 1 || total < 1 || threshold > total {
		return nil, fmt.Errorf("%w: threshold=%d total=%d", ErrInvalidThreshold, threshold, total)
	}

	secretInt := new(big.Int).SetBytes(secret)
	if secretInt.Cmp(fieldPrime) >= 0 {
		return nil, fmt.Errorf("%w: secret is %d bits", ErrSecretTooLarge, secretInt.BitLen())
	}

	coefficients := make([]*big.Int, threshold)
	coefficients[0] = secretInt
	for i := 1; i < threshold; i++ {
		c, err := rand.Int(rand.Reader, fieldPrime)
		if err != nil {
			return nil, fmt.Errorf("drawing polynomial coefficient: %w", err)
		}
		coefficients[i] = c
	}

	shares := make([]Share, 0, total)
	for i := 1; i <= total; i++ {
		y := evaluate(coefficients, big.NewInt(int64(i)))
		shares = append(shares, Share{
			Index:      i,
			Value:      encodeValue(y),
			ByteLength: len(secret),
		})
	}
	return shares, nil
}

// Combine reconstructs the secret from any quorum of shares via Lagrange
// interpolation at x = 0. It fails on duplicate indexes, disagreeing byte
// lengths, or a result that does not fit the reported byte length. With
// fewer shares than the original threshold it returns garbage rather than
// an error; the caller cannot detect insufficiency here.
func Combine(shares []Share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, ErrNoShares
	}

	byteLength := shares[0].ByteLength
	seen := make(map[int]struct{}, len(shares))
	points := make([]point, 0, len(shares))
	for _, s := range shares {
		if s.ByteLength != byteLength {
			return nil, fmt.Errorf("%w: %d vs %d", ErrByteLengthMismatch, s.ByteLength, byteLength)
		}
		if _, dup := seen[s.Index]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateShareIndex, s.Index)
		}
		seen[s.Index] = struct{}{}

		y, err := decodeValue(s.Value)
		if err != nil {
			return nil, fmt.Errorf("share %d: %w", s.Index, err)
		}
		points = append(points, point{x: big.NewInt(int64(s.Index)), y: y})
	}

	var secretInt *big.Int
	if len(points) == 1 {
		secretInt = new(big.Int).Mod(points[0].y, fieldPrime)
	} else {
		secretInt = interpolateAtZero(points)
	}

	out := secretInt.Bytes()
	if len(out) > byteLength {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrSecretDoesNotFit, len(out), byteLength)
	}
	padded := make([]byte, byteLength)
	copy(padded[byteLength-len(out):], out)
	return padded, nil
}

type point struct {
	x, y *big.Int
}

// evaluate computes the polynomial at x using Horner's rule, mod prime.
func evaluate(coefficients []*big.Int, x *big.Int) *big.Int {
	result := new(big.Int)
	for i := len(coefficients) - 1; i >= 0; i-- {
		result.Mul(result, x)
		result.Add(result, coefficients[i])
		result.Mod(result, fieldPrime)
	}
	return result
}

// interpolateAtZero evaluates the Lagrange interpolation of points at
// x = 0. The modulus is prime, so inverses come from Fermat's little
// theorem.
func interpolateAtZero(points []point) *big.Int {
	sum := new(big.Int)
	for i, pi := range points {
		numerator := big.NewInt(1)
		denominator := big.NewInt(1)
		for j, pj := range points {
			if i == j {
				continue
			}
			numerator.Mul(numerator, new(big.Int).Neg(pj.x))
			numerator.Mod(numerator, fieldPrime)
			diff := new(big.Int).Sub(pi.x, pj.x)
			denominator.Mul(denominator, diff)
			denominator.Mod(denominator, fieldPrime)
		}

		coeff := new(big.Int).Mul(numerator, modInverse(denominator))
		coeff.Mod(coeff, fieldPrime)
		term := new(big.Int).Mul(pi.y, coeff)
		sum.Add(sum, term)
		sum.Mod(sum, fieldPrime)
	}
	return sum
}

func modInverse(v *big.Int) *big.Int {
	reduced := new(big.Int).Mod(v, fieldPrime)
	exponent := new(big.Int).Sub(fieldPrime, big.NewInt(2))
	return new(big.Int).Exp(reduced, exponent, fieldPrime)
}

func encodeValue(v *big.Int) string {
	return fmt.Sprintf("0x%0*x", valueHexWidth, v)
}

func decodeValue(value string) (*big.Int, error) {
	normalized := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if normalized == "" {
		return nil, errors.New("empty share value")
	}
	v, ok := new(big.Int).SetString(normalized, 16)
	if !ok {
		return nil, fmt.Errorf("malformed share value %q", value)
	}
	return v, nil
}
