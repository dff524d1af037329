// Package chainref validates transaction references and converts between wei
// and ether.
package chainref

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

var weiPerEther = decimal.NewFromBigInt(big.NewInt(params.Ether), 0)

// ParseTxHash validates ref as a 32-byte hex transaction hash. The all-zero
// hash is rejected.
func ParseTxHash(ref string) (common.Hash, error) {
	ref = strings.TrimSpace(ref)
	if !txHashPattern.MatchString(ref) {
		return common.Hash{}, fmt.Errorf("chainref: %q: %w", ref, domain.ErrInvalidReference)
	}
	h := common.HexToHash(ref)
	if h == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("chainref: zero hash: %w", domain.ErrInvalidReference)
	}
	return h, nil
}

// IsTxHash reports whether ref is a usable transaction hash.
func IsTxHash(ref string) bool {
	_, err := ParseTxHash(ref)
	return err == nil
}

// WeiToEther converts a wei amount to ether.
func WeiToEther(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, 0).Div(weiPerEther)
}

// EtherToWei converts an ether amount to wei, truncating below one wei.
func EtherToWei(eth decimal.Decimal) *big.Int {
	return eth.Mul(weiPerEther).Truncate(0).BigInt()
}

// GweiToWei converts a gwei amount to wei.
func GweiToWei(gwei int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(gwei), big.NewInt(params.GWei))
}
