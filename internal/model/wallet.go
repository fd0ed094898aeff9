package model

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidWallet is returned for strings that are not 20-byte hex addresses.
var ErrInvalidWallet = errors.New("invalid wallet address")

// ValidWallet reports whether s is a 0x-prefixed 20-byte hex address.
func ValidWallet(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// NormalizeWallet returns the lowercase form of a valid wallet address.
func NormalizeWallet(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !ValidWallet(s) {
		return "", ErrInvalidWallet
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}
