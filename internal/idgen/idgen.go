// Package idgen provides random, prefixed entity IDs.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Entity prefixes.
const (
	PrefixOrder       = "ord_"
	PrefixTransaction = "txn_"
	PrefixWithdrawal  = "wd_"
	PrefixSession     = "ses_"
	PrefixEvent       = "evt_"
	PrefixAPIKey      = "ak_"
)

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "ord_", "txn_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
