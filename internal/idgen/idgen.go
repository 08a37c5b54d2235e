// Package idgen generates identifiers for stored rows.
//
// Row IDs are a short type prefix followed by a lowercase ULID, so IDs of
// one kind sort in creation order and can break created_at ties.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// WithPrefix returns prefix followed by a new lowercase ULID, e.g.
// "ten_01j9z3k8w6c4q2t5r7y9b1d3f5". IDs made by one process are strictly
// increasing.
func WithPrefix(prefix string) string {
	return prefix + strings.ToLower(ulid.Make().String())
}

// OrderID returns a ULID in canonical upper case. The payment provider
// echoes it back verbatim in callbacks.
func OrderID() string {
	return ulid.Make().String()
}

// Time extracts the creation time embedded in an ID made by WithPrefix or
// OrderID. It reports false for anything else.
func Time(id string) (time.Time, bool) {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	u, err := ulid.ParseStrict(strings.ToUpper(id))
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}

// Hex returns numBytes of crypto-random data, hex encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
