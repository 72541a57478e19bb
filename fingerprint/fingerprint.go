// Package fingerprint computes the two deterministic 64-bit request
// fingerprints used for recent-error dedupe: a per-request fingerprint
// over the routing-relevant fields, and an all-unavailable fingerprint
// keyed more loosely so a repeated "every provider is down" outcome for
// the same CLI/sort-mode/route hits the cache even across distinct
// requests.
package fingerprint

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/aio-labs/cligateway/store"
)

// RequestFields are the inputs to the per-request fingerprint.
type RequestFields struct {
	CLIFamily         store.CLIFamily
	Method            string
	Path              string
	Query             string
	SessionID         string
	RequestedModel    string
	IdempotencyKeyHash string
	BodyIntrospection string // a normalized, stable rendering of the introspected fields
}

// Request computes request_fingerprint.
func Request(f RequestFields) uint64 {
	d := xxhash.New()
	writeAll(d,
		string(f.CLIFamily), f.Method, f.Path, f.Query,
		f.SessionID, f.RequestedModel, f.IdempotencyKeyHash, f.BodyIntrospection,
	)
	return d.Sum64()
}

// AllUnavailableFields are the inputs to the all_unavailable_fingerprint.
type AllUnavailableFields struct {
	CLIFamily      store.CLIFamily
	ActiveSortMode *uint64
	Method         string
	Path           string
}

// AllUnavailable computes all_unavailable_fingerprint.
func AllUnavailable(f AllUnavailableFields) uint64 {
	d := xxhash.New()
	mode := "-"
	if f.ActiveSortMode != nil {
		mode = strconv.FormatUint(*f.ActiveSortMode, 10)
	}
	writeAll(d, string(f.CLIFamily), mode, f.Method, f.Path)
	return d.Sum64()
}

// writeAll hashes each field with a separator byte between them so that
// ("ab", "c") and ("a", "bc") never collide.
func writeAll(d *xxhash.Digest, fields ...string) {
	for _, f := range fields {
		_, _ = d.WriteString(f)
		_, _ = d.Write([]byte{0})
	}
}
