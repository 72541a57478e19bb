package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aio-labs/cligateway/store"
)

func TestRequestIsDeterministic(t *testing.T) {
	f := RequestFields{CLIFamily: store.FamilyA, Method: "POST", Path: "/v1/messages", SessionID: "s1"}
	assert.Equal(t, Request(f), Request(f))
}

func TestRequestDiffersOnFieldBoundary(t *testing.T) {
	a := RequestFields{Method: "ab", Path: "c"}
	b := RequestFields{Method: "a", Path: "bc"}
	assert.NotEqual(t, Request(a), Request(b))
}

func TestRequestDiffersOnSessionID(t *testing.T) {
	base := RequestFields{CLIFamily: store.FamilyA, Method: "POST", Path: "/v1/messages"}
	withSession := base
	withSession.SessionID = "s1"
	assert.NotEqual(t, Request(base), Request(withSession))
}

func TestAllUnavailableIgnoresSessionAndModel(t *testing.T) {
	// AllUnavailableFields has no session or model field, so two requests
	// that differ only in those build identical inputs; identical inputs
	// must hash identically.
	mode := uint64(7)
	a := AllUnavailableFields{CLIFamily: store.FamilyB, ActiveSortMode: &mode, Method: "POST", Path: "/responses"}
	b := a
	assert.Equal(t, AllUnavailable(a), AllUnavailable(b))
}

func TestAllUnavailableDiffersOnSortMode(t *testing.T) {
	m1, m2 := uint64(1), uint64(2)
	a := AllUnavailableFields{CLIFamily: store.FamilyA, ActiveSortMode: &m1, Method: "POST", Path: "/v1/messages"}
	b := AllUnavailableFields{CLIFamily: store.FamilyA, ActiveSortMode: &m2, Method: "POST", Path: "/v1/messages"}
	assert.NotEqual(t, AllUnavailable(a), AllUnavailable(b))
}
