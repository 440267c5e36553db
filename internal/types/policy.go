package types

import "fmt"

// Policy selects how a read or write is routed between the local cache and
// the remote server.
type Policy int

const (
	// PolicyUnspecified is the zero value; callers passing it inherit the
	// client's default policy.
	PolicyUnspecified Policy = iota

	// CacheOnly serves from the cache and never touches the network.
	CacheOnly

	// NetworkOnly requires connectivity and never touches the cache.
	NetworkOnly

	// CacheFirst answers from the cache immediately and refreshes from the
	// network in the background when online.
	CacheFirst

	// NetworkFirst prefers the network and falls back to the cache.
	NetworkFirst

	// CacheAndNetwork writes through both sides, preferring whichever is
	// available. This is the resilient offline-first default.
	CacheAndNetwork
)

var policyNames = map[Policy]string{
	CacheOnly:       "cacheOnly",
	NetworkOnly:     "networkOnly",
	CacheFirst:      "cacheFirst",
	NetworkFirst:    "networkFirst",
	CacheAndNetwork: "cacheAndNetwork",
}

// String returns the canonical camelCase policy name.
func (p Policy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// Valid reports whether p is one of the five known policies.
func (p Policy) Valid() bool {
	_, ok := policyNames[p]
	return ok
}

// ParsePolicy parses a policy name as used in config files and CLI flags.
func ParsePolicy(s string) (Policy, error) {
	for p, name := range policyNames {
		if s == name {
			return p, nil
		}
	}
	return CacheAndNetwork, fmt.Errorf("unknown request policy %q", s)
}
