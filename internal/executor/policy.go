package executor

// Policy controls how one call uses the cache.
type Policy struct {
	// UseCache serves a live cached entry without calling the remote.
	UseCache bool

	// SaveToCache stores a successful response.
	SaveToCache bool

	// OmitExpiry serves cached entries even when expired.
	OmitExpiry bool

	// CacheKey is the logical key stored with the entry, used for grouped
	// invalidation.
	CacheKey string

	// EmergencyCacheAllowed serves a stale entry when the remote call fails
	// transiently.
	EmergencyCacheAllowed bool

	// UniqueCacheKey deletes all entries sharing CacheKey before storing,
	// so the key maps to exactly one current entry.
	UniqueCacheKey bool

	// GetCacheUsingCacheKey looks the cache up by CacheKey instead of by
	// call id. The entry matching the call id is preferred when several
	// share the key.
	GetCacheUsingCacheKey bool

	// GetEmergencyCacheUsingCacheKey is GetCacheUsingCacheKey for the
	// emergency path only.
	GetEmergencyCacheUsingCacheKey bool

	// DeleteCacheIfRejected deletes the cached entry for the call when the
	// remote rejects it.
	DeleteCacheIfRejected bool
}

// ReadPolicy returns the defaults for reads: cache used and populated,
// emergency cache allowed.
func ReadPolicy() Policy {
	return Policy{
		UseCache:              true,
		SaveToCache:           true,
		EmergencyCacheAllowed: true,
	}
}

// WritePolicy returns the defaults for writes: no cache at all.
func WritePolicy() Policy {
	return Policy{}
}

// WithCacheKey returns a copy of p storing entries under key.
func (p Policy) WithCacheKey(key string) Policy {
	p.CacheKey = key
	return p
}
