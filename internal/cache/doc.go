// Package cache implements named, versioned cache generations for the offline
// worker. A Storage enumerates, opens and deletes generations and can match a
// request against all of them in creation order; a Cache is one generation
// mapping request identities (absolute URL plus the request headers named by
// the stored response's Vary header) to stored responses.
//
// Persistence is delegated to a Backend. The fs backend keeps the on-disk
// layout StoragePath/<generation>/<host>/<path>.body with a JSON .meta
// sidecar and writes through temp file + rename; the memory backend serves
// tests and ephemeral runs; SQL backends live in sub-packages.
package cache
