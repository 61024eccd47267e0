// Package cache defines the disk-backed response store and the cache policy
// used by intercepted content requests. Responses live under
// StoragePath/<scope>/<partition>/<sha256(key)> with a JSON metadata sidecar,
// written via temp file + rename. Partitions are versioned (mutable-cache-vN,
// immutable-cache-vN) so an activation can purge every partition that does not
// belong to the current version. Policy helpers decide cacheability, stamp and
// evaluate mutable-entry expiry, and derive cache keys from URL + Accept.
package cache
