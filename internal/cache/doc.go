// Package cache provides a generic time-based, size-bounded cache with
// oldest-first eviction and a background sweep of expired entries.
package cache
