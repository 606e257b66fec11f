// Package storage is the key-value storage adaptor contract the presence
// engine and the SIP watcher registry are built on: hash-per-key,
// set-per-key, and reconnect hooks, with no opinion on what the keys mean.
package storage

import (
	"context"

	"github.com/cockroachdb/errors"
)

// ErrMissingKey is returned by HGet when the hash or the field is absent,
// by HGetAll when the hash is absent or empty, and by HDel when the field
// is absent. SGetAll does not return it: a missing set reads as empty.
var ErrMissingKey = errors.New("storage: missing key")

// Adaptor is the contract the presence engine and the sip watcher
// registry depend on.
// Implementations must serialize conflicting writes to the same key; no
// lock is exposed to callers.
type Adaptor interface {
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key, field string) error
	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SGetAll(ctx context.Context, key string) ([]string, error)

	// OnReconnected registers fn to run after every (re)establishment of
	// the underlying connection, including the first. fn must be
	// idempotent: it may run more than once for the same logical
	// connection event.
	OnReconnected(fn func(ctx context.Context) error)
}

// Storage key names, fixed by the external schema (spec §6).
const (
	ResourcesSetKey      = "sys:resources"
	TimersTableKey       = "sys:timers"
	ResourceByWatcherKey = "sys:resource_by_watcher"
	WatcherTimersKey     = "sys:watcher_timers"
)

// ResourceTableKey returns the hash key holding tag -> Status JSON for resource.
func ResourceTableKey(resource string) string {
	return "res:" + resource
}

// WatchersByResourceKey returns the set key holding watcher strings for resource.
func WatchersByResourceKey(resource string) string {
	return "sys:watchers_by_resource:" + resource
}
