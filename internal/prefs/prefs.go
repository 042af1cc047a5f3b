// Package prefs holds the small key/value state that outlives a process:
// identity, lifetime value and session counters.
package prefs

import (
	"context"
	"fmt"
	"strconv"
)

// Keys written by the message manager and the upload worker.
const (
	KeyMPID                    = "mpid"
	KeyCookies                 = "ck"
	KeyLTV                     = "ltv"
	KeyEventCounter            = "events"
	KeySessionCounter          = "sessionCounter"
	KeyBackgroundTime          = "timeInBg"
	KeyPreviousSessionID       = "prevSessionId"
	KeyPreviousSessionStart    = "prevSessionStart"
	KeyPreviousForeground      = "prevSessionFg"
	KeyFirstRun                = "firstRun"
	KeyInstallTime             = "installTime"
	KeyAppVersion              = "appVersion"
	KeyOptOut                  = "optOut"
	KeyPushToken               = "pushToken"
	KeyLastForegroundTimestamp = "lastFgTime"
)

// Store is a durable string key/value map.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Int64 reads key as an integer. A missing key reads as def.
func Int64(ctx context.Context, s Store, key string, def int64) (int64, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def, fmt.Errorf("parse preference %q: %w", key, err)
	}
	return v, nil
}

// SetInt64 stores v under key.
func SetInt64(ctx context.Context, s Store, key string, v int64) error {
	return s.Set(ctx, key, strconv.FormatInt(v, 10))
}

// String reads key, returning def when it is missing.
func String(ctx context.Context, s Store, key, def string) (string, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	return raw, nil
}

// Bool reads key as a boolean flag.
func Bool(ctx context.Context, s Store, key string) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return strconv.ParseBool(raw)
}

// SetBool stores a boolean flag.
func SetBool(ctx context.Context, s Store, key string, v bool) error {
	return s.Set(ctx, key, strconv.FormatBool(v))
}
