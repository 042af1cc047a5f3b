// Package remoteconfig owns the process-wide configuration snapshot and
// the identity state the collector hands back.
package remoteconfig

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"telemetry-pipeline/internal/model"
	"telemetry-pipeline/internal/prefs"

	"github.com/shopspring/decimal"
)

// Fallbacks for Defaults left at zero.
const (
	DefaultUploadInterval = 10 * time.Minute
	DefaultSessionTimeout = time.Minute
)

// maxSeconds is the largest second count a time.Duration can hold.
const maxSeconds = math.MaxInt64 / int64(time.Second)

// Defaults are the locally configured values a snapshot starts from.
type Defaults struct {
	APIKey         string
	APISecret      string
	UploadInterval time.Duration
	SessionTimeout time.Duration
	Debug          bool
}

// Snapshot is an immutable view of the configuration. Readers keep the
// pointer they loaded; the manager swaps in a new one on change.
type Snapshot struct {
	APIKey             string
	APISecret          string
	NetworkPerformance string
	PushMessageKeys    []string
	TriggerMatches     []map[string]model.Value
	SessionTimeout     time.Duration
	UploadInterval     time.Duration
	MPID               int64
	Cookies            json.RawMessage
	Fetched            bool

	triggerHashes map[int32]struct{}
}

// HasTriggerHash reports whether h is in the trigger allow-list.
func (s *Snapshot) HasTriggerHash(h int32) bool {
	_, ok := s.triggerHashes[h]
	return ok
}

// TriggerHashCount is the size of the allow-list.
func (s *Snapshot) TriggerHashCount() int {
	return len(s.triggerHashes)
}

// Manager serializes writes to the snapshot. Only the upload worker
// writes; any goroutine may read.
type Manager struct {
	defaults Defaults
	store    prefs.Store
	snap     atomic.Pointer[Snapshot]
}

// NewManager returns a manager holding the defaults snapshot.
func NewManager(d Defaults, store prefs.Store) *Manager {
	if d.UploadInterval <= 0 {
		d.UploadInterval = DefaultUploadInterval
	}
	if d.SessionTimeout <= 0 {
		d.SessionTimeout = DefaultSessionTimeout
	}
	m := &Manager{defaults: d, store: store}
	m.snap.Store(m.base())
	return m
}

func (m *Manager) base() *Snapshot {
	return &Snapshot{
		APIKey:         m.defaults.APIKey,
		APISecret:      m.defaults.APISecret,
		UploadInterval: m.defaults.UploadInterval,
		SessionTimeout: m.defaults.SessionTimeout,
	}
}

// Current returns the active snapshot.
func (m *Manager) Current() *Snapshot {
	return m.snap.Load()
}

// Load restores the persisted identity into the snapshot.
func (m *Manager) Load(ctx context.Context) error {
	next := *m.Current()
	mpid, err := prefs.Int64(ctx, m.store, prefs.KeyMPID, 0)
	if err != nil {
		return fmt.Errorf("load mpid: %w", err)
	}
	next.MPID = mpid
	cookies, err := prefs.String(ctx, m.store, prefs.KeyCookies, "")
	if err != nil {
		return fmt.Errorf("load cookies: %w", err)
	}
	if cookies != "" {
		next.Cookies = json.RawMessage(cookies)
	}
	m.snap.Store(&next)
	return nil
}

// Apply replaces the configuration with doc, then applies the identity
// and lifetime value it carries. Fields absent from doc fall back to
// the defaults, so applying the same document twice yields the same
// snapshot. The lifetime value is added on every call.
func (m *Manager) Apply(ctx context.Context, doc model.ConfigDocument) error {
	prev := m.Current()
	next := m.base()
	next.MPID = prev.MPID
	next.Cookies = prev.Cookies
	next.Fetched = true
	next.NetworkPerformance = doc.NetworkPerformance
	next.PushMessageKeys = append([]string(nil), doc.PushMessageKeys...)
	if d, ok := seconds(doc.SessionTimeoutSeconds); ok {
		next.SessionTimeout = d
	}
	if d, ok := seconds(doc.UploadIntervalSeconds); ok {
		next.UploadInterval = d
	}
	if doc.Triggers != nil {
		next.TriggerMatches = doc.Triggers.MessageMatches
		if len(doc.Triggers.EventHashes) > 0 {
			next.triggerHashes = make(map[int32]struct{}, len(doc.Triggers.EventHashes))
			for _, h := range doc.Triggers.EventHashes {
				next.triggerHashes[h] = struct{}{}
			}
		}
	}
	m.snap.Store(next)

	if err := m.ApplyConsumerInfo(ctx, doc.ConsumerInfo); err != nil {
		return err
	}
	if len(doc.LTV) > 0 {
		if _, err := m.MergeLTV(ctx, doc.LTV); err != nil {
			return err
		}
	}
	return nil
}

// ApplyConsumerInfo persists the mpid and cookies of a response.
func (m *Manager) ApplyConsumerInfo(ctx context.Context, ci *model.ConsumerInfo) error {
	if ci == nil {
		return nil
	}
	next := *m.Current()
	if ci.MPID != nil {
		if err := prefs.SetInt64(ctx, m.store, prefs.KeyMPID, *ci.MPID); err != nil {
			return fmt.Errorf("persist mpid: %w", err)
		}
		next.MPID = *ci.MPID
	}
	if len(ci.Cookies) > 0 && !bytes.Equal(ci.Cookies, []byte("null")) {
		if err := m.store.Set(ctx, prefs.KeyCookies, string(ci.Cookies)); err != nil {
			return fmt.Errorf("persist cookies: %w", err)
		}
		next.Cookies = append(json.RawMessage(nil), ci.Cookies...)
	}
	m.snap.Store(&next)
	return nil
}

// MergeLTV adds the server reported lifetime value to the stored one
// using decimal arithmetic and returns the new total.
func (m *Manager) MergeLTV(ctx context.Context, raw json.RawMessage) (decimal.Decimal, error) {
	server, err := parseDecimal(raw)
	if err != nil {
		return decimal.Zero, &ProtocolError{Err: fmt.Errorf("iltv: %w", err)}
	}
	stored, err := m.LTV(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	sum := stored.Add(server)
	if err := m.store.Set(ctx, prefs.KeyLTV, PlainString(sum)); err != nil {
		return decimal.Zero, fmt.Errorf("persist ltv: %w", err)
	}
	if m.defaults.Debug {
		log.Printf("[DEBUG] lifetime value %s + %s = %s", PlainString(stored), PlainString(server), PlainString(sum))
	}
	return sum, nil
}

// LTV returns the locally stored lifetime value.
func (m *Manager) LTV(ctx context.Context) (decimal.Decimal, error) {
	raw, err := prefs.String(ctx, m.store, prefs.KeyLTV, "0")
	if err != nil {
		return decimal.Zero, fmt.Errorf("load ltv: %w", err)
	}
	stored, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse stored ltv %q: %w", raw, err)
	}
	return stored, nil
}

// PlainString renders d without exponent, keeping its scale so that
// 7.50 stays 7.50.
func PlainString(d decimal.Decimal) string {
	if exp := d.Exponent(); exp < 0 {
		return d.StringFixed(-exp)
	}
	return d.String()
}

// seconds converts a document interval. Absent, non-positive and
// overflowing values are not usable.
func seconds(v *int64) (time.Duration, bool) {
	if v == nil || *v <= 0 || *v > maxSeconds {
		return 0, false
	}
	return time.Duration(*v) * time.Second, true
}

func parseDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	text := string(bytes.TrimSpace(raw))
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = unquoted
	}
	return decimal.NewFromString(text)
}
