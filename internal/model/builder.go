package model

import (
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ConstructionError reports a message that could not be built.
type ConstructionError struct {
	Type MessageType
	Key  string
	Err  error
}

func (e *ConstructionError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("build %q message: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("build %q message: value for %q: %v", e.Type, e.Key, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// Limits bounds the user attribute bag carried by a message.
type Limits struct {
	MaxAttributes  int
	MaxKeyLength   int
	MaxValueLength int
}

// DefaultLimits mirrors what the collector accepts.
var DefaultLimits = Limits{
	MaxAttributes:  100,
	MaxKeyLength:   255,
	MaxValueLength: 4096,
}

// Builder assembles a Message. The first conversion failure is kept and
// returned from Build.
type Builder struct {
	msg    Message
	attrs  map[string]any
	limits Limits
	now    func() time.Time
	err    error
}

// NewBuilder starts a message of type t for the given session.
func NewBuilder(t MessageType, sessionID string, loc *Location) *Builder {
	var locCopy *Location
	if loc != nil {
		l := *loc
		locCopy = &l
	}
	return &Builder{
		msg: Message{
			Type:      t,
			SessionID: sessionID,
			Location:  locCopy,
		},
		limits: DefaultLimits,
		now:    time.Now,
	}
}

// Timestamp sets the message time in milliseconds since the epoch.
func (b *Builder) Timestamp(ms int64) *Builder {
	b.msg.Timestamp = ms
	return b
}

// SessionStartTime records when the owning session started.
func (b *Builder) SessionStartTime(ms int64) *Builder {
	b.msg.SessionStartTime = ms
	return b
}

// Name sets the event or screen name.
func (b *Builder) Name(name string) *Builder {
	b.msg.Name = name
	return b
}

// Limits overrides the attribute constraints.
func (b *Builder) Limits(l Limits) *Builder {
	b.limits = l
	return b
}

// Attributes merges user attributes. They are converted and constrained
// at Build time.
func (b *Builder) Attributes(attrs map[string]any) *Builder {
	if len(attrs) == 0 {
		return b
	}
	if b.attrs == nil {
		b.attrs = make(map[string]any, len(attrs))
	}
	for k, v := range attrs {
		b.attrs[k] = v
	}
	return b
}

// Put sets a type-specific field.
func (b *Builder) Put(key string, v any) *Builder {
	if b.err != nil {
		return b
	}
	val, err := ValueOf(v)
	if err != nil {
		b.err = &ConstructionError{Type: b.msg.Type, Key: key, Err: err}
		return b
	}
	if b.msg.Values == nil {
		b.msg.Values = make(map[string]Value)
	}
	b.msg.Values[key] = val
	return b
}

// PutIf sets key only when cond holds.
func (b *Builder) PutIf(cond bool, key string, v any) *Builder {
	if !cond {
		return b
	}
	return b.Put(key, v)
}

// Build returns the finished message.
func (b *Builder) Build() (Message, error) {
	if b.err != nil {
		return Message{}, b.err
	}
	if !b.msg.Type.Valid() {
		return Message{}, &ConstructionError{Type: b.msg.Type, Err: fmt.Errorf("unknown message type")}
	}

	if len(b.attrs) > 0 {
		converted := make(map[string]Value, len(b.attrs))
		for k, raw := range b.attrs {
			v, err := ValueOf(raw)
			if err != nil {
				return Message{}, &ConstructionError{Type: b.msg.Type, Key: k, Err: err}
			}
			converted[k] = v
		}
		b.msg.Attributes = EnforceAttributeConstraints(converted, b.limits)
	}

	if b.msg.Timestamp == 0 {
		b.msg.Timestamp = b.now().UnixMilli()
	}
	b.msg.ID = uuid.NewString()

	msg := b.msg
	b.msg.Values = nil
	b.msg.Attributes = nil
	return msg, nil
}

// EnforceAttributeConstraints drops keys that are too long, truncates
// long string values and keeps at most MaxAttributes keys in lexical
// order. It never fails.
func EnforceAttributeConstraints(attrs map[string]Value, l Limits) map[string]Value {
	if len(attrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		if k == "" || (l.MaxKeyLength > 0 && utf8.RuneCountInString(k) > l.MaxKeyLength) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if l.MaxAttributes > 0 && len(keys) > l.MaxAttributes {
		keys = keys[:l.MaxAttributes]
	}

	out := make(map[string]Value, len(keys))
	for _, k := range keys {
		v := attrs[k]
		if s, ok := v.AsString(); ok && l.MaxValueLength > 0 {
			v = String(truncateRunes(s, l.MaxValueLength))
		}
		out[k] = v
	}
	return out
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
