package model

// Session is the in-flight session held by the application-facing API.
type Session struct {
	ID        string
	StartTime int64
}

// SessionStatus tracks whether a session end message has been written.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// SessionRecord is the persisted view of a session used to build its end
// message, including after a restart.
type SessionRecord struct {
	ID               string
	StartTime        int64
	EndTime          int64
	ForegroundLength int64
	Attributes       map[string]Value
	Status           SessionStatus
}

// Push behavior flags stored with received push messages.
const (
	PushFlagReceived      = 1 << 0
	PushFlagDirectOpen    = 1 << 1
	PushFlagRead          = 1 << 2
	PushFlagInfluenceOpen = 1 << 3
	PushFlagDisplayed     = 1 << 4
)

// PushMessage is a received push notification kept for influence-open
// attribution.
type PushMessage struct {
	ContentID int64
	Payload   string
	AppState  string
	Behavior  int
	CreatedAt int64
}
