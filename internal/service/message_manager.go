package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"telemetry-pipeline/internal/client"
	"telemetry-pipeline/internal/device"
	"telemetry-pipeline/internal/model"
	"telemetry-pipeline/internal/prefs"
	"telemetry-pipeline/internal/remoteconfig"
	"telemetry-pipeline/internal/repository"

	"github.com/google/uuid"
)

// ErrNoSession is returned by calls that need an active session.
var ErrNoSession = errors.New("no active session")

// App state transition types.
const (
	StateTransitionInit       = "app_init"
	StateTransitionForeground = "app_fore"
	StateTransitionBackground = "app_back"
)

// App states reported with push messages.
const (
	AppStateForeground = "foreground"
	AppStateBackground = "background"
	AppStateNotRunning = "not_running"
)

const (
	pushTypeReceived      = "received"
	pushTypeAction        = "action"
	pushTokenType         = "google"
	pushMessageName       = "gcm"
	screenStarted         = "activity_started"
	screenStopped         = "activity_stopped"
	errorSeverityCaught   = "error"
	errorSeverityUncaught = "fatal"
)

// sessionCounterLimit wraps the session ordinal back to zero.
const sessionCounterLimit = math.MaxInt32 / 100

// Event is an application event to log.
type Event struct {
	Name       string
	Type       string
	Duration   time.Duration
	Attributes map[string]any
}

// Notification is a push notification the user interacted with.
type Notification struct {
	ContentID  int64
	Payload    string
	AppState   string
	Behavior   int
	ActionID   string
	ActionName string
}

// StateTransition describes an app lifecycle change.
type StateTransition struct {
	Type                 string
	LaunchReferrer       string
	LaunchParams         string
	LaunchSourcePackage  string
	PreviousForegroundMs int64
	SuspendedMs          int64
	Interruptions        int
}

// Options configures a MessageManager and its workers.
type Options struct {
	Upload     UploadOptions
	Persist    PersistOptions
	Limits     model.Limits
	AppVersion string
	Debug      bool
}

// MessageManager is the application-facing API. Calls build messages
// and hand them to the persist worker; they never wait on storage or the
// network.
type MessageManager struct {
	persist MessageWorker
	upload  UploadWorker
	store   prefs.Store
	config  *remoteconfig.Manager
	device  device.Provider
	opts    Options
	now     func() time.Time

	mu             sync.Mutex
	session        model.Session
	location       atomic.Pointer[model.Location]
	screen         string
	firstRun       bool
	backgroundedAt int64

	// counterMu guards the stored event counter.
	counterMu sync.Mutex
}

// NewMessageManager wires both workers around repo and c.
func NewMessageManager(repo repository.Repository, c client.Client, cfg *remoteconfig.Manager, store prefs.Store, dev device.Provider, opts Options) *MessageManager {
	if opts.Limits == (model.Limits{}) {
		opts.Limits = model.DefaultLimits
	}
	opts.Upload.Debug = opts.Upload.Debug || opts.Debug
	opts.Persist.Debug = opts.Persist.Debug || opts.Debug

	m := &MessageManager{
		store:  store,
		config: cfg,
		device: dev,
		opts:   opts,
		now:    time.Now,
	}
	m.upload = NewUploadWorker(repo, c, cfg, dev, opts.Upload)
	m.persist = NewMessageWorker(repo, cfg, m.upload, m, opts.Persist)
	return m
}

// Start restores persisted identity, closes sessions left open by a
// previous run and arms the upload schedule.
func (m *MessageManager) Start(ctx context.Context) error {
	if err := m.config.Load(ctx); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	_, seen, err := m.store.Get(ctx, prefs.KeyFirstRun)
	if err != nil {
		return fmt.Errorf("read first run flag: %w", err)
	}
	m.mu.Lock()
	m.firstRun = !seen
	m.mu.Unlock()

	if seen {
		if err := m.persist.EndOrphanSessions(""); err != nil {
			return err
		}
	} else if err := prefs.SetInt64(ctx, m.store, prefs.KeyInstallTime, m.now().UnixMilli()); err != nil {
		return fmt.Errorf("record install time: %w", err)
	}

	m.upload.Start()
	m.upload.RefreshConfig()
	return nil
}

// CurrentSession returns the active session; its ID is empty when none
// is active.
func (m *MessageManager) CurrentSession() model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// SetLocation sets the position attached to subsequent messages.
func (m *MessageManager) SetLocation(loc *model.Location) {
	if loc == nil {
		m.location.Store(nil)
		return
	}
	l := *loc
	m.location.Store(&l)
	if m.opts.Debug {
		log.Printf("[DEBUG] location updated: %.5f,%.5f", l.Latitude, l.Longitude)
	}
}

// StartSession ends any active session and starts a new one.
func (m *MessageManager) StartSession(ctx context.Context) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.ID != "" {
		if err := m.endSessionLocked(ctx); err != nil {
			return model.Session{}, err
		}
	}
	return m.startSessionLocked(ctx)
}

func (m *MessageManager) startSessionLocked(ctx context.Context) (model.Session, error) {
	now := m.now().UnixMilli()
	sess := model.Session{ID: uuid.NewString(), StartTime: now}

	b := model.NewBuilder(model.TypeSessionStart, sess.ID, m.location.Load()).
		SessionStartTime(sess.StartTime).
		Timestamp(now)

	prevFg, err := prefs.Int64(ctx, m.store, prefs.KeyPreviousForeground, 0)
	if err != nil {
		return model.Session{}, err
	}
	if prevFg > 0 {
		b.Put(model.KeyPreviousSessionLength, prevFg/1000)
		if err := m.store.Delete(ctx, prefs.KeyPreviousForeground); err != nil {
			return model.Session{}, err
		}
	}

	prevID, err := prefs.String(ctx, m.store, prefs.KeyPreviousSessionID, "")
	if err != nil {
		return model.Session{}, err
	}
	b.PutIf(prevID != "", model.KeyPreviousSessionID, prevID)
	if err := m.store.Set(ctx, prefs.KeyPreviousSessionID, sess.ID); err != nil {
		return model.Session{}, err
	}

	prevStart, err := prefs.Int64(ctx, m.store, prefs.KeyPreviousSessionStart, -1)
	if err != nil {
		return model.Session{}, err
	}
	b.PutIf(prevStart > 0, model.KeyPreviousSessionStart, prevStart)
	if err := prefs.SetInt64(ctx, m.store, prefs.KeyPreviousSessionStart, sess.StartTime); err != nil {
		return model.Session{}, err
	}

	msg, err := b.Build()
	if err != nil {
		return model.Session{}, err
	}
	if err := m.persist.StoreMessage(msg); err != nil {
		return model.Session{}, err
	}
	m.session = sess

	if m.firstRun {
		fr, err := model.NewBuilder(model.TypeFirstRun, sess.ID, m.location.Load()).
			Timestamp(now).
			Put(model.KeyDataConnection, m.device.Snapshot().DataConnection).
			Build()
		if err != nil {
			log.Printf("[WARN] first run message: %v", err)
		} else if err := m.persist.StoreMessage(fr); err == nil {
			m.firstRun = false
			if err := prefs.SetBool(ctx, m.store, prefs.KeyFirstRun, false); err != nil {
				log.Printf("[WARN] persist first run flag: %v", err)
			}
		}
	}

	if err := m.incrementSessionCounter(ctx); err != nil {
		log.Printf("[WARN] session counter: %v", err)
	}
	log.Printf("[INFO] session %s started", sess.ID)
	return sess, nil
}

func (m *MessageManager) incrementSessionCounter(ctx context.Context) error {
	count, err := prefs.Int64(ctx, m.store, prefs.KeySessionCounter, 0)
	if err != nil {
		return err
	}
	next := count + 1
	if next >= sessionCounterLimit {
		next = 0
	}
	return prefs.SetInt64(ctx, m.store, prefs.KeySessionCounter, next)
}

func (m *MessageManager) sessionCounter(ctx context.Context) int64 {
	count, err := prefs.Int64(ctx, m.store, prefs.KeySessionCounter, 0)
	if err != nil {
		log.Printf("[WARN] read session counter: %v", err)
	}
	return count
}

// UpdateSessionEnd records the current time as the end of the active
// session without closing it.
func (m *MessageManager) UpdateSessionEnd(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.ID == "" {
		return ErrNoSession
	}
	stop := m.now().UnixMilli()
	return m.updateSessionEndLocked(ctx, stop, stop-m.session.StartTime)
}

func (m *MessageManager) updateSessionEndLocked(ctx context.Context, stopTime, sessionLength int64) error {
	background, err := prefs.Int64(ctx, m.store, prefs.KeyBackgroundTime, 0)
	if err != nil {
		return err
	}
	foreground := sessionLength - background
	if foreground <= 0 {
		foreground = sessionLength
	}
	if err := prefs.SetInt64(ctx, m.store, prefs.KeyPreviousForeground, foreground); err != nil {
		return err
	}
	return m.persist.UpdateSessionEnd(m.session.ID, stopTime, foreground)
}

// EndSession closes the active session and queues its end message.
func (m *MessageManager) EndSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.ID == "" {
		return ErrNoSession
	}
	return m.endSessionLocked(ctx)
}

func (m *MessageManager) endSessionLocked(ctx context.Context) error {
	stop := m.now().UnixMilli()
	if err := m.updateSessionEndLocked(ctx, stop, stop-m.session.StartTime); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, prefs.KeyBackgroundTime); err != nil {
		return err
	}
	if err := m.closeEventCount(ctx, m.session.ID); err != nil {
		return err
	}
	log.Printf("[INFO] session %s ended after %dms", m.session.ID, stop-m.session.StartTime)
	m.session = model.Session{}
	m.backgroundedAt = 0
	return nil
}

// closeEventCount resets the event counter and hands the ending
// session's count to the persist worker. It must be called with m.mu
// held, so no event of the next session can be counted in between.
func (m *MessageManager) closeEventCount(ctx context.Context, sessionID string) error {
	events, err := m.TakeEventCount(ctx)
	if err != nil {
		return fmt.Errorf("event counter: %w", err)
	}
	return m.persist.CreateSessionEndMessage(sessionID, events)
}

// TakeEventCount returns the stored event counter and resets it. The
// persist worker uses it for sessions closed after a restart.
func (m *MessageManager) TakeEventCount(ctx context.Context) (int64, error) {
	m.counterMu.Lock()
	defer m.counterMu.Unlock()
	events, err := prefs.Int64(ctx, m.store, prefs.KeyEventCounter, 0)
	if err != nil {
		return 0, err
	}
	if err := prefs.SetInt64(ctx, m.store, prefs.KeyEventCounter, 0); err != nil {
		return 0, err
	}
	return events, nil
}

// SessionEndMessage builds the end message of rec. It runs on the
// persist worker.
func (m *MessageManager) SessionEndMessage(_ context.Context, rec model.SessionRecord, events int64) (model.Message, error) {
	attrs := make(map[string]any, len(rec.Attributes))
	for k, v := range rec.Attributes {
		attrs[k] = v
	}

	return model.NewBuilder(model.TypeSessionEnd, rec.ID, m.location.Load()).
		SessionStartTime(rec.StartTime).
		Timestamp(rec.EndTime).
		Limits(m.opts.Limits).
		Attributes(attrs).
		Put(model.KeyEventCounter, events).
		Put(model.KeySessionLength, rec.ForegroundLength).
		Put(model.KeySessionLengthTotal, rec.EndTime-rec.StartTime).
		Put(model.KeyStateInfo, m.device.Snapshot()).
		Build()
}

// ensureSessionLocked starts a session when none is active.
func (m *MessageManager) ensureSessionLocked(ctx context.Context) (model.Session, error) {
	if m.session.ID != "" {
		return m.session, nil
	}
	return m.startSessionLocked(ctx)
}

// newBuilder starts a message in the active session, starting one if
// needed. It must be called with m.mu held.
func (m *MessageManager) newBuilder(ctx context.Context, t model.MessageType, ts int64) (*model.Builder, error) {
	sess, err := m.ensureSessionLocked(ctx)
	if err != nil {
		return nil, err
	}
	return model.NewBuilder(t, sess.ID, m.location.Load()).
		SessionStartTime(sess.StartTime).
		Timestamp(ts).
		Limits(m.opts.Limits), nil
}

func (m *MessageManager) post(b *model.Builder) error {
	msg, err := b.Build()
	if err != nil {
		log.Printf("[WARN] message dropped: %v", err)
		return err
	}
	return m.persist.StoreMessage(msg)
}

// LogEvent records an application event.
func (m *MessageManager) LogEvent(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixMilli()
	b, err := m.newBuilder(ctx, model.TypeEvent, now)
	if err != nil {
		return err
	}
	b.Name(ev.Name).
		Attributes(ev.Attributes).
		Put(model.KeyEventType, ev.Type).
		Put(model.KeyEventStartTime, now).
		Put(model.KeyEventDuration, ev.Duration.Milliseconds()).
		PutIf(m.screen != "", model.KeyCurrentActivity, m.screen)

	m.counterMu.Lock()
	count, err := prefs.Int64(ctx, m.store, prefs.KeyEventCounter, 0)
	if err == nil {
		err = prefs.SetInt64(ctx, m.store, prefs.KeyEventCounter, count+1)
	}
	m.counterMu.Unlock()
	if err != nil {
		return fmt.Errorf("event counter: %w", err)
	}
	b.Put(model.KeyEventCounter, count)
	return m.post(b)
}

// LogScreen records a screen view starting or stopping.
func (m *MessageManager) LogScreen(ctx context.Context, name string, attrs map[string]any, started bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixMilli()
	b, err := m.newBuilder(ctx, model.TypeScreenView, now)
	if err != nil {
		return err
	}
	state := screenStopped
	if started {
		state = screenStarted
		m.screen = name
	}
	b.Name(name).
		Attributes(attrs).
		Put(model.KeyEventStartTime, now).
		Put(model.KeyEventDuration, 0).
		Put(model.KeyScreenStarted, state)
	return m.post(b)
}

// LogBreadcrumb records a breadcrumb label.
func (m *MessageManager) LogBreadcrumb(ctx context.Context, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixMilli()
	b, err := m.newBuilder(ctx, model.TypeBreadcrumb, now)
	if err != nil {
		return err
	}
	b.Put(model.KeyEventStartTime, now).
		Put(model.KeySessionCounter, m.sessionCounter(ctx)).
		Put(model.KeyBreadcrumbLabel, label)
	return m.post(b)
}

// LogError records an error. When cause is nil only message is sent.
func (m *MessageManager) LogError(ctx context.Context, message string, cause error, attrs map[string]any, caught bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.newBuilder(ctx, model.TypeError, m.now().UnixMilli())
	if err != nil {
		return err
	}
	b.Attributes(attrs)
	if cause == nil {
		b.Put(model.KeyErrorSeverity, errorSeverityCaught).
			Put(model.KeyErrorMessage, message)
		return m.post(b)
	}

	severity := errorSeverityCaught
	if !caught {
		severity = errorSeverityUncaught
	}
	b.Put(model.KeyErrorMessage, cause.Error()).
		Put(model.KeyErrorSeverity, severity).
		Put(model.KeyErrorClass, fmt.Sprintf("%T", cause)).
		Put(model.KeyErrorStackTrace, fmt.Sprintf("%+v", cause)).
		Put(model.KeyErrorUncaught, strconv.FormatBool(caught)).
		Put(model.KeySessionCounter, m.sessionCounter(ctx))
	return m.post(b)
}

// OptOut records the user's tracking opt-out choice.
func (m *MessageManager) OptOut(ctx context.Context, optOut bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := prefs.SetBool(ctx, m.store, prefs.KeyOptOut, optOut); err != nil {
		return err
	}
	b, err := m.newBuilder(ctx, model.TypeOptOut, m.now().UnixMilli())
	if err != nil {
		return err
	}
	b.Put(model.KeyOptOutStatus, optOut)
	return m.post(b)
}

// SetPushRegistration records a push token being registered or removed.
func (m *MessageManager) SetPushRegistration(ctx context.Context, token string, registering bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if registering {
		err = m.store.Set(ctx, prefs.KeyPushToken, token)
	} else {
		err = m.store.Delete(ctx, prefs.KeyPushToken)
	}
	if err != nil {
		return err
	}

	b, err := m.newBuilder(ctx, model.TypePushRegistration, m.now().UnixMilli())
	if err != nil {
		return err
	}
	b.Put(model.KeyPushToken, token).
		Put(model.KeyPushTokenType, pushTokenType).
		Put(model.KeyPushRegisterFlag, registering)
	return m.post(b)
}

// SavePushMessage keeps a received push for open attribution.
func (m *MessageManager) SavePushMessage(push model.PushMessage, appState string) error {
	if push.CreatedAt == 0 {
		push.CreatedAt = m.now().UnixMilli()
	}
	push.Behavior |= model.PushFlagReceived
	return m.persist.StoreGcmMessage(push, appState)
}

// LogNotification records a push notification receipt or action.
func (m *MessageManager) LogNotification(ctx context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.newBuilder(ctx, model.TypePushReceived, m.now().UnixMilli())
	if err != nil {
		return err
	}
	b.Name(pushMessageName).
		Put(model.KeyPushPayload, n.Payload).
		Put(model.KeyPushBehavior, n.Behavior).
		Put(model.KeyPushContentID, n.ContentID).
		Put(model.KeyAppState, n.AppState)

	if n.ActionID == "" {
		b.Put(model.KeyPushType, pushTypeReceived)
	} else {
		name := n.ActionName
		if name == "" {
			name = n.ActionID
		}
		b.Put(model.KeyPushType, pushTypeAction).
			Put(model.KeyPushActionTaken, n.ActionID).
			Put(model.KeyPushActionName, name)
	}

	token, err := prefs.String(ctx, m.store, prefs.KeyPushToken, "")
	if err != nil {
		return err
	}
	b.PutIf(token != "", model.KeyPushToken, token)
	return m.post(b)
}

// LogProfileAction records a user profile action such as logout.
func (m *MessageManager) LogProfileAction(ctx context.Context, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.newBuilder(ctx, model.TypeProfile, m.now().UnixMilli())
	if err != nil {
		return err
	}
	b.Put(model.KeyProfileAction, action)
	return m.post(b)
}

// LogStateTransition records an app lifecycle change. Foreground
// transitions attribute recent pushes to the open; background transitions
// clear undisplayed pushes and start background time accounting.
func (m *MessageManager) LogStateTransition(ctx context.Context, st StateTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixMilli()
	firstRun := m.firstRun
	b, err := m.newBuilder(ctx, model.TypeAppStateTransition, now)
	if err != nil {
		return err
	}
	b.Put(model.KeyStateTransitionType, st.Type).
		PutIf(m.screen != "", model.KeyCurrentActivity, m.screen)

	switch st.Type {
	case StateTransitionInit, StateTransitionForeground:
		b.Put(model.KeyLaunchReferrer, st.LaunchReferrer).
			Put(model.KeyLaunchParams, st.LaunchParams).
			Put(model.KeyLaunchSourcePackage, st.LaunchSourcePackage).
			PutIf(st.PreviousForegroundMs > 0, model.KeyPreviousForegroundMs, st.PreviousForegroundMs).
			PutIf(st.SuspendedMs > 0, model.KeyTimeSuspended, st.SuspendedMs).
			PutIf(st.Interruptions >= 0, model.KeyInterruptions, st.Interruptions)
		if err := m.persist.MarkInfluenceOpen(now); err != nil {
			return err
		}
		if err := m.accountBackgroundLocked(ctx, now); err != nil {
			log.Printf("[WARN] background time: %v", err)
		}
	case StateTransitionBackground:
		if err := m.persist.ClearProviderMessages(now); err != nil {
			return err
		}
		m.backgroundedAt = now
	}

	if st.Type == StateTransitionInit {
		upgrade, err := m.detectUpgrade(ctx)
		if err != nil {
			log.Printf("[WARN] upgrade detection: %v", err)
		}
		b.Put(model.KeyInitFirstRun, firstRun).
			Put(model.KeyInitUpgrade, upgrade)
	}

	return m.post(b)
}

// accountBackgroundLocked adds the time since the last background
// transition to the session's background total.
func (m *MessageManager) accountBackgroundLocked(ctx context.Context, now int64) error {
	if m.backgroundedAt == 0 || now <= m.backgroundedAt {
		return nil
	}
	elapsed := now - m.backgroundedAt
	m.backgroundedAt = 0
	total, err := prefs.Int64(ctx, m.store, prefs.KeyBackgroundTime, 0)
	if err != nil {
		return err
	}
	return prefs.SetInt64(ctx, m.store, prefs.KeyBackgroundTime, total+elapsed)
}

func (m *MessageManager) detectUpgrade(ctx context.Context) (bool, error) {
	if m.opts.AppVersion == "" {
		return false, nil
	}
	prev, err := prefs.String(ctx, m.store, prefs.KeyAppVersion, "")
	if err != nil {
		return false, err
	}
	if err := m.store.Set(ctx, prefs.KeyAppVersion, m.opts.AppVersion); err != nil {
		return false, err
	}
	return prev != "" && prev != m.opts.AppVersion, nil
}

// SetSessionAttributes replaces the attributes carried by the active
// session's end message.
func (m *MessageManager) SetSessionAttributes(ctx context.Context, attrs map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.ensureSessionLocked(ctx)
	if err != nil {
		return err
	}
	converted := make(map[string]model.Value, len(attrs))
	for k, raw := range attrs {
		v, err := model.ValueOf(raw)
		if err != nil {
			return &model.ConstructionError{Type: model.TypeSessionEnd, Key: k, Err: err}
		}
		converted[k] = v
	}
	return m.persist.UpdateSessionAttributes(sess.ID, model.EnforceAttributeConstraints(converted, m.opts.Limits))
}

// DoUpload asks for an immediate upload.
func (m *MessageManager) DoUpload() {
	m.upload.RequestUpload()
}

// RefreshConfiguration asks for a config fetch.
func (m *MessageManager) RefreshConfiguration() {
	m.upload.RefreshConfig()
}

// Sync waits for both workers to handle everything posted so far.
func (m *MessageManager) Sync(ctx context.Context) error {
	if err := m.persist.Sync(ctx); err != nil {
		return err
	}
	return m.upload.Sync(ctx)
}

// Flush persists everything logged so far, uploads it and waits for the
// upload to finish.
func (m *MessageManager) Flush(ctx context.Context) error {
	if err := m.persist.Sync(ctx); err != nil {
		return err
	}
	m.upload.RequestUpload()
	return m.Sync(ctx)
}

// Shutdown stops the persist worker, then the upload worker.
func (m *MessageManager) Shutdown() {
	m.persist.Shutdown()
	m.upload.Shutdown()
}
