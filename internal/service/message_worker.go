package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"telemetry-pipeline/internal/model"
	"telemetry-pipeline/internal/remoteconfig"
	"telemetry-pipeline/internal/repository"
)

// DefaultInfluenceWindow is how far back a push may have been received
// and still count as influencing an app open.
const DefaultInfluenceWindow = 30 * time.Minute

type persistOp int

const (
	opStoreMessage persistOp = iota
	opUpdateSessionEnd
	opCreateSessionEndMessage
	opUpdateSessionAttributes
	opEndOrphanSessions
	opStoreGcmMessage
	opMarkInfluenceOpen
	opClearProviderMessages
	opPersistSync
)

func (o persistOp) String() string {
	switch o {
	case opStoreMessage:
		return "StoreMessage"
	case opUpdateSessionEnd:
		return "UpdateSessionEnd"
	case opCreateSessionEndMessage:
		return "CreateSessionEndMessage"
	case opUpdateSessionAttributes:
		return "UpdateSessionAttributes"
	case opEndOrphanSessions:
		return "EndOrphanSessions"
	case opStoreGcmMessage:
		return "StoreGcmMessage"
	case opMarkInfluenceOpen:
		return "MarkInfluenceOpen"
	case opClearProviderMessages:
		return "ClearProviderMessages"
	case opPersistSync:
		return "Sync"
	}
	return fmt.Sprintf("persistOp(%d)", int(o))
}

type persistRequest struct {
	op         persistOp
	msg        model.Message
	sessionID  string
	stopTime   int64
	foreground int64
	attrs      map[string]model.Value
	push       model.PushMessage
	appState   string
	timestamp  int64
	events     int64
	done       chan struct{}
}

// SessionEndFactory builds the terminal message of a session from its
// persisted record. TakeEventCount reads and clears the stored event
// counter; it is only used for sessions left open by an earlier run.
type SessionEndFactory interface {
	SessionEndMessage(ctx context.Context, rec model.SessionRecord, eventCount int64) (model.Message, error)
	TakeEventCount(ctx context.Context) (int64, error)
}

// UploadTrigger receives expedite signals from the persist worker.
type UploadTrigger interface {
	TriggerUpload()
}

// ConfigSource exposes the active configuration snapshot.
type ConfigSource interface {
	Current() *remoteconfig.Snapshot
}

// PersistOptions tunes the persist worker.
type PersistOptions struct {
	InboxSize       int
	OpTimeout       time.Duration
	InfluenceWindow time.Duration
	Debug           bool
}

// MessageWorker writes messages and session bookkeeping to the queue in
// the order they were posted.
type MessageWorker interface {
	StoreMessage(msg model.Message) error
	UpdateSessionEnd(sessionID string, stopTime, foregroundLength int64) error
	CreateSessionEndMessage(sessionID string, eventCount int64) error
	UpdateSessionAttributes(sessionID string, attrs map[string]model.Value) error
	EndOrphanSessions(currentSessionID string) error
	StoreGcmMessage(push model.PushMessage, appState string) error
	MarkInfluenceOpen(timestamp int64) error
	ClearProviderMessages(timestamp int64) error
	Sync(ctx context.Context) error
	Shutdown()
}

type messageWorker struct {
	repo       repository.Repository
	config     ConfigSource
	trigger    UploadTrigger
	sessionEnd SessionEndFactory
	opts       PersistOptions

	inbox chan persistRequest

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewMessageWorker starts the persist worker goroutine.
func NewMessageWorker(repo repository.Repository, cfg ConfigSource, trigger UploadTrigger, sessionEnd SessionEndFactory, opts PersistOptions) *messageWorker {
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	if opts.InfluenceWindow <= 0 {
		opts.InfluenceWindow = DefaultInfluenceWindow
	}
	w := &messageWorker{
		repo:       repo,
		config:     cfg,
		trigger:    trigger,
		sessionEnd: sessionEnd,
		opts:       opts,
		inbox:      make(chan persistRequest, opts.InboxSize),
	}
	w.wg.Add(1)
	go w.startLoop()
	return w
}

func (w *messageWorker) StoreMessage(msg model.Message) error {
	return w.post(persistRequest{op: opStoreMessage, msg: msg})
}

func (w *messageWorker) UpdateSessionEnd(sessionID string, stopTime, foregroundLength int64) error {
	return w.post(persistRequest{op: opUpdateSessionEnd, sessionID: sessionID, stopTime: stopTime, foreground: foregroundLength})
}

// CreateSessionEndMessage closes sessionID. eventCount is the number of
// events the caller counted for the session.
func (w *messageWorker) CreateSessionEndMessage(sessionID string, eventCount int64) error {
	return w.post(persistRequest{op: opCreateSessionEndMessage, sessionID: sessionID, events: eventCount})
}

func (w *messageWorker) UpdateSessionAttributes(sessionID string, attrs map[string]model.Value) error {
	return w.post(persistRequest{op: opUpdateSessionAttributes, sessionID: sessionID, attrs: attrs})
}

// EndOrphanSessions closes every open session other than the current one
// with an end message built from its last persisted state.
func (w *messageWorker) EndOrphanSessions(currentSessionID string) error {
	return w.post(persistRequest{op: opEndOrphanSessions, sessionID: currentSessionID})
}

func (w *messageWorker) StoreGcmMessage(push model.PushMessage, appState string) error {
	return w.post(persistRequest{op: opStoreGcmMessage, push: push, appState: appState})
}

func (w *messageWorker) MarkInfluenceOpen(timestamp int64) error {
	return w.post(persistRequest{op: opMarkInfluenceOpen, timestamp: timestamp})
}

func (w *messageWorker) ClearProviderMessages(timestamp int64) error {
	return w.post(persistRequest{op: opClearProviderMessages, timestamp: timestamp})
}

// Sync waits until every request posted before it has been handled.
func (w *messageWorker) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := w.post(persistRequest{op: opPersistSync, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting requests and waits for the queued ones.
func (w *messageWorker) Shutdown() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.inbox)
	w.mu.Unlock()
	log.Printf("[INFO] persist worker draining %d queued requests", len(w.inbox))
	w.wg.Wait()
	log.Println("[INFO] persist worker stopped")
}

func (w *messageWorker) post(req persistRequest) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWorkerStopped
	}
	w.inbox <- req
	return nil
}

func (w *messageWorker) startLoop() {
	defer w.wg.Done()
	for req := range w.inbox {
		w.handle(req)
	}
}

func (w *messageWorker) handle(req persistRequest) {
	if req.op == opPersistSync {
		close(req.done)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.opts.OpTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] persist worker: %s panicked: %v", req.op, r)
		}
	}()

	var err error
	switch req.op {
	case opStoreMessage:
		err = w.storeMessage(ctx, req.msg)
	case opUpdateSessionEnd:
		err = w.repo.UpdateSessionEnd(ctx, req.sessionID, req.stopTime, req.foreground)
	case opCreateSessionEndMessage:
		err = w.endSession(ctx, req.sessionID, &req.events)
	case opUpdateSessionAttributes:
		err = w.repo.UpdateSessionAttributes(ctx, req.sessionID, req.attrs)
	case opEndOrphanSessions:
		err = w.endOrphanSessions(ctx, req.sessionID)
	case opStoreGcmMessage:
		push := req.push
		push.AppState = req.appState
		err = w.repo.InsertPush(ctx, push)
	case opMarkInfluenceOpen:
		err = w.repo.MarkInfluenceOpen(ctx, req.timestamp-w.opts.InfluenceWindow.Milliseconds(), req.timestamp)
	case opClearProviderMessages:
		err = w.repo.ClearProviderMessages(ctx, req.timestamp)
	}
	if err != nil {
		log.Printf("[ERROR] persist worker: %s: %v", req.op, err)
	}
}

// storeMessage appends msg, opens a session row for session starts and
// evaluates the upload triggers.
func (w *messageWorker) storeMessage(ctx context.Context, msg model.Message) error {
	id, err := w.repo.Append(ctx, msg)
	if err != nil {
		return fmt.Errorf("append %s message: %w", msg.Type, err)
	}
	if w.opts.Debug {
		log.Printf("[DEBUG] stored %s message %s as row %d", msg.Type, msg.ID, id)
	}

	if msg.Type == model.TypeSessionStart {
		rec := model.SessionRecord{
			ID:        msg.SessionID,
			StartTime: msg.SessionStartTime,
			EndTime:   msg.Timestamp,
			Status:    model.SessionActive,
		}
		if rec.StartTime == 0 {
			rec.StartTime = msg.Timestamp
		}
		if err := w.repo.CreateSession(ctx, rec); err != nil {
			return fmt.Errorf("create session %s: %w", msg.SessionID, err)
		}
	}

	w.checkForTrigger(msg)
	return nil
}

func (w *messageWorker) checkForTrigger(msg model.Message) {
	if w.trigger == nil {
		return
	}
	var snap *remoteconfig.Snapshot
	if w.config != nil {
		snap = w.config.Current()
	}
	if shouldTrigger(msg, snap) {
		if w.opts.Debug {
			log.Printf("[DEBUG] %s message %s triggers an upload", msg.Type, msg.ID)
		}
		w.trigger.TriggerUpload()
	}
}

// endSession writes the session end message and marks the session row
// ended. Unknown and already ended sessions are skipped. A nil events
// takes the stored counter instead.
func (w *messageWorker) endSession(ctx context.Context, sessionID string, events *int64) error {
	rec, ok, err := w.repo.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if !ok {
		log.Printf("[WARN] session %s not found, no end message written", sessionID)
		return nil
	}
	if rec.Status == model.SessionEnded {
		return nil
	}

	var count int64
	if events != nil {
		count = *events
	} else if count, err = w.sessionEnd.TakeEventCount(ctx); err != nil {
		return fmt.Errorf("event counter for session %s: %w", sessionID, err)
	}

	msg, err := w.sessionEnd.SessionEndMessage(ctx, rec, count)
	if err != nil {
		return fmt.Errorf("build end message for session %s: %w", sessionID, err)
	}
	if err := w.storeMessage(ctx, msg); err != nil {
		return err
	}
	if err := w.repo.MarkSessionEnded(ctx, sessionID); err != nil {
		return fmt.Errorf("mark session %s ended: %w", sessionID, err)
	}
	return nil
}

func (w *messageWorker) endOrphanSessions(ctx context.Context, currentSessionID string) error {
	ids, err := w.repo.SelectOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("select open sessions: %w", err)
	}
	for _, id := range ids {
		if id == currentSessionID {
			continue
		}
		if err := w.endSession(ctx, id, nil); err != nil {
			log.Printf("[ERROR] end orphan session %s: %v", id, err)
			continue
		}
		log.Printf("[INFO] orphan session %s closed", id)
	}
	return nil
}
