package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"telemetry-pipeline/internal/client"
	"telemetry-pipeline/internal/device"
	"telemetry-pipeline/internal/model"
	"telemetry-pipeline/internal/remoteconfig"
	"telemetry-pipeline/internal/repository"

	"github.com/google/uuid"
)

// ErrWorkerStopped is returned when posting to a worker after Shutdown.
var ErrWorkerStopped = errors.New("worker stopped")

type uploadOp int

const (
	opUploadMessages uploadOp = iota
	opUpdateConfig
	opInitConfigDelayed
	opCleanup
	opUploadTriggerMessages
	opUploadSync
)

func (o uploadOp) String() string {
	switch o {
	case opUploadMessages:
		return "UploadMessages"
	case opUpdateConfig:
		return "UpdateConfig"
	case opInitConfigDelayed:
		return "InitConfigDelayed"
	case opCleanup:
		return "Cleanup"
	case opUploadTriggerMessages:
		return "UploadTriggerMessages"
	case opUploadSync:
		return "Sync"
	}
	return fmt.Sprintf("uploadOp(%d)", int(o))
}

type uploadRequest struct {
	op       uploadOp
	periodic bool
	done     chan struct{}
}

// UploadOptions tunes the upload worker.
type UploadOptions struct {
	BatchSize          int
	BatchMaxAge        time.Duration
	InitialUploadDelay time.Duration
	TriggerDelay       time.Duration
	ConfigInitDelay    time.Duration
	MinUploadInterval  time.Duration
	InboxSize          int
	OpTimeout          time.Duration
	Debug              bool
}

func (o UploadOptions) withDefaults() UploadOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.BatchMaxAge <= 0 {
		o.BatchMaxAge = 24 * time.Hour
	}
	if o.InitialUploadDelay <= 0 {
		o.InitialUploadDelay = 10 * time.Second
	}
	if o.TriggerDelay <= 0 {
		o.TriggerDelay = 5 * time.Second
	}
	if o.ConfigInitDelay <= 0 {
		o.ConfigInitDelay = 20 * time.Second
	}
	if o.MinUploadInterval <= 0 {
		o.MinUploadInterval = time.Second
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 64
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = time.Minute
	}
	return o
}

// UploadWorker drains the queue to the collector and keeps the remote
// configuration current. All of its work runs on one goroutine.
type UploadWorker interface {
	Start()
	RequestUpload()
	TriggerUpload()
	RefreshConfig()
	RequestCleanup()
	Sync(ctx context.Context) error
	Shutdown()
}

type uploadWorker struct {
	repo   repository.Repository
	client client.Client
	config *remoteconfig.Manager
	device device.Provider
	opts   UploadOptions
	now    func() time.Time

	inbox        chan uploadRequest
	sched        *scheduler
	uploadQueued atomic.Bool

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewUploadWorker starts the worker goroutine. Call Start to arm the
// periodic upload and the delayed config fetch.
func NewUploadWorker(repo repository.Repository, c client.Client, cfg *remoteconfig.Manager, dev device.Provider, opts UploadOptions) *uploadWorker {
	opts = opts.withDefaults()
	w := &uploadWorker{
		repo:   repo,
		client: c,
		config: cfg,
		device: dev,
		opts:   opts,
		now:    time.Now,
		inbox:  make(chan uploadRequest, opts.InboxSize),
		sched:  newScheduler(),
	}
	w.wg.Add(1)
	go w.startLoop()
	return w
}

// Start arms the first periodic upload and the delayed initial config
// fetch, and queues a cleanup pass.
func (w *uploadWorker) Start() {
	w.schedule(timerPeriodicUpload, w.opts.InitialUploadDelay, uploadRequest{op: opUploadMessages, periodic: true})
	w.schedule(timerInitConfig, w.opts.ConfigInitDelay, uploadRequest{op: opInitConfigDelayed})
	w.post(uploadRequest{op: opCleanup})
}

// RequestUpload asks for an upload now. Requests made while one is still
// queued collapse into it.
func (w *uploadWorker) RequestUpload() {
	if !w.uploadQueued.CompareAndSwap(false, true) {
		return
	}
	if err := w.post(uploadRequest{op: opUploadMessages}); err != nil {
		w.uploadQueued.Store(false)
	}
}

// TriggerUpload replaces any pending expedited upload with one that runs
// after the trigger delay.
func (w *uploadWorker) TriggerUpload() {
	w.schedule(timerTriggerUpload, w.opts.TriggerDelay, uploadRequest{op: opUploadTriggerMessages})
}

func (w *uploadWorker) RefreshConfig() {
	_ = w.post(uploadRequest{op: opUpdateConfig})
}

func (w *uploadWorker) RequestCleanup() {
	_ = w.post(uploadRequest{op: opCleanup})
}

// Sync waits until every request posted before it has been handled.
func (w *uploadWorker) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := w.post(uploadRequest{op: opUploadSync, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels pending timers, lets queued requests finish and waits
// for the loop to exit.
func (w *uploadWorker) Shutdown() {
	w.sched.stop()
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.inbox)
	w.mu.Unlock()
	w.wg.Wait()
	log.Println("[INFO] upload worker stopped")
}

func (w *uploadWorker) schedule(kind timerKind, d time.Duration, req uploadRequest) {
	w.sched.schedule(kind, d, func() {
		_ = w.post(req)
	})
}

func (w *uploadWorker) post(req uploadRequest) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWorkerStopped
	}
	w.inbox <- req
	return nil
}

func (w *uploadWorker) startLoop() {
	defer w.wg.Done()
	for req := range w.inbox {
		w.handle(req)
	}
}

func (w *uploadWorker) handle(req uploadRequest) {
	if req.op == opUploadSync {
		close(req.done)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.opts.OpTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] upload worker: %s panicked: %v", req.op, r)
		}
	}()

	switch req.op {
	case opUploadMessages:
		if req.periodic {
			defer w.schedule(timerPeriodicUpload, w.uploadInterval(), uploadRequest{op: opUploadMessages, periodic: true})
		} else {
			w.uploadQueued.Store(false)
		}
		w.uploadMessages(ctx)
	case opUploadTriggerMessages:
		w.uploadMessages(ctx)
	case opUpdateConfig:
		w.updateConfig(ctx)
	case opInitConfigDelayed:
		if !w.config.Current().Fetched {
			w.updateConfig(ctx)
		}
	case opCleanup:
		w.cleanup(ctx)
	}
}

// uploadInterval is the configured period, never shorter than
// MinUploadInterval.
func (w *uploadWorker) uploadInterval() time.Duration {
	d := w.config.Current().UploadInterval
	if d < w.opts.MinUploadInterval {
		return w.opts.MinUploadInterval
	}
	return d
}

// uploadMessages sends batches until the queue is drained, a batch is
// retained or a batch comes back short.
func (w *uploadWorker) uploadMessages(ctx context.Context) {
	if w.device.Snapshot().DataConnection == device.ConnectionOffline {
		if w.opts.Debug {
			log.Println("[DEBUG] upload skipped: offline")
		}
		return
	}
	for ctx.Err() == nil {
		notBefore := w.now().Add(-w.opts.BatchMaxAge).UnixMilli()
		rows, err := w.repo.SelectBatch(ctx, w.opts.BatchSize, notBefore)
		if err != nil {
			log.Printf("[ERROR] select upload batch: %v", err)
			return
		}
		if len(rows) == 0 {
			return
		}
		deleted, err := w.sendBatch(ctx, rows)
		if err != nil {
			log.Printf("[WARN] batch upload failed, %d messages kept: %v", len(rows), err)
			return
		}
		if !deleted || len(rows) < w.opts.BatchSize {
			return
		}
	}
}

// sendBatch uploads rows as one batch and applies the response policy. It
// reports whether the rows were removed from the queue.
func (w *uploadWorker) sendBatch(ctx context.Context, rows []repository.QueuedMessage) (bool, error) {
	batch, err := w.assembleBatch(ctx, rows)
	if err != nil {
		return false, err
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return false, fmt.Errorf("encode batch: %w", err)
	}
	if w.opts.Debug {
		log.Printf("[DEBUG] uploading batch %s: %d messages %v", batch.ID, len(batch.Messages), batch.MessageTypes())
	}

	resp, err := w.client.SendBatch(ctx, payload)
	if err != nil {
		return false, fmt.Errorf("send batch %s: %w", batch.ID, err)
	}

	if client.Classify(resp.StatusCode) == client.Retain {
		log.Printf("[WARN] batch %s: collector returned %d, %d messages kept", batch.ID, resp.StatusCode, len(rows))
		return false, nil
	}

	if resp.StatusCode >= 400 && w.opts.Debug {
		log.Printf("[DEBUG] batch %s rejected with %d: %s", batch.ID, resp.StatusCode, resp.Body)
	}

	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	if err := w.repo.DeleteByIDs(ctx, ids); err != nil {
		return false, fmt.Errorf("delete uploaded messages: %w", err)
	}
	log.Printf("[INFO] batch %s: %d messages uploaded (status %d)", batch.ID, len(rows), resp.StatusCode)

	if resp.Success() {
		w.applyBatchResponse(ctx, batch.ID, resp)
	}
	return true, nil
}

// applyBatchResponse adopts the consumer info a batch response carries.
// An unusable body is logged and otherwise ignored.
func (w *uploadWorker) applyBatchResponse(ctx context.Context, batchID string, resp *client.Response) {
	if resp.BodyErr != nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return
	}
	doc, err := remoteconfig.ParseDocument(resp.Body)
	if err != nil {
		log.Printf("[WARN] batch %s: response ignored: %v", batchID, err)
		return
	}
	if err := w.config.ApplyConsumerInfo(ctx, doc.ConsumerInfo); err != nil {
		log.Printf("[ERROR] batch %s: apply consumer info: %v", batchID, err)
	}
}

func (w *uploadWorker) assembleBatch(ctx context.Context, rows []repository.QueuedMessage) (model.Batch, error) {
	snap := w.config.Current()
	batch := model.Batch{
		Type:       model.BatchType,
		ID:         uuid.NewString(),
		CreatedAt:  w.now().UnixMilli(),
		SDKVersion: model.SDKVersion,
		MPID:       snap.MPID,
		Cookies:    snap.Cookies,
		Device:     w.device.Snapshot(),
		Messages:   make([]model.Message, len(rows)),
	}
	for i, r := range rows {
		batch.Messages[i] = r.Message
	}

	ltv, err := w.config.LTV(ctx)
	if err != nil {
		return model.Batch{}, fmt.Errorf("read lifetime value: %w", err)
	}
	if !ltv.IsZero() {
		batch.LTV = remoteconfig.PlainString(ltv)
	}
	return batch, nil
}

// updateConfig fetches the remote configuration. Only a 2xx response
// with a valid body replaces the snapshot.
func (w *uploadWorker) updateConfig(ctx context.Context) {
	resp, err := w.client.FetchConfig(ctx)
	if err != nil {
		log.Printf("[WARN] config fetch failed: %v", err)
		return
	}
	if !resp.Success() {
		log.Printf("[WARN] config fetch returned %d, keeping previous configuration", resp.StatusCode)
		return
	}
	if resp.BodyErr != nil {
		log.Printf("[WARN] config body unreadable: %v", resp.BodyErr)
		return
	}
	doc, err := remoteconfig.ParseDocument(resp.Body)
	if err != nil {
		log.Printf("[WARN] config ignored: %v", err)
		return
	}
	if err := w.config.Apply(ctx, doc); err != nil {
		log.Printf("[ERROR] apply config: %v", err)
		return
	}
	if w.opts.Debug {
		snap := w.config.Current()
		log.Printf("[DEBUG] config applied: upload_interval=%s triggers=%d hashes=%d",
			snap.UploadInterval, len(snap.TriggerMatches), snap.TriggerHashCount())
	}
}

func (w *uploadWorker) cleanup(ctx context.Context) {
	before := w.now().Add(-w.opts.BatchMaxAge).UnixMilli()
	if err := w.repo.DeleteOlderThan(ctx, before); err != nil {
		log.Printf("[ERROR] cleanup expired messages: %v", err)
	}
	if err := w.repo.DeleteEndedSessions(ctx); err != nil {
		log.Printf("[ERROR] cleanup ended sessions: %v", err)
	}
}
