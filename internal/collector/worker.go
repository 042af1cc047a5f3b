package collector

import (
	"context"
	"log"
	"sync"
	"time"

	"telemetry-pipeline/internal/repository"
)

// IngestWorker buffers accepted messages and writes them to the store in
// batches.
type IngestWorker interface {
	Enqueue(msgs []repository.CollectedMessage)
	Shutdown()
}

type batchIngestWorker struct {
	store         repository.CollectedStore
	queue         chan repository.CollectedMessage
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
}

// NewIngestWorker starts a worker that flushes when batchSize messages
// are buffered or every interval, whichever comes first.
func NewIngestWorker(store repository.CollectedStore, bufferSize, batchSize int, interval time.Duration) *batchIngestWorker {
	w := &batchIngestWorker{
		store:         store,
		queue:         make(chan repository.CollectedMessage, bufferSize),
		batchSize:     batchSize,
		flushInterval: interval,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Enqueue blocks when the buffer is full.
func (w *batchIngestWorker) Enqueue(msgs []repository.CollectedMessage) {
	for _, m := range msgs {
		w.queue <- m
	}
}

// Shutdown flushes what is buffered and waits for the loop to exit.
func (w *batchIngestWorker) Shutdown() {
	close(w.queue)
	w.wg.Wait()
	log.Println("[INFO] ingest worker stopped")
}

func (w *batchIngestWorker) loop() {
	defer w.wg.Done()

	var batch []repository.CollectedMessage
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-w.queue:
			if !ok {
				if len(batch) > 0 {
					w.flush(batch)
				}
				return
			}
			batch = append(batch, msg)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = nil
			}
		}
	}
}

func (w *batchIngestWorker) flush(msgs []repository.CollectedMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.store.InsertCollected(ctx, msgs); err != nil {
		log.Printf("[ERROR] collected insert failed, %d messages lost: %v", len(msgs), err)
		return
	}
	log.Printf("[INFO] %d collected messages flushed", len(msgs))
}
