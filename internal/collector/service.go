// Package collector is a reference implementation of the remote side of
// the wire protocol, used for local development and integration tests.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"telemetry-pipeline/internal/model"
	"telemetry-pipeline/internal/remoteconfig"
	"telemetry-pipeline/internal/repository"
	"telemetry-pipeline/internal/signing"

	"github.com/google/uuid"
)

var (
	ErrUnknownAPIKey = errors.New("unknown api key")
	ErrBadSignature  = errors.New("signature mismatch")
	ErrStaleRequest  = errors.New("request date outside allowed skew")
)

// ValidationError represents a batch the collector refuses.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// DefaultConfigDocument is served when no config file is configured.
const DefaultConfigDocument = `{"stl":60,"uitl":600}`

const cookieTTL = 365 * 24 * time.Hour

// SignedRequest is the part of an HTTP request covered by the signature.
type SignedRequest struct {
	APIKey    string
	Method    string
	Path      string
	Date      string
	Signature string
	Body      []byte
}

type Service interface {
	Authenticate(req SignedRequest) error
	ConfigDocument() []byte
	Ingest(ctx context.Context, body []byte) (model.ConfigDocument, error)
}

// Options configures a collector service.
type Options struct {
	APIKey         string
	APISecret      string
	ConfigDocument []byte
	FirstMPID      int64
	MaxClockSkew   time.Duration
	Debug          bool
}

type collectorService struct {
	opts     Options
	worker   IngestWorker
	lastMPID atomic.Int64
	now      func() time.Time
}

// NewService validates the config document it will serve and returns a
// Service that hands accepted messages to worker.
func NewService(opts Options, worker IngestWorker) (Service, error) {
	if len(opts.ConfigDocument) == 0 {
		opts.ConfigDocument = []byte(DefaultConfigDocument)
	}
	if _, err := remoteconfig.ParseDocument(opts.ConfigDocument); err != nil {
		return nil, fmt.Errorf("config document: %w", err)
	}
	if opts.FirstMPID <= 0 {
		opts.FirstMPID = 1
	}
	s := &collectorService{opts: opts, worker: worker, now: time.Now}
	s.lastMPID.Store(opts.FirstMPID - 1)
	return s, nil
}

// LoadConfigDocument reads the document at path. An empty path yields
// the default document.
func LoadConfigDocument(path string) ([]byte, error) {
	if path == "" {
		return []byte(DefaultConfigDocument), nil
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config document: %w", err)
	}
	return doc, nil
}

// Authenticate checks the api key, the request date and the signature.
func (s *collectorService) Authenticate(req SignedRequest) error {
	if req.APIKey != s.opts.APIKey {
		return ErrUnknownAPIKey
	}

	sent, err := http.ParseTime(req.Date)
	if err != nil {
		return fmt.Errorf("%w: unparseable date %q", ErrStaleRequest, req.Date)
	}
	if skew := s.opts.MaxClockSkew; skew > 0 {
		if d := s.now().Sub(sent); d > skew || d < -skew {
			return fmt.Errorf("%w: off by %s", ErrStaleRequest, d.Round(time.Second))
		}
	}

	if !signing.Verify(s.opts.APISecret, req.Method, req.Date, req.Path, req.Body, req.Signature) {
		return ErrBadSignature
	}
	return nil
}

func (s *collectorService) ConfigDocument() []byte {
	return s.opts.ConfigDocument
}

// Ingest decodes an upload batch, queues its messages for storage and
// returns the consumer info the client should adopt. Devices without an
// mpid get the next one; devices without cookies get a fresh uid.
func (s *collectorService) Ingest(ctx context.Context, body []byte) (model.ConfigDocument, error) {
	var batch model.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		return model.ConfigDocument{}, &ValidationError{Message: "invalid batch payload"}
	}
	if batch.Type != model.BatchType {
		return model.ConfigDocument{}, &ValidationError{Message: fmt.Sprintf("unexpected batch type %q", batch.Type)}
	}
	if batch.ID == "" {
		return model.ConfigDocument{}, &ValidationError{Message: "batch id is required"}
	}

	mpid := batch.MPID
	if mpid == 0 {
		mpid = s.lastMPID.Add(1)
	}

	received := s.now().UTC()
	collected := make([]repository.CollectedMessage, 0, len(batch.Messages))
	for i, msg := range batch.Messages {
		if !msg.Type.Valid() {
			return model.ConfigDocument{}, &ValidationError{Message: fmt.Sprintf("message %d: unknown type %q", i, msg.Type)}
		}
		if msg.ID == "" {
			return model.ConfigDocument{}, &ValidationError{Message: fmt.Sprintf("message %d: id is required", i)}
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			return model.ConfigDocument{}, fmt.Errorf("re-encode message %s: %w", msg.ID, err)
		}
		collected = append(collected, repository.CollectedMessage{
			MessageID:   msg.ID,
			BatchID:     batch.ID,
			MPID:        mpid,
			SessionID:   msg.SessionID,
			MessageType: string(msg.Type),
			Timestamp:   msg.Timestamp,
			ReceivedAt:  received,
			Payload:     string(payload),
		})
	}
	if len(collected) > 0 {
		s.worker.Enqueue(collected)
	}
	if s.opts.Debug {
		log.Printf("[DEBUG] batch %s: %d messages from mpid %d", batch.ID, len(collected), mpid)
	}

	ci := &model.ConsumerInfo{MPID: &mpid}
	if len(batch.Cookies) == 0 {
		cookies, err := json.Marshal(map[string]any{
			"uid": map[string]string{
				"v": uuid.NewString(),
				"e": received.Add(cookieTTL).Format(time.RFC3339),
			},
		})
		if err != nil {
			return model.ConfigDocument{}, fmt.Errorf("issue cookies: %w", err)
		}
		ci.Cookies = cookies
	}
	return model.ConfigDocument{ConsumerInfo: ci}, nil
}
