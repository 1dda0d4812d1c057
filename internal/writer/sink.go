package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuongbtq/lara-orchestrator/internal/cdr"
	"github.com/cuongbtq/lara-orchestrator/internal/queue"
	"github.com/cuongbtq/lara-orchestrator/shared/retry"
)

// Sink delivers one successful result to its destination. Errors wrapped with
// retry.NonRetryable are permanent.
type Sink interface {
	Write(ctx context.Context, r queue.ResultMessage) error
}

// CDRSink publishes results to the system-of-record, one route per stage
type CDRSink struct {
	client *cdr.Client
}

// NewCDRSink creates a sink over client
func NewCDRSink(client *cdr.Client) *CDRSink {
	return &CDRSink{client: client}
}

// Write implements Sink
func (s *CDRSink) Write(ctx context.Context, r queue.ResultMessage) error {
	key := r.Key()

	switch r.Stage {
	case queue.Segmentation, queue.PointExtraction, queue.TextExtraction:
		return s.client.PublishFeatures(ctx, key, r.Payload)

	case queue.MetadataExtraction:
		system, version := s.client.System()
		body, err := json.Marshal(cdr.FeatureResults{
			CogID:                  r.SubjectID(),
			System:                 system,
			SystemVersion:          version,
			CogMetadataExtractions: []json.RawMessage{r.Payload},
		})
		if err != nil {
			return retry.NonRetryable(fmt.Errorf("failed to wrap metadata result: %w", err))
		}
		return s.client.PublishFeatures(ctx, key, body)

	case queue.GeoReferencing:
		return s.client.PublishGeoreference(ctx, key, r.Payload)

	default:
		return retry.NonRetryable(fmt.Errorf("no publication route for stage %s", r.Stage))
	}
}

// FileSink appends each result payload as a JSON line to
// <dir>/<image_id>_<stage>.json
type FileSink struct {
	dir string
	mu  sync.Mutex
}

// NewFileSink creates dir if needed
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir %s: %w", dir, err)
	}
	return &FileSink{dir: dir}, nil
}

// Path returns the output file of a result
func (s *FileSink) Path(r queue.ResultMessage) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.json", r.SubjectID(), r.Stage))
}

// Write implements Sink
func (s *FileSink) Write(_ context.Context, r queue.ResultMessage) error {
	line := append([]byte(nil), r.Payload...)
	if len(line) == 0 {
		line = []byte("null")
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.Path(r), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return f.Close()
}
