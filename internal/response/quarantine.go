package response

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sentinel/internal/schema"
	"sentinel/internal/storage/s3"
)

// evidenceNamespace scopes the name-based evidence ids.
var evidenceNamespace = uuid.MustParse("6f1c2a4e-9b1d-4c57-8a43-2f5d0c7e9a10")

// EvidenceWriter stores evidence manifests. Implemented by s3.EvidenceStore.
type EvidenceWriter interface {
	Put(ctx context.Context, ev *s3.Evidence) (string, error)
}

// S3Quarantiner records quarantined artifacts as compressed evidence
// manifests in object storage. Host agents pick the manifest up and move
// the file.
type S3Quarantiner struct {
	evidence EvidenceWriter
	bucket   string
	logger   *slog.Logger
	now      func() time.Time
}

// NewS3Quarantiner creates a quarantine executor writing to evidence.
func NewS3Quarantiner(evidence EvidenceWriter, bucket string, logger *slog.Logger) *S3Quarantiner {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Quarantiner{
		evidence: evidence,
		bucket:   bucket,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Type implements ActionExecutor.
func (q *S3Quarantiner) Type() schema.ActionType { return schema.ActionQuarantine }

// Execute implements ActionExecutor.
func (q *S3Quarantiner) Execute(ctx context.Context, p schema.ActionParams) (schema.ActionResult, error) {
	path := resolveFilePath(p)
	placeholder := p.FilePath == ""
	if placeholder {
		q.logger.Warn("quarantine target missing, using placeholder", "file_path", path)
	}

	// One manifest per file and day, so repeated detections do not pile up
	// duplicate objects.
	now := q.now()
	ev := &s3.Evidence{
		ID:                 uuid.NewSHA1(evidenceNamespace, []byte(path+"|"+now.Format(time.DateOnly))).String(),
		FilePath:           path,
		QuarantineLocation: DefaultQuarantineLocation,
		Severity:           string(p.Severity),
		Source:             p.Source,
		Indicators:         p.Indicators,
		Attributes:         p.Extra,
		CapturedAt:         now,
	}
	key, err := q.evidence.Put(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("response: failed to store quarantine evidence: %w", err)
	}

	q.logger.Info("file quarantined", "file_path", path, "evidence_key", key)

	res := successResult(schema.ActionQuarantine, fmt.Sprintf("File %s has been quarantined", path), now)
	res["file_path"] = path
	res["quarantine_location"] = DefaultQuarantineLocation
	res["evidence_id"] = ev.ID
	res["evidence_key"] = key
	if q.bucket != "" {
		res["bucket"] = q.bucket
	}
	if placeholder {
		res["placeholder"] = true
	}
	return res, nil
}
