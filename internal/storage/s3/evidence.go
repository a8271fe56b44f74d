package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// Evidence is the manifest written when an artifact is quarantined.
type Evidence struct {
	ID                 string         `json:"evidence_id"`
	ThreatID           string         `json:"threat_id,omitempty"`
	FilePath           string         `json:"file_path"`
	QuarantineLocation string         `json:"quarantine_location"`
	Severity           string         `json:"severity,omitempty"`
	Source             string         `json:"source,omitempty"`
	Indicators         []string       `json:"indicators,omitempty"`
	Attributes         map[string]any `json:"attributes,omitempty"`
	CapturedAt         time.Time      `json:"captured_at"`
}

// EvidenceConfig configures the evidence store.
type EvidenceConfig struct {
	// PathTemplate for evidence keys (supports {date}, {year}, {month}, {day}, {id}).
	PathTemplate string `json:"path_template" yaml:"path_template"`

	// Level is the zstd encoder level: fastest, default, better or best.
	Level string `json:"level" yaml:"level"`
}

// DefaultEvidenceConfig returns default evidence store configuration.
func DefaultEvidenceConfig() EvidenceConfig {
	return EvidenceConfig{
		PathTemplate: "quarantine/{date}/{id}.json.zst",
		Level:        "default",
	}
}

// objectStore is implemented by Client.
type objectStore interface {
	Upload(ctx context.Context, input *UploadInput) (*UploadOutput, error)
	Download(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// EvidenceStore writes zstd-compressed evidence manifests to object storage.
type EvidenceStore struct {
	store   objectStore
	config  EvidenceConfig
	logger  *slog.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	stored          atomic.Int64
	bytesRaw        atomic.Int64
	bytesCompressed atomic.Int64
}

// NewEvidenceStore creates an evidence store on top of client.
func NewEvidenceStore(client *Client, cfg EvidenceConfig, logger *slog.Logger) (*EvidenceStore, error) {
	return newEvidenceStore(client, cfg, logger)
}

func newEvidenceStore(store objectStore, cfg EvidenceConfig, logger *slog.Logger) (*EvidenceStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PathTemplate == "" {
		cfg.PathTemplate = DefaultEvidenceConfig().PathTemplate
	}
	level := zstd.SpeedDefault
	if cfg.Level != "" {
		ok, l := zstd.EncoderLevelFromString(cfg.Level)
		if !ok {
			return nil, fmt.Errorf("s3: unknown zstd level %q", cfg.Level)
		}
		level = l
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("s3: failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("s3: failed to create zstd decoder: %w", err)
	}

	return &EvidenceStore{
		store:   store,
		config:  cfg,
		logger:  logger,
		encoder: enc,
		decoder: dec,
	}, nil
}

// Put compresses and uploads ev. A missing id or capture time is filled in.
// It returns the object key relative to the client prefix. Evidence whose
// key is already present is not uploaded again.
func (s *EvidenceStore) Put(ctx context.Context, ev *Evidence) (string, error) {
	if ev.FilePath == "" {
		return "", errors.New("s3: evidence requires a file path")
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CapturedAt.IsZero() {
		ev.CapturedAt = time.Now().UTC()
	}

	key := s.generateKey(ev.ID, ev.CapturedAt)
	switch exists, err := s.store.Exists(ctx, key); {
	case err != nil:
		s.logger.Warn("evidence lookup failed, uploading", "key", key, "error", err)
	case exists:
		s.logger.Debug("evidence already stored", "evidence_id", ev.ID, "key", key)
		return key, nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("s3: failed to marshal evidence: %w", err)
	}
	compressed := s.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))

	_, err = s.store.Upload(ctx, &UploadInput{
		Key:             key,
		Body:            compressed,
		ContentType:     "application/json",
		ContentEncoding: "zstd",
		Metadata: map[string]string{
			"evidence-id":   ev.ID,
			"threat-id":     ev.ThreatID,
			"original-size": strconv.Itoa(len(data)),
		},
	})
	if err != nil {
		return "", err
	}

	s.stored.Add(1)
	s.bytesRaw.Add(int64(len(data)))
	s.bytesCompressed.Add(int64(len(compressed)))

	s.logger.Info("evidence stored",
		"evidence_id", ev.ID,
		"threat_id", ev.ThreatID,
		"key", key,
		"size", len(compressed),
	)
	return key, nil
}

// Get downloads and decodes the evidence stored at key.
func (s *EvidenceStore) Get(ctx context.Context, key string) (*Evidence, error) {
	compressed, err := s.store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to decompress evidence %s: %w", key, err)
	}
	var ev Evidence
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("s3: failed to decode evidence %s: %w", key, err)
	}
	return &ev, nil
}

// Close releases the encoder and decoder.
func (s *EvidenceStore) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}

// generateKey expands the path template.
func (s *EvidenceStore) generateKey(id string, at time.Time) string {
	at = at.UTC()
	r := strings.NewReplacer(
		"{date}", at.Format("2006/01/02"),
		"{year}", at.Format("2006"),
		"{month}", at.Format("01"),
		"{day}", at.Format("02"),
		"{id}", id,
	)
	return r.Replace(s.config.PathTemplate)
}

// EvidenceMetrics holds evidence store statistics.
type EvidenceMetrics struct {
	Stored          int64   `json:"stored"`
	BytesRaw        int64   `json:"bytes_raw"`
	BytesCompressed int64   `json:"bytes_compressed"`
	Ratio           float64 `json:"compression_ratio"`
}

// Metrics returns evidence store statistics.
func (s *EvidenceStore) Metrics() EvidenceMetrics {
	m := EvidenceMetrics{
		Stored:          s.stored.Load(),
		BytesRaw:        s.bytesRaw.Load(),
		BytesCompressed: s.bytesCompressed.Load(),
	}
	if m.BytesCompressed > 0 {
		m.Ratio = float64(m.BytesRaw) / float64(m.BytesCompressed)
	}
	return m
}
