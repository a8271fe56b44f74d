package pipeline

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"sentinel/internal/schema"
)

// Feed supplies new log records to the pipeline.
type Feed interface {
	Name() string
	Collect(ctx context.Context, max int) ([]schema.LogRecord, error)
}

var (
	simulatedSources = []string{
		"Windows-Security", "Windows-System", "Windows-Application",
		"AWS-CloudTrail", "AWS-GuardDuty", "AWS-SecurityHub",
		"Network-Firewall", "Network-IDS", "Network-Router",
		"Database-MySQL", "Database-PostgreSQL", "Database-SQLServer",
	}
	simulatedLevels   = []schema.Level{schema.LevelInfo, schema.LevelWarning, schema.LevelError}
	simulatedMessages = []string{
		"User login attempt", "Failed authentication", "Successful login",
		"File access", "Configuration change", "Service started",
		"Service stopped", "Network connection", "Resource usage spike",
		"Database query", "API access", "Password change",
		"Group membership change", "Scheduled task execution", "System update",
	}
	simulatedRegions    = []string{"us-east-1", "us-west-2", "eu-west-1"}
	simulatedProtocols  = []string{"TCP", "UDP", "HTTP", "HTTPS"}
	simulatedPorts      = []int{22, 80, 443, 3389, 8080}
	simulatedQueryTypes = []string{"SELECT", "INSERT", "UPDATE", "DELETE"}
	simulatedTables     = []string{"users", "orders", "products", "logs"}
)

// SimulatedFeed generates plausible random security logs. Security sources
// lean towards warnings and errors.
type SimulatedFeed struct {
	batch int
	now   func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedFeed creates a generator producing batch records per
// Collect call.
func NewSimulatedFeed(batch int, seed uint64) *SimulatedFeed {
	if batch < 1 {
		batch = DefaultConfig().SimulatedBatch
	}
	return &SimulatedFeed{
		batch: batch,
		now:   func() time.Time { return time.Now().UTC() },
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Name implements Feed.
func (f *SimulatedFeed) Name() string { return FeedSimulated }

// Collect implements Feed.
func (f *SimulatedFeed) Collect(ctx context.Context, max int) ([]schema.LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := f.batch
	if max > 0 && max < n {
		n = max
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.LogRecord, n)
	for i := range out {
		out[i] = f.generate()
	}
	return out, nil
}

func pick[T any](r *rand.Rand, items []T) T {
	return items[r.IntN(len(items))]
}

func (f *SimulatedFeed) generate() schema.LogRecord {
	r := f.rng
	source := pick(r, simulatedSources)
	level := pick(r, simulatedLevels)
	if strings.Contains(source, "Security") && r.Float64() < 0.7 {
		level = pick(r, simulatedLevels[1:])
	}

	base := pick(r, simulatedMessages)
	var msg string
	switch level {
	case schema.LevelError:
		msg = fmt.Sprintf("ERROR: %s failed", base)
	case schema.LevelWarning:
		msg = fmt.Sprintf("WARNING: Suspicious %s detected", base)
	default:
		msg = fmt.Sprintf("INFO: %s completed successfully", base)
	}

	d := schema.Details{
		IPAddress: fmt.Sprintf("192.168.1.%d", 2+r.IntN(253)),
		User:      fmt.Sprintf("user%d", 1+r.IntN(20)),
		Extra:     map[string]any{"duration_ms": 10 + r.IntN(4991)},
	}
	switch {
	case strings.Contains(source, "Windows"):
		d.Extra["event_id"] = 1000 + r.IntN(9000)
		d.ProcessID = 1000 + r.IntN(49001)
	case strings.Contains(source, "AWS"):
		d.Region = pick(r, simulatedRegions)
		d.ResourceID = fmt.Sprintf("i-%08x", r.Uint32())
	case strings.Contains(source, "Network"):
		d.Extra["protocol"] = pick(r, simulatedProtocols)
		d.Extra["port"] = pick(r, simulatedPorts)
	case strings.Contains(source, "Database"):
		d.Extra["query_type"] = pick(r, simulatedQueryTypes)
		d.Extra["table"] = pick(r, simulatedTables)
	}

	age := time.Duration(1+r.IntN(3600))*time.Second + time.Duration(r.IntN(1_000_000))*time.Microsecond
	return schema.NewLogRecord(f.now().Add(-age), source, level, msg, d)
}
