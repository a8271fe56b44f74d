package response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"sentinel/internal/schema"
	"sentinel/internal/storage/s3"
)

func TestResolveIP(t *testing.T) {
	tests := []struct {
		name   string
		params schema.ActionParams
		want   string
	}{
		{"placeholder", schema.ActionParams{}, DefaultIPAddress},
		{"explicit parameter", schema.ActionParams{IPAddress: "172.16.0.9"}, "172.16.0.9"},
		{"indicator", schema.ActionParams{Indicators: []string{"Source: x", "IP address: 10.0.0.5"}}, "10.0.0.5"},
		{"indicator beats parameter", schema.ActionParams{IPAddress: "172.16.0.9", Indicators: []string{"IP address: 10.0.0.5"}}, "10.0.0.5"},
		{"last indicator wins", schema.ActionParams{Indicators: []string{"IP address: 10.0.0.5", "IP address: 10.0.0.6"}}, "10.0.0.6"},
		{"ipv6 indicator", schema.ActionParams{Indicators: []string{"IP address: fe80::1"}}, "fe80::1"},
		{"empty indicator ignored", schema.ActionParams{IPAddress: "172.16.0.9", Indicators: []string{"IP address: "}}, "172.16.0.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveIP(tt.params); got != tt.want {
				t.Errorf("ResolveIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestThreatParams(t *testing.T) {
	tests := []struct {
		name    string
		threat  schema.Threat
		wantPID int
		want    schema.ActionParams
	}{
		{
			name: "details carried",
			threat: schema.Threat{
				Severity: schema.SeverityHigh,
				Source:   "Windows-Security",
				Details:  schema.Details{FilePath: "C:\\tmp\\a.exe", ServiceName: "spooler", ProcessID: 808, IPAddress: "10.0.0.2"},
			},
			wantPID: 808,
			want:    schema.ActionParams{FilePath: "C:\\tmp\\a.exe", ServiceName: "spooler", IPAddress: "10.0.0.2"},
		},
		{
			name:    "process id from indicator",
			threat:  schema.Threat{Indicators: []string{"Source: x", "Process ID: 4242"}},
			wantPID: 4242,
		},
		{
			name:    "details beat indicator",
			threat:  schema.Threat{Indicators: []string{"Process ID: 4242"}, Details: schema.Details{ProcessID: 7}},
			wantPID: 7,
		},
		{
			name:    "non-numeric indicator ignored",
			threat:  schema.Threat{Indicators: []string{"Process ID: svc-7"}},
			wantPID: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := threatParams(tt.threat)
			if p.ProcessID != tt.wantPID {
				t.Errorf("ProcessID = %d, want %d", p.ProcessID, tt.wantPID)
			}
			if p.FilePath != tt.want.FilePath || p.ServiceName != tt.want.ServiceName || p.IPAddress != tt.want.IPAddress {
				t.Errorf("params = %+v, want %+v", p, tt.want)
			}
			if p.Severity != tt.threat.Severity || p.Source != tt.threat.Source || len(p.Indicators) != len(tt.threat.Indicators) {
				t.Errorf("params = %+v", p)
			}
		})
	}
}

func TestSimulated(t *testing.T) {
	tests := []struct {
		actionType schema.ActionType
		params     schema.ActionParams
		wantKey    string
		wantValue  any
		wantMsg    string
	}{
		{schema.ActionBlockIP, schema.ActionParams{}, "ip_address", DefaultIPAddress, "IP address 192.168.1.100 has been blocked"},
		{schema.ActionQuarantine, schema.ActionParams{}, "file_path", DefaultFilePath, "has been quarantined"},
		{schema.ActionQuarantine, schema.ActionParams{FilePath: "/tmp/x.exe"}, "file_path", "/tmp/x.exe", "File /tmp/x.exe"},
		{schema.ActionRestartService, schema.ActionParams{}, "service_name", DefaultServiceName, "has been restarted"},
		{schema.ActionKillProcess, schema.ActionParams{}, "process_id", DefaultProcessID, "Process 12345 has been terminated"},
		{schema.ActionKillProcess, schema.ActionParams{ProcessID: 42}, "process_id", 42, "Process 42"},
		{schema.ActionCustom, schema.ActionParams{}, "action_name", DefaultActionName, "executed successfully"},
	}

	for _, tt := range tests {
		t.Run(string(tt.actionType), func(t *testing.T) {
			s := NewSimulated(tt.actionType, 0, nil)
			if s.Type() != tt.actionType {
				t.Errorf("Type() = %s", s.Type())
			}
			res, err := s.Execute(context.Background(), tt.params)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if res["status"] != "success" || res["action"] != string(tt.actionType) {
				t.Errorf("envelope = %v", res)
			}
			if res[tt.wantKey] != tt.wantValue {
				t.Errorf("%s = %v, want %v", tt.wantKey, res[tt.wantKey], tt.wantValue)
			}
			if msg, _ := res["message"].(string); !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("message = %q, want it to contain %q", msg, tt.wantMsg)
			}
			if ts, _ := res["timestamp"].(string); ts == "" {
				t.Error("missing timestamp")
			}
		})
	}
}

func TestSimulated_QuarantineLocation(t *testing.T) {
	res, _ := NewSimulated(schema.ActionQuarantine, 0, nil).Execute(context.Background(), schema.ActionParams{})
	if res["quarantine_location"] != DefaultQuarantineLocation {
		t.Errorf("quarantine_location = %v", res["quarantine_location"])
	}
}

func TestSimulated_CustomEchoesParams(t *testing.T) {
	params := schema.ActionParams{
		Severity:   schema.SeverityLow,
		ActionName: "collect_memory",
		Extra:      map[string]any{"host": "ws-12"},
	}
	res, err := NewSimulated(schema.ActionCustom, 0, nil).Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	echoed, ok := res["parameters"].(map[string]any)
	if !ok {
		t.Fatalf("parameters = %T", res["parameters"])
	}
	if echoed["host"] != "ws-12" || echoed["severity"] != "low" || echoed["action_name"] != "collect_memory" {
		t.Errorf("parameters = %v", echoed)
	}
}

func TestSimulated_DelayHonorsContext(t *testing.T) {
	s := NewSimulated(schema.ActionRestartService, 1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Execute(ctx, schema.ActionParams{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("simulated delay ignored cancellation")
	}
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(NewSimulated(schema.ActionCustom, 0, nil), NewSimulated(schema.ActionBlockIP, 0, nil))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if got := r.Types(); len(got) != 2 || got[0] != schema.ActionBlockIP || got[1] != schema.ActionCustom {
		t.Errorf("Types() = %v", got)
	}
	if _, ok := r.Lookup(schema.ActionQuarantine); ok {
		t.Error("Lookup(quarantine) found an executor")
	}

	replacement := funcExecutor{t: schema.ActionCustom, fn: func(context.Context, schema.ActionParams) (schema.ActionResult, error) {
		return schema.ActionResult{"replaced": true}, nil
	}}
	if err := r.Register(replacement); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	e, _ := r.Lookup(schema.ActionCustom)
	if res, _ := e.Execute(context.Background(), schema.ActionParams{}); res["replaced"] != true {
		t.Error("Register did not replace the executor")
	}

	if err := r.Register(funcExecutor{t: "reboot"}); err == nil {
		t.Error("expected error for invalid action type")
	}
	if err := r.Register(nil); err == nil {
		t.Error("expected error for nil executor")
	}
}

func TestRuleTable(t *testing.T) {
	rt, err := NewRuleTable(map[string]string{
		"anomaly":           "restart_service",
		"data_exfiltration": "BLOCK_IP",
	})
	if err != nil {
		t.Fatalf("NewRuleTable() error = %v", err)
	}

	tests := []struct {
		category schema.Category
		want     schema.ActionType
	}{
		{schema.CategoryBruteForce, schema.ActionBlockIP},
		{schema.CategoryMalware, schema.ActionQuarantine},
		{schema.CategoryUnauthorizedAccess, schema.ActionKillProcess},
		{schema.CategoryAnomaly, schema.ActionRestartService},
		{"data_exfiltration", schema.ActionBlockIP},
		{"unmapped", schema.ActionCustom},
	}
	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			if got := rt.Resolve(tt.category); got != tt.want {
				t.Errorf("Resolve(%s) = %s, want %s", tt.category, got, tt.want)
			}
		})
	}

	if _, err := NewRuleTable(map[string]string{"malware": "format_disk"}); err == nil || !strings.Contains(err.Error(), "action type") {
		t.Errorf("invalid override error = %v", err)
	}
}

func TestConfig(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(c *Config)
		wantErr   string
		wantReals []string
	}{
		{name: "defaults"},
		{
			name: "all real",
			modify: func(c *Config) {
				for _, at := range []schema.ActionType{schema.ActionKillProcess, schema.ActionQuarantine, schema.ActionBlockIP, schema.ActionRestartService} {
					c.Executors[string(at)] = ExecutorReal
				}
			},
			wantReals: []string{BackendRedis, BackendS3, BackendKafka},
		},
		{
			name:    "custom cannot be real",
			modify:  func(c *Config) { c.Executors["custom"] = ExecutorReal },
			wantErr: "no real executor",
		},
		{
			name:    "unknown mode",
			modify:  func(c *Config) { c.Executors["block_ip"] = "dry_run" },
			wantErr: "unknown mode",
		},
		{
			name:    "unknown action type",
			modify:  func(c *Config) { c.Executors["reboot"] = ExecutorSimulated },
			wantErr: "reboot",
		},
		{
			name:    "zero timeout",
			modify:  func(c *Config) { c.HandlerTimeout = 0 },
			wantErr: "handler_timeout",
		},
		{
			name:    "negative delay scale",
			modify:  func(c *Config) { c.SimulatedDelayScale = -1 },
			wantErr: "simulated_delay_scale",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			if tt.modify != nil {
				tt.modify(&c)
			}
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
			} else if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
			if tt.wantErr == "" {
				got := c.RealExecutors()
				if strings.Join(got, ",") != strings.Join(tt.wantReals, ",") {
					t.Errorf("RealExecutors() = %v, want %v", got, tt.wantReals)
				}
			}
		})
	}
}

type fakeBlocklist struct {
	mu     sync.Mutex
	sets   map[string][]string
	values map[string][]byte
	ttls   map[string]time.Duration
	addErr error
}

func newFakeBlocklist() *fakeBlocklist {
	return &fakeBlocklist{
		sets:   make(map[string][]string),
		values: make(map[string][]byte),
		ttls:   make(map[string]time.Duration),
	}
}

func (f *fakeBlocklist) SAdd(_ context.Context, key string, members ...string) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[key] = append(f.sets[key], members...)
	return nil
}

func (f *fakeBlocklist) SMembers(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets[key], nil
}

func (f *fakeBlocklist) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeBlocklist) Close() error { return nil }

func TestRedisBlocker(t *testing.T) {
	store := newFakeBlocklist()
	cfg := DefaultRedisConfig()
	b := NewRedisBlocker(store, cfg, nil)

	res, err := b.Execute(context.Background(), schema.ActionParams{
		Severity:   schema.SeverityCritical,
		Source:     "Network-Firewall",
		Indicators: []string{"IP address: 10.0.0.5"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res["ip_address"] != "10.0.0.5" || res["status"] != "success" {
		t.Errorf("result = %v", res)
	}

	blocked, _ := b.Blocked(context.Background())
	if len(blocked) != 1 || blocked[0] != "10.0.0.5" {
		t.Errorf("Blocked() = %v", blocked)
	}

	entryKey := "sentinel:blocklist:10.0.0.5"
	var entry blockEntry
	if err := json.Unmarshal(store.values[entryKey], &entry); err != nil {
		t.Fatalf("entry decode: %v", err)
	}
	if entry.Severity != "critical" || entry.Source != "Network-Firewall" {
		t.Errorf("entry = %+v", entry)
	}
	if store.ttls[entryKey] != cfg.BlockTTL {
		t.Errorf("ttl = %v, want %v", store.ttls[entryKey], cfg.BlockTTL)
	}
}

func TestRedisBlocker_Placeholder(t *testing.T) {
	store := newFakeBlocklist()
	res, err := NewRedisBlocker(store, DefaultRedisConfig(), nil).Execute(context.Background(), schema.ActionParams{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res["ip_address"] != DefaultIPAddress || res["placeholder"] != true {
		t.Errorf("result = %v", res)
	}
	if _, ok := store.values["sentinel:blocklist:"+DefaultIPAddress]; !ok {
		t.Error("placeholder address not recorded")
	}
}

func TestRedisBlocker_Errors(t *testing.T) {
	tests := []struct {
		name    string
		params  schema.ActionParams
		addErr  error
		wantErr string
	}{
		{"not an ip", schema.ActionParams{IPAddress: "example.com"}, nil, "not an ip"},
		{"redis down", schema.ActionParams{IPAddress: "10.0.0.1"}, errors.New("connection refused"), "connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeBlocklist()
			store.addErr = tt.addErr
			_, err := NewRedisBlocker(store, DefaultRedisConfig(), nil).Execute(context.Background(), tt.params)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

type fakeEvidence struct {
	stored []*s3.Evidence
	ids    []string
	err    error
}

func (f *fakeEvidence) Put(_ context.Context, ev *s3.Evidence) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.ids = append(f.ids, ev.ID)
	ev.ID = "ev-1"
	f.stored = append(f.stored, ev)
	return "quarantine/2024/03/05/ev-1.json.zst", nil
}

func TestS3Quarantiner(t *testing.T) {
	ev := &fakeEvidence{}
	q := NewS3Quarantiner(ev, "sentinel-quarantine", nil)
	q.now = func() time.Time { return fixedNow }

	res, err := q.Execute(context.Background(), schema.ActionParams{
		FilePath:   "C:\\Users\\bob\\invoice.exe",
		Severity:   schema.SeverityHigh,
		Indicators: []string{"Source: Windows-Security"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res["evidence_key"] != "quarantine/2024/03/05/ev-1.json.zst" || res["evidence_id"] != "ev-1" || res["bucket"] != "sentinel-quarantine" {
		t.Errorf("result = %v", res)
	}
	if len(ev.stored) != 1 || ev.stored[0].QuarantineLocation != DefaultQuarantineLocation || ev.stored[0].Severity != "high" {
		t.Errorf("stored evidence = %+v", ev.stored)
	}

	q.Execute(context.Background(), schema.ActionParams{FilePath: "C:\\Users\\bob\\invoice.exe"})
	if len(ev.ids) != 2 || ev.ids[0] == "" || ev.ids[0] != ev.ids[1] {
		t.Errorf("evidence ids = %v, want one stable id per file and day", ev.ids)
	}

	res, err = q.Execute(context.Background(), schema.ActionParams{})
	if err != nil {
		t.Fatalf("Execute() without file_path error = %v", err)
	}
	if res["file_path"] != DefaultFilePath || res["placeholder"] != true {
		t.Errorf("placeholder result = %v", res)
	}

	ev.err = errors.New("access denied")
	if _, err := q.Execute(context.Background(), schema.ActionParams{FilePath: "/tmp/a"}); err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Errorf("error = %v", err)
	}
}

type fakeProducer struct {
	keys   []string
	values []any
	err    error
}

func (f *fakeProducer) ProduceJSON(_ context.Context, key string, value interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.values = append(f.values, value)
	return nil
}

func TestCommandExecutor(t *testing.T) {
	tests := []struct {
		name      string
		t         schema.ActionType
		params    schema.ActionParams
		wantKey   string
		wantErr   string
		wantField string
	}{
		{"restart", schema.ActionRestartService, schema.ActionParams{ServiceName: "nginx"}, "service:nginx", "", "service_name"},
		{"kill", schema.ActionKillProcess, schema.ActionParams{ProcessID: 4242}, "process:4242", "", "process_id"},
		{"restart without service", schema.ActionRestartService, schema.ActionParams{}, "service:" + DefaultServiceName, "", "placeholder"},
		{"kill without pid", schema.ActionKillProcess, schema.ActionParams{}, "process:12345", "", "placeholder"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProducer{}
			c, err := NewCommandExecutor(tt.t, p, nil)
			if err != nil {
				t.Fatalf("NewCommandExecutor() error = %v", err)
			}
			c.newID = func() string { return "cmd-1" }

			res, err := c.Execute(context.Background(), tt.params)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want %q", err, tt.wantErr)
				}
				if len(p.keys) != 0 {
					t.Error("command published despite invalid parameters")
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if len(p.keys) != 1 || p.keys[0] != tt.wantKey {
				t.Errorf("keys = %v, want [%s]", p.keys, tt.wantKey)
			}
			cmd, ok := p.values[0].(Command)
			if !ok || cmd.ID != "cmd-1" || cmd.ActionType != tt.t {
				t.Errorf("command = %+v", p.values[0])
			}
			if res["command_id"] != "cmd-1" || res[tt.wantField] == nil {
				t.Errorf("result = %v", res)
			}
		})
	}
}

func TestCommandExecutor_Errors(t *testing.T) {
	if _, err := NewCommandExecutor(schema.ActionBlockIP, &fakeProducer{}, nil); err == nil {
		t.Error("expected error for block_ip")
	}

	c, _ := NewCommandExecutor(schema.ActionRestartService, &fakeProducer{err: errors.New("leader not available")}, nil)
	if _, err := c.Execute(context.Background(), schema.ActionParams{ServiceName: "nginx"}); err == nil {
		t.Error("expected producer error")
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("threat")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
	if len(k.locks) != 0 {
		t.Errorf("%d lock entries leaked", len(k.locks))
	}
}

func TestBuildRegistry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimulatedDelayScale = 0

	r, err := BuildRegistry(cfg, Backends{}, nil)
	if err != nil {
		t.Fatalf("BuildRegistry() error = %v", err)
	}
	if len(r.Types()) != len(schema.ActionTypes) {
		t.Errorf("Types() = %v", r.Types())
	}
	if e, _ := r.Lookup(schema.ActionBlockIP); e == nil {
		t.Fatal("no block_ip executor")
	} else if _, ok := e.(*Simulated); !ok {
		t.Errorf("block_ip executor = %T, want *Simulated", e)
	}

	cfg.Executors[string(schema.ActionBlockIP)] = ExecutorReal
	cfg.Executors[string(schema.ActionKillProcess)] = ExecutorReal
	if _, err := BuildRegistry(cfg, Backends{}, nil); err == nil {
		t.Error("expected error when redis backend is missing")
	}

	r, err = BuildRegistry(cfg, Backends{Blocklist: newFakeBlocklist(), Commands: &fakeProducer{}}, nil)
	if err != nil {
		t.Fatalf("BuildRegistry() error = %v", err)
	}
	wantTypes := map[schema.ActionType]string{
		schema.ActionBlockIP:        "*response.RedisBlocker",
		schema.ActionKillProcess:    "*response.CommandExecutor",
		schema.ActionRestartService: "*response.Simulated",
	}
	for at, want := range wantTypes {
		e, _ := r.Lookup(at)
		if got := fmt.Sprintf("%T", e); got != want {
			t.Errorf("%s executor = %s, want %s", at, got, want)
		}
	}
}
