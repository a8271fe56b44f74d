// Package credentials reports whether the optional enrichment credentials
// (Azure log collection, Gemini analysis) are present and well formed.
// Secret values never leave this package.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrCredentialNotFound is returned when a credential file does not exist.
var ErrCredentialNotFound = errors.New("credentials: not found")

const (
	geminiKeyPrefix    = "Gemini-"
	geminiKeyMinLength = 21
)

var azureRequiredFields = []string{"client_id", "client_secret", "tenant_id", "subscription_id"}

// Config locates the credential files.
type Config struct {
	Dir        string `yaml:"dir"`
	AzureFile  string `yaml:"azure_file"`
	GeminiFile string `yaml:"gemini_file"`
}

// DefaultConfig returns the default credential file layout.
func DefaultConfig() Config {
	return Config{
		Dir:        "./credentials",
		AzureFile:  "azure_credentials.json",
		GeminiFile: "gemini_api_key.txt",
	}
}

// Presence describes one credential without exposing it.
type Presence struct {
	Present bool `json:"present"`
	Valid   bool `json:"valid"`
}

// Status is the combined credential report.
type Status struct {
	Azure  Presence `json:"azure"`
	Gemini Presence `json:"gemini"`
}

// AzureInfo is the non-secret metadata of the Azure credentials.
type AzureInfo struct {
	TenantID        string `json:"tenant_id"`
	SubscriptionID  string `json:"subscription_id"`
	HasClientID     bool   `json:"has_client_id"`
	HasClientSecret bool   `json:"has_client_secret"`
}

// Manager reads credential files from a directory. Loaded values are
// cached after the first successful read.
type Manager struct {
	reader *fileReader
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	azure  map[string]any
	gemini string
}

// NewManager creates a credentials manager. The directory does not have to
// exist; missing files simply report as absent.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.Dir == "" {
		cfg.Dir = defaults.Dir
	}
	if cfg.AzureFile == "" {
		cfg.AzureFile = defaults.AzureFile
	}
	if cfg.GeminiFile == "" {
		cfg.GeminiFile = defaults.GeminiFile
	}
	return &Manager{
		reader: newFileReader(cfg.Dir),
		config: cfg,
		logger: logger,
	}
}

func (m *Manager) loadAzure() (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.azure != nil {
		return m.azure, nil
	}

	data, err := m.reader.read(m.config.AzureFile)
	if err != nil {
		return nil, err
	}
	var creds map[string]any
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("credentials: parse %s: %w", m.config.AzureFile, err)
	}
	if creds == nil {
		return nil, fmt.Errorf("credentials: %s is not a JSON object", m.config.AzureFile)
	}
	m.azure = creds
	m.logger.Info("azure credentials loaded")
	return creds, nil
}

func (m *Manager) loadGemini() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gemini != "" {
		return m.gemini, nil
	}

	data, err := m.reader.read(m.config.GeminiFile)
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", ErrCredentialNotFound
	}
	m.gemini = key
	m.logger.Info("gemini api key loaded")
	return key, nil
}

func validAzure(creds map[string]any) bool {
	for _, field := range azureRequiredFields {
		if _, ok := creds[field]; !ok {
			return false
		}
	}
	return true
}

func validGemini(key string) bool {
	return strings.HasPrefix(key, geminiKeyPrefix) && len(key) >= geminiKeyMinLength
}

// Status reports presence and validity of both credentials. Read errors
// other than a missing file are logged and reported as absent.
func (m *Manager) Status() Status {
	var st Status

	if creds, err := m.loadAzure(); err == nil {
		st.Azure.Present = true
		st.Azure.Valid = validAzure(creds)
		if !st.Azure.Valid {
			m.logger.Warn("azure credentials missing required fields")
		}
	} else if !errors.Is(err, ErrCredentialNotFound) {
		m.logger.Error("failed to load azure credentials", "error", err)
	}

	if key, err := m.loadGemini(); err == nil {
		st.Gemini.Present = true
		st.Gemini.Valid = validGemini(key)
		if !st.Gemini.Valid {
			m.logger.Warn("gemini api key format validation failed")
		}
	} else if !errors.Is(err, ErrCredentialNotFound) {
		m.logger.Error("failed to load gemini api key", "error", err)
	}

	return st
}

// Azure returns the non-secret Azure metadata.
func (m *Manager) Azure() (AzureInfo, error) {
	creds, err := m.loadAzure()
	if err != nil {
		return AzureInfo{}, err
	}
	str := func(k string) string {
		s, _ := creds[k].(string)
		return s
	}
	_, hasID := creds["client_id"]
	_, hasSecret := creds["client_secret"]
	return AzureInfo{
		TenantID:        str("tenant_id"),
		SubscriptionID:  str("subscription_id"),
		HasClientID:     hasID,
		HasClientSecret: hasSecret,
	}, nil
}

// GeminiKeyLength returns the length of the Gemini key, never the key.
func (m *Manager) GeminiKeyLength() (int, error) {
	key, err := m.loadGemini()
	if err != nil {
		return 0, err
	}
	return len(key), nil
}

// fileReader reads single-value credential files from a base directory.
type fileReader struct {
	baseDir string
}

func newFileReader(baseDir string) *fileReader {
	return &fileReader{baseDir: baseDir}
}

func (f *fileReader) read(name string) ([]byte, error) {
	fullPath := filepath.Join(f.baseDir, filepath.Base(name))

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("credentials: failed to read %s: %w", fullPath, err)
	}
	return []byte(strings.TrimRight(string(data), "\n\r")), nil
}
