package response

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"sentinel/internal/schema"
)

// Placeholders used when a parameter is missing.
const (
	DefaultIPAddress          = "192.168.1.100"
	DefaultFilePath           = "/simulated/path/suspicious_file.exe"
	DefaultQuarantineLocation = "/secured/quarantine/"
	DefaultServiceName        = "simulated_service"
	DefaultProcessID          = 12345
	DefaultActionName         = "custom_investigation"
)

const (
	ipIndicatorPrefix      = "IP address:"
	processIndicatorPrefix = "Process ID:"
)

// simulatedDelays models the latency of talking to the real system.
var simulatedDelays = map[schema.ActionType]time.Duration{
	schema.ActionBlockIP:        time.Second,
	schema.ActionQuarantine:     1500 * time.Millisecond,
	schema.ActionRestartService: 2 * time.Second,
	schema.ActionKillProcess:    time.Second,
	schema.ActionCustom:         1500 * time.Millisecond,
}

// ResolveIP picks the address to block: the last "IP address: <v>"
// indicator, then the ip_address parameter, then the placeholder.
func ResolveIP(p schema.ActionParams) string {
	if ip := paramIP(p); ip != "" {
		return ip
	}
	return DefaultIPAddress
}

// paramIP is ResolveIP without the placeholder.
func paramIP(p schema.ActionParams) string {
	var ip string
	for _, ind := range p.Indicators {
		if v, ok := strings.CutPrefix(ind, ipIndicatorPrefix); ok {
			if v = strings.TrimSpace(v); v != "" {
				ip = v
			}
		}
	}
	if ip == "" {
		ip = p.IPAddress
	}
	return ip
}

func resolveFilePath(p schema.ActionParams) string {
	if p.FilePath != "" {
		return p.FilePath
	}
	return DefaultFilePath
}

func resolveServiceName(p schema.ActionParams) string {
	if p.ServiceName != "" {
		return p.ServiceName
	}
	return DefaultServiceName
}

func resolveProcessID(p schema.ActionParams) int {
	if p.ProcessID > 0 {
		return p.ProcessID
	}
	return DefaultProcessID
}

// indicatorProcessID returns the last numeric "Process ID: <n>" indicator,
// or 0.
func indicatorProcessID(indicators []string) int {
	pid := 0
	for _, ind := range indicators {
		v, ok := strings.CutPrefix(ind, processIndicatorPrefix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			pid = n
		}
	}
	return pid
}

// threatParams builds the handler parameters for an automated response
// from the threat's own data: severity, source, indicators and the
// well-known detail fields of the log it was classified from.
func threatParams(t schema.Threat) schema.ActionParams {
	p := schema.ActionParams{
		Severity:    t.Severity,
		Source:      t.Source,
		Indicators:  slices.Clone(t.Indicators),
		IPAddress:   t.Details.IPAddress,
		FilePath:    t.Details.FilePath,
		ServiceName: t.Details.ServiceName,
		ProcessID:   t.Details.ProcessID,
	}
	if p.ProcessID <= 0 {
		p.ProcessID = indicatorProcessID(t.Indicators)
	}
	return p
}

func resolveActionName(p schema.ActionParams) string {
	if p.ActionName != "" {
		return p.ActionName
	}
	return DefaultActionName
}

// successResult builds the common result envelope.
func successResult(t schema.ActionType, message string, at time.Time) schema.ActionResult {
	return schema.ActionResult{
		"status":    "success",
		"action":    string(t),
		"message":   message,
		"timestamp": at.Format(time.RFC3339),
	}
}

// Simulated models an action without touching any external system. It
// waits for a type-specific delay and reports success.
type Simulated struct {
	actionType schema.ActionType
	delay      time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewSimulated creates a simulated executor for t. delayScale multiplies
// the built-in delay; zero makes the executor instant.
func NewSimulated(t schema.ActionType, delayScale float64, logger *slog.Logger) *Simulated {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulated{
		actionType: t,
		delay:      time.Duration(float64(simulatedDelays[t]) * delayScale),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SimulatedSet returns a simulated executor for every action type.
func SimulatedSet(delayScale float64, logger *slog.Logger) []ActionExecutor {
	out := make([]ActionExecutor, 0, len(schema.ActionTypes))
	for _, t := range schema.ActionTypes {
		out = append(out, NewSimulated(t, delayScale, logger))
	}
	return out
}

// Type implements ActionExecutor.
func (s *Simulated) Type() schema.ActionType { return s.actionType }

// Execute implements ActionExecutor.
func (s *Simulated) Execute(ctx context.Context, p schema.ActionParams) (schema.ActionResult, error) {
	var (
		res schema.ActionResult
		msg string
	)
	switch s.actionType {
	case schema.ActionBlockIP:
		ip := ResolveIP(p)
		msg = fmt.Sprintf("IP address %s has been blocked", ip)
		res = schema.ActionResult{"ip_address": ip}
	case schema.ActionQuarantine:
		path := resolveFilePath(p)
		msg = fmt.Sprintf("File %s has been quarantined", path)
		res = schema.ActionResult{"file_path": path, "quarantine_location": DefaultQuarantineLocation}
	case schema.ActionRestartService:
		name := resolveServiceName(p)
		msg = fmt.Sprintf("Service %s has been restarted", name)
		res = schema.ActionResult{"service_name": name}
	case schema.ActionKillProcess:
		pid := resolveProcessID(p)
		msg = fmt.Sprintf("Process %d has been terminated", pid)
		res = schema.ActionResult{"process_id": pid}
	case schema.ActionCustom:
		name := resolveActionName(p)
		msg = fmt.Sprintf("Custom action %s executed successfully", name)
		res = schema.ActionResult{"action_name": name, "parameters": p.Map()}
	default:
		return nil, fmt.Errorf("response: no simulation for action type %q", s.actionType)
	}

	s.logger.Info("simulated action", "action", s.actionType, "detail", msg)
	if err := sleepCtx(ctx, s.delay); err != nil {
		return nil, err
	}

	out := successResult(s.actionType, msg, s.now())
	maps.Copy(out, res)
	return out, nil
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
