package response

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"sentinel/internal/schema"
)

// CommandProducer publishes commands. Implemented by kafka.Producer.
type CommandProducer interface {
	ProduceJSON(ctx context.Context, key string, value interface{}) error
}

// Command is the message host agents receive on the command topic.
type Command struct {
	ID          string            `json:"command_id"`
	ActionType  schema.ActionType `json:"action_type"`
	ServiceName string            `json:"service_name,omitempty"`
	ProcessID   int               `json:"process_id,omitempty"`
	Severity    string            `json:"severity,omitempty"`
	Source      string            `json:"source,omitempty"`
	Indicators  []string          `json:"indicators,omitempty"`
	IssuedAt    time.Time         `json:"issued_at"`
}

// target is the partition key so commands for one target stay ordered.
func (c Command) target() string {
	if c.ActionType == schema.ActionKillProcess {
		return "process:" + strconv.Itoa(c.ProcessID)
	}
	return "service:" + c.ServiceName
}

// CommandExecutor dispatches restart_service and kill_process as commands
// on a Kafka topic. Completion means the command was accepted by the
// broker. A missing target falls back to the placeholder and the result
// is flagged with "placeholder".
type CommandExecutor struct {
	actionType schema.ActionType
	producer   CommandProducer
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// NewCommandExecutor creates a command executor for t, which must be
// restart_service or kill_process.
func NewCommandExecutor(t schema.ActionType, producer CommandProducer, logger *slog.Logger) (*CommandExecutor, error) {
	if t != schema.ActionRestartService && t != schema.ActionKillProcess {
		return nil, fmt.Errorf("response: action type %q is not dispatched as a command", t)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandExecutor{
		actionType: t,
		producer:   producer,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.New().String() },
	}, nil
}

// Type implements ActionExecutor.
func (c *CommandExecutor) Type() schema.ActionType { return c.actionType }

// Execute implements ActionExecutor.
func (c *CommandExecutor) Execute(ctx context.Context, p schema.ActionParams) (schema.ActionResult, error) {
	cmd := Command{
		ID:         c.newID(),
		ActionType: c.actionType,
		Severity:   string(p.Severity),
		Source:     p.Source,
		Indicators: p.Indicators,
		IssuedAt:   c.now(),
	}

	var (
		msg         string
		placeholder bool
	)
	switch c.actionType {
	case schema.ActionRestartService:
		placeholder = p.ServiceName == ""
		cmd.ServiceName = resolveServiceName(p)
		msg = fmt.Sprintf("Restart of service %s has been requested", cmd.ServiceName)
	case schema.ActionKillProcess:
		placeholder = p.ProcessID <= 0
		cmd.ProcessID = resolveProcessID(p)
		msg = fmt.Sprintf("Termination of process %d has been requested", cmd.ProcessID)
	}
	if placeholder {
		c.logger.Warn("command target missing, using placeholder", "action", c.actionType, "target", cmd.target())
	}

	if err := c.producer.ProduceJSON(ctx, cmd.target(), cmd); err != nil {
		return nil, fmt.Errorf("response: failed to publish %s command: %w", c.actionType, err)
	}

	c.logger.Info("command dispatched", "action", c.actionType, "command_id", cmd.ID, "target", cmd.target())

	res := successResult(c.actionType, msg, cmd.IssuedAt)
	res["command_id"] = cmd.ID
	if cmd.ServiceName != "" {
		res["service_name"] = cmd.ServiceName
	}
	if cmd.ProcessID != 0 {
		res["process_id"] = cmd.ProcessID
	}
	if placeholder {
		res["placeholder"] = true
	}
	return res, nil
}
