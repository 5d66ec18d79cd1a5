package coordinators

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unklstewy/securelinks/internal/engines/links"
	"github.com/unklstewy/securelinks/internal/engines/permissions"
	"github.com/unklstewy/securelinks/internal/engines/tracking"
	"github.com/unklstewy/securelinks/internal/models"
	"github.com/unklstewy/securelinks/pkg/api"
	"github.com/unklstewy/securelinks/pkg/mqtt"
	"go.uber.org/zap"
)

// Bus command names, relative to securelinks/coordinator/media/cmd/.
const (
	CmdLinkGenerate       = "link/generate"
	CmdLinkBulk           = "link/bulk"
	CmdRuleCreate         = "rule/create"
	CmdRuleDelete         = "rule/delete"
	CmdSuggestionApplyAll = "suggestion/apply_all"
	CmdTrackingCleanup    = "tracking/cleanup"
)

// Bus event names, relative to securelinks/coordinator/media/event/.
const (
	EventViolation     = "violation"
	EventLinkGenerated = "link_generated"
	EventSuggestions   = "suggestions"
)

var errUnknownCommand = errors.New("unknown command")

// HTTPServer is the part of the HTTP front end the coordinator drives.
type HTTPServer interface {
	Start(ctx context.Context) error
	Stop()
}

// MediaConfig controls the coordinator's background work.
type MediaConfig struct {
	RetentionDays      int
	CleanupInterval    time.Duration
	SuggestionInterval time.Duration
	HealthInterval     time.Duration
}

// MediaCoordinator runs the HTTP server and background workers, answers
// bus commands and publishes link and violation events.
type MediaCoordinator struct {
	*BaseCoordinator

	cfg         MediaConfig
	links       *links.Engine
	permissions *permissions.Engine
	tracking    *tracking.Engine
	server      HTTPServer

	commands map[string]commandHandler
}

type commandHandler func(ctx context.Context, msg *mqtt.Message) (any, error)

// NewMediaCoordinator wires the engines together. server and bus may be nil.
func NewMediaCoordinator(base *BaseCoordinator, cfg MediaConfig, l *links.Engine, p *permissions.Engine, t *tracking.Engine, server HTTPServer) *MediaCoordinator {
	mc := &MediaCoordinator{
		BaseCoordinator: base,
		cfg:             cfg,
		links:           l,
		permissions:     p,
		tracking:        t,
		server:          server,
	}
	base.SetHealthInterval(cfg.HealthInterval)
	base.RegisterHealthCheck(base)

	mc.commands = map[string]commandHandler{
		CmdLinkGenerate:       mc.handleGenerate,
		CmdLinkBulk:           mc.handleBulk,
		CmdRuleCreate:         mc.handleRuleCreate,
		CmdRuleDelete:         mc.handleRuleDelete,
		CmdSuggestionApplyAll: mc.handleApplyAll,
		CmdTrackingCleanup:    mc.handleCleanup,
	}
	return mc
}

// Start brings up the bus, the HTTP server and the workers. It returns once
// everything is running; errors from the HTTP server after that are logged.
func (mc *MediaCoordinator) Start(ctx context.Context) error {
	runCtx, err := mc.BaseCoordinator.Start(ctx)
	if err != nil {
		return err
	}

	if mc.bus != nil {
		if err := mc.bus.Subscribe(mqtt.CommandWildcard(mqtt.CoordinatorMedia), 1, mc.handleCommand); err != nil {
			_ = mc.Stop(context.Background())
			return fmt.Errorf("failed to subscribe to commands: %w", err)
		}
	}

	mc.Go(func() {
		mc.tracking.RunRetention(runCtx, mc.cfg.CleanupInterval, mc.cfg.RetentionDays)
	})
	if mc.cfg.SuggestionInterval > 0 {
		mc.Go(func() { mc.runSuggestions(runCtx) })
	}

	if mc.server != nil {
		mc.RegisterShutdownFunc(func(context.Context) error {
			mc.server.Stop()
			return nil
		})
		mc.Go(func() {
			if err := mc.server.Start(runCtx); err != nil {
				mc.logger.Error("HTTP server failed", zap.Error(err))
			}
		})
	}

	return nil
}

// ViolationPublisher sends denied access events on the media event topic.
type ViolationPublisher struct {
	Base *BaseCoordinator
}

// PublishViolation implements tracking.EventPublisher.
func (p ViolationPublisher) PublishViolation(ctx context.Context, event *models.AccessEvent) error {
	return p.Base.Publish(ctx, mqtt.EventTopic(mqtt.CoordinatorMedia, EventViolation), mqtt.MessageTypeEvent, event)
}

// PublishSuggestions runs violation analysis and publishes the result when
// there is at least one suggestion.
func (mc *MediaCoordinator) PublishSuggestions(ctx context.Context) ([]models.Suggestion, error) {
	suggestions, err := mc.permissions.AnalyzeViolationsForSuggestions(ctx)
	if err != nil {
		return nil, err
	}
	if len(suggestions) == 0 {
		return suggestions, nil
	}
	err = mc.Publish(ctx, mqtt.EventTopic(mqtt.CoordinatorMedia, EventSuggestions), mqtt.MessageTypeEvent, suggestions)
	return suggestions, err
}

func (mc *MediaCoordinator) runSuggestions(ctx context.Context) {
	ticker := time.NewTicker(mc.cfg.SuggestionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := mc.PublishSuggestions(ctx); err != nil {
				mc.logger.Warn("Failed to publish suggestions", zap.Error(err))
			}
		}
	}
}

func (mc *MediaCoordinator) handleCommand(topic string, payload []byte) error {
	cmd, ok := mqtt.CommandFromTopic(mqtt.CoordinatorMedia, topic)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msg, err := mqtt.ParseMessage(payload)
	var data any
	if err == nil {
		handler, found := mc.commands[cmd]
		if !found {
			err = fmt.Errorf("%w: %s", errUnknownCommand, cmd)
		} else {
			data, err = handler(ctx, msg)
		}
	}

	if err != nil {
		mc.logger.Warn("Command failed", zap.String("command", cmd), zap.Error(err))
	} else {
		mc.logger.Info("Command handled", zap.String("command", cmd))
	}

	resp, rErr := mqtt.NewResponse(msg, "coordinator:"+mc.name, data, err)
	if rErr != nil {
		return rErr
	}
	return mc.bus.PublishMessage(ctx, mqtt.ResponseTopic(mqtt.CoordinatorMedia, cmd), resp)
}

type generateArgs struct {
	MediaID   int64      `json:"media_id"`
	FormatID  int64      `json:"format_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type bulkArgs struct {
	Pairs     []links.MediaFormat `json:"pairs"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
}

type deleteArgs struct {
	ID int64 `json:"id"`
}

type cleanupArgs struct {
	RetentionDays int `json:"retention_days"`
}

func (mc *MediaCoordinator) handleGenerate(ctx context.Context, msg *mqtt.Message) (any, error) {
	var args generateArgs
	if err := msg.UnmarshalPayload(&args); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	gen, err := mc.links.GenerateLink(ctx, args.MediaID, args.FormatID, args.ExpiresAt)
	if err != nil {
		return nil, err
	}
	resp := gen.Response()
	mc.publishGenerated(ctx, resp)
	return resp, nil
}

func (mc *MediaCoordinator) handleBulk(ctx context.Context, msg *mqtt.Message) (any, error) {
	var args bulkArgs
	if err := msg.UnmarshalPayload(&args); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	generated, err := mc.links.BulkGenerate(ctx, args.Pairs, args.ExpiresAt)
	if err != nil {
		return nil, err
	}
	out := make([]*models.LinkResponse, 0, len(generated))
	for _, gen := range generated {
		resp := gen.Response()
		mc.publishGenerated(ctx, resp)
		out = append(out, resp)
	}
	return out, nil
}

func (mc *MediaCoordinator) publishGenerated(ctx context.Context, resp *models.LinkResponse) {
	if resp.Reused {
		return
	}
	if err := mc.Publish(ctx, mqtt.EventTopic(mqtt.CoordinatorMedia, EventLinkGenerated), mqtt.MessageTypeEvent, resp); err != nil {
		mc.logger.Warn("Failed to publish link event", zap.Error(err))
	}
}

func (mc *MediaCoordinator) handleRuleCreate(ctx context.Context, msg *mqtt.Message) (any, error) {
	var rule models.PermissionRule
	if err := msg.UnmarshalPayload(&rule); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if err := mc.permissions.CreateRule(ctx, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

func (mc *MediaCoordinator) handleRuleDelete(ctx context.Context, msg *mqtt.Message) (any, error) {
	var args deleteArgs
	if err := msg.UnmarshalPayload(&args); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if err := mc.permissions.DeleteRule(ctx, args.ID); err != nil {
		return nil, err
	}
	return map[string]int64{"deleted": args.ID}, nil
}

func (mc *MediaCoordinator) handleApplyAll(ctx context.Context, _ *mqtt.Message) (any, error) {
	return mc.permissions.ApplyAllSuggestions(ctx)
}

func (mc *MediaCoordinator) handleCleanup(ctx context.Context, msg *mqtt.Message) (any, error) {
	var args cleanupArgs
	if err := msg.UnmarshalPayload(&args); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if args.RetentionDays == 0 {
		args.RetentionDays = mc.cfg.RetentionDays
	}
	deleted, err := mc.tracking.CleanupOldTracking(ctx, args.RetentionDays)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"deleted": deleted}, nil
}

var _ tracking.EventPublisher = ViolationPublisher{}

var _ api.Service = (*MediaCoordinator)(nil)
