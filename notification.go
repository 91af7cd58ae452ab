package gdwhisper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/Songmu/flextime"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/mashiike/gdwhisper/pkg/gdwhisperevent"
)

// NotificationOption contains configuration for publish and retrieve event delivery.
//
// Supported notification types:
//   - "none": events are dropped (default)
//   - "eventbridge": Sends events to Amazon EventBridge
//   - "file": Writes events to a local NDJSON file (suitable for development)
type NotificationOption struct {
	Type      string `help:"notification type" default:"none" enum:"none,eventbridge,file" env:"GDWHISPER_NOTIFICATION_TYPE"`
	EventBus  string `help:"event bus name (eventbridge type only)" default:"default" env:"GDWHISPER_EVENTBRIDGE_EVENT_BUS"`
	EventFile string `help:"event file path (file type only)" default:"gdwhisper.json" env:"GDWHISPER_EVENT_FILE"`
}

// Notification delivers events to downstream systems.
type Notification interface {
	Send(context.Context, []*gdwhisperevent.Detail) error
}

// NewNotification creates a Notification implementation based on the configuration type.
func NewNotification(ctx context.Context, cfg NotificationOption) (Notification, error) {
	switch cfg.Type {
	case "", "none":
		return nopNotification{}, nil
	case "eventbridge":
		return NewEventBridgeNotification(ctx, cfg)
	case "file":
		return NewFileNotification(cfg), nil
	}
	return nil, fmt.Errorf("%w: unknown notification type %q", ErrInvalidInput, cfg.Type)
}

type nopNotification struct{}

func (nopNotification) Send(context.Context, []*gdwhisperevent.Detail) error { return nil }

// EventBridgeClient is the interface for Amazon EventBridge operations.
// This is satisfied by *eventbridge.Client.
type EventBridgeClient interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeNotification implements Notification using Amazon EventBridge.
// Every detail becomes one event; the source is "oss.gdwhisper/<folder id>".
type EventBridgeNotification struct {
	client   EventBridgeClient
	eventBus string
}

func NewEventBridgeNotification(ctx context.Context, cfg NotificationOption) (*EventBridgeNotification, error) {
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return NewEventBridgeNotificationWithClient(eventbridge.NewFromConfig(awsCfg), cfg), nil
}

func NewEventBridgeNotificationWithClient(client EventBridgeClient, cfg NotificationOption) *EventBridgeNotification {
	return &EventBridgeNotification{
		client:   client,
		eventBus: cfg.EventBus,
	}
}

// EventSource returns the EventBridge source for events about folderID.
func EventSource(folderID string) string {
	return "oss.gdwhisper/" + coalesce(folderID, "-")
}

func (n *EventBridgeNotification) Send(ctx context.Context, details []*gdwhisperevent.Detail) error {
	convertor := func(d *gdwhisperevent.Detail) types.PutEventsRequestEntry {
		t := d.OccurredAt
		if t.IsZero() {
			t = flextime.Now()
		}
		bs, err := json.Marshal(d)
		if err != nil {
			slog.WarnContext(ctx, "detail marshal failed", "error", err)
			bs = []byte("{}")
		}
		detail := string(bs)
		source := EventSource(d.FolderID)
		slog.DebugContext(ctx, "event", "source", source, "detail-type", d.DetailType, "detail", detail)
		resources := []string{}
		if d.Resource != nil && d.Resource.WebViewLink != "" {
			resources = append(resources, d.Resource.WebViewLink)
		}
		return types.PutEventsRequestEntry{
			EventBusName: aws.String(n.eventBus),
			Resources:    resources,
			Source:       aws.String(source),
			DetailType:   aws.String(d.DetailType),
			Time:         aws.Time(t),
			Detail:       aws.String(detail),
		}
	}
	var lastErr error
	for entries := range slices.Chunk(Map(details, convertor), 10) {
		output, err := n.client.PutEvents(ctx, &eventbridge.PutEventsInput{
			Entries: entries,
		})
		if err != nil {
			slog.ErrorContext(ctx, "PutEvents failed", "error", err)
			lastErr = err
			continue
		}
		for i, entry := range output.Entries {
			if entry.ErrorCode != nil {
				errorMessage := aws.ToString(entry.ErrorMessage)
				slog.ErrorContext(ctx, "put event error", "event_bus", n.eventBus, "error_code", *entry.ErrorCode, "error_message", errorMessage, "detail", aws.ToString(entries[i].Detail))
				lastErr = fmt.Errorf("put events failed error_code=%s, error_message=%s", *entry.ErrorCode, errorMessage)
				continue
			}
			if entry.EventId != nil {
				slog.InfoContext(ctx, "put event", "event_bus", n.eventBus, "event_id", *entry.EventId)
			}
		}
	}
	return lastErr
}

// FileNotification appends events to a local file as newline-delimited JSON.
type FileNotification struct {
	eventFile string
}

func NewFileNotification(cfg NotificationOption) *FileNotification {
	return &FileNotification{
		eventFile: cfg.EventFile,
	}
}

// fileEvent is the line written per event; the detail type is not part of Detail's JSON.
type fileEvent struct {
	DetailType string                 `json:"detail-type"`
	Source     string                 `json:"source"`
	Detail     *gdwhisperevent.Detail `json:"detail"`
}

func (n *FileNotification) Send(ctx context.Context, details []*gdwhisperevent.Detail) error {
	if err := os.MkdirAll(filepath.Dir(n.eventFile), 0755); err != nil {
		return err
	}
	fp, err := os.OpenFile(n.eventFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		slog.DebugContext(ctx, "can not create notification event file", "event_file", n.eventFile, "error", err)
		return err
	}
	defer fp.Close()
	encoder := json.NewEncoder(fp)
	slog.InfoContext(ctx, "output events", "event_file", n.eventFile, "count", len(details))
	var lastErr error
	for _, d := range details {
		var fileID string
		if d.Resource != nil {
			fileID = d.Resource.ID
		}
		slog.DebugContext(ctx, "output event", "detail_type", d.DetailType, "file_id", coalesce(fileID, "-"), "folder_id", coalesce(d.FolderID, "-"))
		if err := encoder.Encode(fileEvent{DetailType: d.DetailType, Source: EventSource(d.FolderID), Detail: d}); err != nil {
			lastErr = err
			slog.WarnContext(ctx, "FileNotification.Send", "error", err)
		}
	}
	return lastErr
}

func coalesce(strs ...string) string {
	for _, str := range strs {
		if str != "" {
			return str
		}
	}
	return ""
}
