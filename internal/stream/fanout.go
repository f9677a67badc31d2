package stream

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/echobridge/echobridge/internal/common/logger"
	"github.com/echobridge/echobridge/internal/events/bus"
)

// Bus subjects carrying broadcast events. The third token is the meeting
// code, room code or session id.
const (
	subjectMeetingPrefix = "stream.meeting."
	subjectRoomPrefix    = "stream.room."
	subjectSessionPrefix = "stream.session."
)

// Publisher implements the meeting layer's Broadcaster by publishing events
// on the bus. With NATS configured this lets websocket subscribers on any
// instance receive events from meetings running on another.
type Publisher struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// NewPublisher creates a bus-backed broadcaster.
func NewPublisher(eventBus bus.EventBus, log *logger.Logger) *Publisher {
	return &Publisher{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "stream_publisher")),
	}
}

// BroadcastToMeeting publishes a meeting event.
func (p *Publisher) BroadcastToMeeting(code string, payload map[string]interface{}) {
	p.publish(subjectMeetingPrefix+code, payload)
}

// BroadcastToRoom publishes a room event.
func (p *Publisher) BroadcastToRoom(code string, payload map[string]interface{}) {
	p.publish(subjectRoomPrefix+code, payload)
}

// BroadcastToSession publishes a session event.
func (p *Publisher) BroadcastToSession(id string, payload map[string]interface{}) {
	p.publish(subjectSessionPrefix+id, payload)
}

func (p *Publisher) publish(subject string, payload map[string]interface{}) {
	eventType, _ := payload["type"].(string)
	data := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		data[k] = v
	}
	// Subscribers cannot see the matched subject, so the topic key rides
	// along in the event data and is stripped before delivery.
	data["_topic_key"] = subject[strings.LastIndexByte(subject, '.')+1:]
	event := bus.NewEvent(eventType, "echobridge", data)
	if err := p.bus.Publish(context.Background(), subject, event); err != nil {
		p.logger.Error("Failed to publish broadcast event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Fanout subscribes to the broadcast subjects and forwards each event's
// payload to the websocket manager.
type Fanout struct {
	subs []bus.Subscription
}

// NewFanout wires the bus to the manager. Call Close on shutdown.
func NewFanout(eventBus bus.EventBus, manager *Manager) (*Fanout, error) {
	f := &Fanout{}
	for prefix, topicPrefix := range map[string]string{
		subjectMeetingPrefix: "meeting:",
		subjectRoomPrefix:    "room:",
		subjectSessionPrefix: "session:",
	} {
		prefix := prefix
		topicPrefix := topicPrefix
		sub, err := eventBus.Subscribe(prefix+"*", func(ctx context.Context, event *bus.Event) error {
			key, _ := event.Data["_topic_key"].(string)
			if key == "" {
				return fmt.Errorf("broadcast event missing topic key")
			}
			payload := make(map[string]interface{}, len(event.Data))
			for k, v := range event.Data {
				if k != "_topic_key" {
					payload[k] = v
				}
			}
			manager.Broadcast(topicPrefix+key, payload)
			return nil
		})
		if err != nil {
			f.Close()
			return nil, err
		}
		f.subs = append(f.subs, sub)
	}
	return f, nil
}

// Close drops the fanout subscriptions.
func (f *Fanout) Close() {
	for _, sub := range f.subs {
		_ = sub.Unsubscribe()
	}
	f.subs = nil
}
