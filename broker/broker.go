package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Event kinds carried on the rest channels.
const (
	EventRestRequired       = "rest_required"
	EventRestRequestUpdated = "rest_request_updated"
)

// Channel naming: meeting:{id}:rest and meeting:{id}:rest_request.
const (
	channelPrefix      = "meeting"
	restSuffix         = "rest"
	restRequestSuffix  = "rest_request"
	RestPattern        = channelPrefix + ":*:" + restSuffix
	RestRequestPattern = channelPrefix + ":*:" + restRequestSuffix
)

// Event is the payload published on a meeting's rest channels. It is
// immutable once published; subscribers receive it at-least-once for the
// lifetime of their subscription.
type Event struct {
	Event        string `json:"event"`
	MeetingID    string `json:"meeting_id"`
	RequestCount int64  `json:"request_count,omitempty"`
	Timestamp    string `json:"timestamp"`
	Message      string `json:"message,omitempty"`
}

// MarshalBinary lets go-redis publish an Event directly.
func (e Event) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

// Message is a raw broker message as delivered to a subscriber.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live channel or pattern subscription. Events is closed
// after Close returns or when the broker connection is lost; the owner must
// call Close on every exit path.
type Subscription interface {
	Events() <-chan Message
	Close() error
}

// Broker is the publish/subscribe facility shared by the trigger intake,
// the bridge, and the streaming endpoints.
type Broker interface {
	Publish(ctx context.Context, channel string, event Event) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	PSubscribe(ctx context.Context, patterns ...string) (Subscription, error)
	Type() string
	Close() error
}

// RestChannel returns the channel carrying rest_required events for a meeting.
func RestChannel(meetingID string) string {
	return fmt.Sprintf("%s:%s:%s", channelPrefix, meetingID, restSuffix)
}

// RestRequestChannel returns the channel carrying rest_request_updated events.
func RestRequestChannel(meetingID string) string {
	return fmt.Sprintf("%s:%s:%s", channelPrefix, meetingID, restRequestSuffix)
}

// ParseChannel extracts the meeting id and event name from a channel name.
// The meeting id sits at position 1 of the ':'-delimited name; the suffix
// selects the event kind.
func ParseChannel(channel string) (meetingID, eventName string, err error) {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != channelPrefix || parts[1] == "" {
		return "", "", fmt.Errorf("broker: unrecognized channel %q", channel)
	}
	switch parts[2] {
	case restSuffix:
		return parts[1], EventRestRequired, nil
	case restRequestSuffix:
		return parts[1], EventRestRequestUpdated, nil
	default:
		return "", "", fmt.Errorf("broker: unrecognized channel suffix in %q", channel)
	}
}
