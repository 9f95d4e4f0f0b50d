package notify

import (
	"context"
	"fmt"

	"firebase.google.com/go/messaging"

	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/repo"
	"tripBack/internal/taxi/view"
)

// Logger is a minimal logger interface required by notifiers.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Sender delivers one push message.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// Topic is the FCM topic a party's devices subscribe to.
func Topic(role fsm.Role, actorID string) string {
	return fmt.Sprintf("%s-%s", role, actorID)
}

// FCMNotifier pushes messages through Firebase Cloud Messaging.
type FCMNotifier struct {
	client Sender
	logger Logger
}

// NewFCMNotifier wraps a messaging client.
func NewFCMNotifier(client Sender, logger Logger) *FCMNotifier {
	return &FCMNotifier{client: client, logger: logger}
}

// Notify sends title and body to the party's topic.
func (n *FCMNotifier) Notify(ctx context.Context, role fsm.Role, actorID, title, body string) error {
	return n.send(ctx, role, actorID, title, body, nil)
}

// TripChanged pushes the new status of trip to the party on the other
// side of the change.
func (n *FCMNotifier) TripChanged(ctx context.Context, role fsm.Role, actorID string, trip repo.Trip) error {
	phrase := view.Phrase(role, &trip)
	if phrase == "" {
		return nil
	}
	data := map[string]string{
		"trip_id": trip.ID,
		"status":  string(trip.Status),
	}
	return n.send(ctx, role, actorID, "Ride update", phrase, data)
}

func (n *FCMNotifier) send(ctx context.Context, role fsm.Role, actorID, title, body string, data map[string]string) error {
	message := &messaging.Message{
		Topic: Topic(role, actorID),
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: "high_priority_channel",
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": "10",
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: title,
						Body:  body,
					},
					Sound: "default",
				},
			},
		},
	}
	id, err := n.client.Send(ctx, message)
	if err != nil {
		return fmt.Errorf("fcm: send to %s: %w", message.Topic, err)
	}
	n.logger.Infof("fcm: sent %s to %s", id, message.Topic)
	return nil
}

// LogNotifier writes messages to the log instead of pushing them.
type LogNotifier struct {
	Logger Logger
}

// Notify logs the message.
func (n LogNotifier) Notify(_ context.Context, role fsm.Role, actorID, title, body string) error {
	n.Logger.Infof("notify %s: %s: %s", Topic(role, actorID), title, body)
	return nil
}

// TripChanged logs the new status.
func (n LogNotifier) TripChanged(_ context.Context, role fsm.Role, actorID string, trip repo.Trip) error {
	n.Logger.Infof("notify %s: trip %s is %s", Topic(role, actorID), trip.ID, trip.Status)
	return nil
}
