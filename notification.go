package main

import "fmt"

type WSNotifier struct {
	notify func(userID string, method string, params RPCDataParams)
	logger Logger
}

func NewWSNotifier(notifyFunc func(userID string, method string, params RPCDataParams), logger Logger) *WSNotifier {
	return &WSNotifier{
		notify: notifyFunc,
		logger: logger,
	}
}

func (n *WSNotifier) Notify(notifications ...*Notification) {
	for _, notification := range notifications {
		if notification != nil {
			n.notify(notification.userID, notification.eventType.String(), notification.data)
			if n.logger != nil {
				n.logger.Info(fmt.Sprintf("%s notification sent", notification.eventType), "userID", notification.userID, "data", notification.data)
			}
		}
	}
}

type Notification struct {
	userID    string
	eventType EventType
	data      any
}

type EventType string

const (
	KeyUpdateEventType EventType = "ku"
)

func (e EventType) String() string {
	return string(e)
}

// KeyUpdateNotificationData describes a change to the key directory.
type KeyUpdateNotificationData struct {
	Identity string `json:"identity"`
	Scheme   string `json:"scheme"`
	Action   string `json:"action"` // "registered" or "revoked"
}

// NewKeyUpdateNotification creates a notification for a key directory change
func NewKeyUpdateNotification(identity, scheme, action string) *Notification {
	return &Notification{
		userID:    identity,
		eventType: KeyUpdateEventType,
		data: KeyUpdateNotificationData{
			Identity: identity,
			Scheme:   scheme,
			Action:   action,
		},
	}
}
