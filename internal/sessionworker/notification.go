package sessionworker

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/agentmc/runtime-supervisor/internal/dynjson"
)

// notificationShapeFields are the marker fields that identify a
// notification-shaped payload (spec §4.3.6).
var notificationShapeFields = []string{"notification_type", "subject_type", "response_action", "is_read"}

// detectNotification returns the notification object (own or nested under
// "notification") if payload looks notification-shaped.
func detectNotification(payload dynjson.Value) (dynjson.Value, bool) {
	if isNotificationShaped(payload) {
		return payload, true
	}
	if nested := payload.Get("notification"); !nested.IsNull() && isNotificationShaped(nested) {
		return nested, true
	}
	return dynjson.Null(), false
}

func isNotificationShaped(v dynjson.Value) bool {
	for _, field := range notificationShapeFields {
		if !v.Get(field).IsNull() {
			return true
		}
	}
	return false
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safeID(id string) string {
	return unsafeIDChars.ReplaceAllString(id, "_")
}

// NotificationBridgeConfig governs which notifications reach the chat
// pipeline (spec §4.3.6).
type NotificationBridgeConfig struct {
	ForwardReadNotifications bool
	AllowedTypes             map[string]bool // nil/empty = allow all
}

// ShouldBridge decides whether notification should be forwarded.
func (c NotificationBridgeConfig) ShouldBridge(notification dynjson.Value) bool {
	if !c.ForwardReadNotifications {
		if isRead, ok := notification.Get("is_read").AsBool(); ok && isRead {
			return false
		}
	}
	if len(c.AllowedTypes) > 0 {
		notifType, _ := notification.Get("notification_type").AsText()
		if !c.AllowedTypes[notifType] {
			return false
		}
	}
	return true
}

// BuildNotificationChatRequest constructs the synthetic chat request for a
// bridged notification (spec §4.3.6).
func BuildNotificationChatRequest(notification dynjson.Value, sessionID string, signalID int64) (requestID, userText string) {
	id, ok := notification.Get("id").AsText()
	if ok && id != "" {
		requestID = "notification-" + safeID(id)
	} else {
		requestID = fmt.Sprintf("notification-%s-%d", sessionID, signalID)
	}

	responseAction, _ := notification.Get("response_action").AsText()
	raw, err := json.Marshal(notification.ToAny())
	if err != nil {
		raw = []byte("{}")
	}
	userText = fmt.Sprintf("A notification was received. Details: %s.", raw)
	if responseAction != "" {
		userText += fmt.Sprintf(" Requested response action: %s.", responseAction)
	}
	return requestID, userText
}
