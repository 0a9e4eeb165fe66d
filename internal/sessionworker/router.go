package sessionworker

import (
	"strings"

	"github.com/agentmc/runtime-supervisor/internal/dynjson"
)

// routeType normalizes payload.type for case-insensitive matching (spec §4.3.4).
func routeType(payload dynjson.Value) string {
	t, _ := payload.Get("type").AsText()
	return strings.ToLower(strings.TrimSpace(t))
}

// RouteKind is the dispatch outcome of the request router (spec §4.3.4).
type RouteKind string

const (
	RouteChat       RouteKind = "chat"
	RouteSnapshot   RouteKind = "snapshot"
	RouteFileSave   RouteKind = "file.save"
	RouteFileDelete RouteKind = "file.delete"
	RouteUnhandled  RouteKind = "unhandled"
)

// Route classifies an inbound payload per the request router table of spec §4.3.4.
func Route(payload dynjson.Value) RouteKind {
	switch routeType(payload) {
	case "chat.user", "chat.request":
		return RouteChat
	case "snapshot.request":
		return RouteSnapshot
	case "file.save":
		return RouteFileSave
	case "file.delete":
		return RouteFileDelete
	default:
		return RouteUnhandled
	}
}

// reachesRouter reports whether a signal is eligible for routing at all:
// only browser-sent "message"-typed signals reach the router (spec §4.3.3
// step 5); everything else is observed but not routed.
func reachesRouter(sender, signalType string) bool {
	return strings.EqualFold(sender, "browser") && strings.EqualFold(signalType, "message")
}
