// Package sessionhistory implements the Engine session-history reader
// (spec section 4.4): a local JSON/JSONL fallback used when a chat run's
// wait response carries no text field directly. It is purely a text
// fallback — absence of a match returns ("", false), never an error.
package sessionhistory

import (
	"bufio"
	"os"
	"strings"

	"github.com/agentmc/runtime-supervisor/internal/dynjson"
)

// hiddenKindMarkers are substrings that mark a content block as not
// "visible" per spec §4.4 ("thinking | reasoning | analysis | debug").
var hiddenKindMarkers = []string{"thinking", "reasoning", "analysis", "debug"}

// Reader locates the last assistant-visible text for a session key inside a
// local sessions store.
type Reader struct {
	storePath string
}

// New returns a Reader bound to storePath, the Engine's sessions store file
// (a JSON file holding one array or map of
// {key, messages|history|events|sessionFile}).
func New(storePath string) *Reader {
	return &Reader{storePath: storePath}
}

// LastAssistantText finds the entry whose key matches sessionKey and returns
// the last visible assistant text. ok is false if the store is missing, the
// key is absent, or no visible text is found.
func (r *Reader) LastAssistantText(sessionKey string) (text string, ok bool) {
	data, err := os.ReadFile(r.storePath)
	if err != nil {
		return "", false
	}
	root, err := dynjson.Parse(data)
	if err != nil {
		return "", false
	}

	entry, found := findEntry(root, sessionKey)
	if !found {
		return "", false
	}

	if sessionFile, ok := entry.Get("sessionFile").AsText(); ok && sessionFile != "" {
		return lastVisibleFromJSONLFile(sessionFile)
	}

	for _, key := range []string{"messages", "history", "events"} {
		if items, ok := entry.Get(key).AsArray(); ok {
			if text, found := lastVisibleFromItems(items); found {
				return text, true
			}
		}
	}
	return "", false
}

// findEntry locates the object keyed by sessionKey, whether root is an
// object map or an array of {key, ...} entries.
func findEntry(root dynjson.Value, sessionKey string) (dynjson.Value, bool) {
	if obj, ok := root.AsObject(); ok {
		if val, found := obj[sessionKey]; found {
			return val, true
		}
		// Some stores nest {key: sessionKey, ...} under a top-level "sessions" array.
		if sessions, ok := root.Get("sessions").AsArray(); ok {
			return findEntryInArray(sessions, sessionKey)
		}
		return dynjson.Null(), false
	}
	if arr, ok := root.AsArray(); ok {
		return findEntryInArray(arr, sessionKey)
	}
	return dynjson.Null(), false
}

func findEntryInArray(arr []dynjson.Value, sessionKey string) (dynjson.Value, bool) {
	for _, item := range arr {
		if key, ok := item.Get("key").AsText(); ok && key == sessionKey {
			return item, true
		}
	}
	return dynjson.Null(), false
}

// lastVisibleFromItems scans a messages/history/events array from the end,
// returning the first visible assistant text encountered.
func lastVisibleFromItems(items []dynjson.Value) (string, bool) {
	for i := len(items) - 1; i >= 0; i-- {
		if text, ok := visibleAssistantText(items[i]); ok {
			return text, true
		}
	}
	return "", false
}

// visibleAssistantText extracts text from one message/block object if it is
// assistant-authored and not a hidden kind.
func visibleAssistantText(item dynjson.Value) (string, bool) {
	role, _ := item.Get("role").AsText()
	if role != "" && !strings.EqualFold(role, "assistant") {
		return "", false
	}

	if isHiddenBlock(item) {
		return "", false
	}

	for _, field := range []string{"text", "content", "output_text", "message", "response"} {
		if s, ok := item.Get(field).AsText(); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "", false
}

func isHiddenBlock(item dynjson.Value) bool {
	for _, field := range []string{"type", "kind", "block_type"} {
		if s, ok := item.Get(field).AsText(); ok {
			lower := strings.ToLower(s)
			for _, marker := range hiddenKindMarkers {
				if strings.Contains(lower, marker) {
					return true
				}
			}
		}
	}
	return false
}

// lastVisibleFromJSONLFile scans a JSONL session file bottom-up for the
// last visible assistant text, per spec §4.4 ("scan lines bottom-up").
func lastVisibleFromJSONLFile(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}

	for i := len(lines) - 1; i >= 0; i-- {
		val, err := dynjson.Parse([]byte(lines[i]))
		if err != nil {
			continue
		}
		if text, ok := visibleAssistantText(val); ok {
			return text, true
		}
	}
	return "", false
}
