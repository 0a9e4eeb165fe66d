package sessionworker

import (
	"regexp"

	"github.com/agentmc/runtime-supervisor/internal/dynjson"
	"github.com/agentmc/runtime-supervisor/internal/filematerializer"
)

var docIDAllowPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// FileOpsConfig bundles the materializer and the configured doc_id
// allow-list (spec §4.3.7).
type FileOpsConfig struct {
	Materializer *filematerializer.Materializer
	AllowedDocs  map[string]bool // nil/empty = no docs allowed
}

// HandleFileSave implements the file.save handler of spec §4.3.7, returning
// the response payload to publish (file.save.ok or file.save.error).
func (c FileOpsConfig) HandleFileSave(payload dynjson.Value) map[string]any {
	requestID, _ := payload.Get("request_id").AsText()
	docID, _ := payload.Get("doc_id").AsText()
	baseHash, _ := payload.Get("base_hash").AsText()
	title, _ := payload.Get("title").AsText()
	body, _ := payload.Get("body_markdown").AsText()

	if requestID == "" {
		return errorPayload("file.save.error", "", "missing_request_id", "request_id is required")
	}
	if !docIDAllowed(docID, c.AllowedDocs) {
		return errorPayload("file.save.error", requestID, "not_allowed", "doc_id is not in the allow-list")
	}

	newHash, err := c.Materializer.Save(docID, baseHash, []byte(body))
	if err != nil {
		if conflict, ok := err.(*filematerializer.ErrConflict); ok {
			return map[string]any{
				"type":         "file.save.error",
				"request_id":   requestID,
				"doc_id":       docID,
				"code":         "conflict",
				"current_hash": conflict.CurrentHash,
			}
		}
		return errorPayload("file.save.error", requestID, "write_failed", err.Error())
	}

	return map[string]any{
		"type":       "file.save.ok",
		"request_id": requestID,
		"doc_id":     docID,
		"base_hash":  newHash,
		"title":      title,
	}
}

// HandleFileDelete implements the file.delete handler of spec §4.3.7.
func (c FileOpsConfig) HandleFileDelete(payload dynjson.Value) map[string]any {
	requestID, _ := payload.Get("request_id").AsText()
	docID, _ := payload.Get("doc_id").AsText()
	baseHash, _ := payload.Get("base_hash").AsText()

	if requestID == "" {
		return errorPayload("file.delete.error", "", "missing_request_id", "request_id is required")
	}
	if !docIDAllowed(docID, c.AllowedDocs) {
		return errorPayload("file.delete.error", requestID, "not_allowed", "doc_id is not in the allow-list")
	}

	if err := c.Materializer.Delete(docID, baseHash); err != nil {
		if conflict, ok := err.(*filematerializer.ErrConflict); ok {
			return map[string]any{
				"type":         "file.delete.error",
				"request_id":   requestID,
				"doc_id":       docID,
				"code":         "conflict",
				"current_hash": conflict.CurrentHash,
			}
		}
		if err == filematerializer.ErrNotFound {
			return errorPayload("file.delete.error", requestID, "not_found", "doc_id does not exist")
		}
		return errorPayload("file.delete.error", requestID, "delete_failed", err.Error())
	}

	return map[string]any{
		"type":       "file.delete.ok",
		"request_id": requestID,
		"doc_id":     docID,
	}
}

func docIDAllowed(docID string, allowed map[string]bool) bool {
	if docID == "" || !docIDAllowPattern.MatchString(docID) {
		return false
	}
	return allowed[docID]
}

func errorPayload(msgType, requestID, code, message string) map[string]any {
	return map[string]any{
		"type":       msgType,
		"request_id": requestID,
		"code":       code,
		"message":    message,
	}
}
