package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the outbound wire shape: {type, payload, sender?, id?, timestamp?}.
type Envelope struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Sender    string         `json:"sender,omitempty"`
	ID        string         `json:"id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// Size budgets from spec §4.3.10.
const (
	maxPayloadBytes    = 9000
	maxEnvelopeBytes   = 10000
	maxChunkIterations = 6
)

// ErrChunkTooSmall is returned when even a single-digit chunk budget cannot
// hold one chunk's skeleton.
var ErrChunkTooSmall = errors.New("transport: payload cannot be chunked to fit the envelope budget")

// estimateEnvelopeSize approximates the on-wire size of env by marshaling it.
func estimateEnvelopeSize(env Envelope) (int, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}

// BuildPublishFrames returns the sequence of envelopes to publish for a
// single logical payload, applying chunking when the single envelope would
// exceed either size budget (spec §4.3.10).
func BuildPublishFrames(channelType string, payload map[string]any, sender, requestID string) ([]Envelope, error) {
	single := Envelope{Type: channelType, Payload: payload, Sender: sender}
	payloadSize, err := estimateEnvelopeSize(Envelope{Type: channelType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("transport: marshal payload: %w", err)
	}
	envSize, err := estimateEnvelopeSize(single)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal envelope: %w", err)
	}
	if payloadSize <= maxPayloadBytes && envSize <= maxEnvelopeBytes {
		return []Envelope{single}, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal payload for chunking: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(body)

	chunkID := requestID
	if chunkID == "" {
		chunkID = channelType
	}

	chunkCount := 2
	for iter := 0; iter < maxChunkIterations; iter++ {
		skeleton := chunkSkeleton(channelType, sender, chunkID, chunkCount, requestID)
		skeletonSize, err := estimateEnvelopeSize(skeleton)
		if err != nil {
			return nil, err
		}
		perChunkBudget := maxEnvelopeBytes - skeletonSize
		if perChunkBudget <= 0 {
			return nil, ErrChunkTooSmall
		}
		needed := ceilDiv(len(encoded), perChunkBudget)
		if needed < 1 {
			needed = 1
		}
		if needed == chunkCount {
			return buildChunks(channelType, sender, chunkID, requestID, encoded, chunkCount, perChunkBudget)
		}
		chunkCount = needed
	}

	skeleton := chunkSkeleton(channelType, sender, chunkID, chunkCount, requestID)
	skeletonSize, err := estimateEnvelopeSize(skeleton)
	if err != nil {
		return nil, err
	}
	perChunkBudget := maxEnvelopeBytes - skeletonSize
	if perChunkBudget <= 0 {
		return nil, ErrChunkTooSmall
	}
	return buildChunks(channelType, sender, chunkID, requestID, encoded, chunkCount, perChunkBudget)
}

func chunkSkeleton(channelType, sender, chunkID string, chunkCount int, requestID string) Envelope {
	return Envelope{
		Type:   channelType,
		Sender: sender,
		Payload: map[string]any{
			"chunk_id":       chunkID,
			"chunk_index":    chunkCount,
			"chunk_total":    chunkCount,
			"chunk_encoding": "base64json",
			"chunk_data":     "",
			"request_id":     requestID,
		},
	}
}

func buildChunks(channelType, sender, chunkID, requestID, encoded string, chunkCount, perChunkBudget int) ([]Envelope, error) {
	if perChunkBudget <= 0 {
		return nil, ErrChunkTooSmall
	}
	frames := make([]Envelope, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		start := i * perChunkBudget
		if start > len(encoded) {
			start = len(encoded)
		}
		end := start + perChunkBudget
		if end > len(encoded) {
			end = len(encoded)
		}
		payload := map[string]any{
			"chunk_id":       chunkID,
			"chunk_index":    i + 1, // 1-based, contiguous through chunk_total (spec §3, §4.3.10)
			"chunk_total":    chunkCount,
			"chunk_encoding": "base64json",
			"chunk_data":     encoded[start:end],
		}
		if requestID != "" {
			payload["request_id"] = requestID
		}
		env := Envelope{Type: channelType, Sender: sender, Payload: payload}
		size, err := estimateEnvelopeSize(env)
		if err != nil {
			return nil, err
		}
		if size > maxEnvelopeBytes {
			return nil, ErrChunkTooSmall
		}
		frames = append(frames, env)
	}
	return frames, nil
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
