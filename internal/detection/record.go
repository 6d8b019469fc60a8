// Package detection defines the detection record shared by every storage tier,
// the typed view of the engine payload, and the error taxonomy used across
// edgedetect.
package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

type (
	// Record is one stored detection result.
	//
	// ID is the canonical primary-store id once the record has been replicated and
	// the (negative) local cache id before that. RecordKey travels with the record
	// to the primary store and makes the replicated insert idempotent.
	Record struct {
		ID        int64   `json:"id"`
		ImagePath string  `json:"imagePath"`
		Payload   Payload `json:"detection"`
		CreatedAt int64   `json:"createdAt"`
		Synced    bool    `json:"synced"`
		RecordKey string  `json:"-"`
	}

	// Payload is the engine output, stored verbatim. Stores never interpret it.
	Payload json.RawMessage

	// Detection is a single object found by the engine.
	Detection struct {
		Name       string  `json:"name"`
		Class      int     `json:"class"`
		Confidence float64 `json:"confidence"`
		Box        Box     `json:"box"`
	}

	// Box is a bounding box in pixel coordinates.
	Box struct {
		X1 float64 `json:"x1"`
		Y1 float64 `json:"y1"`
		X2 float64 `json:"x2"`
		Y2 float64 `json:"y2"`
	}

	// Store is the read/write contract the API and dispatcher depend on.
	// storage.TieredStore is the production implementation.
	Store interface {
		Insert(ctx context.Context, imagePath string, payload Payload) (int64, error)
		Get(ctx context.Context, id int64) (*Record, bool, error)
		GetRecent(ctx context.Context, limit int) ([]*Record, error)
	}
)

// emptyPayload is what an engine that found nothing reports.
var emptyPayload = Payload("[]")

// NewPayload encodes typed detections into a Payload.
func NewPayload(detections []Detection) (Payload, error) {
	if detections == nil {
		detections = []Detection{}
	}

	data, err := json.Marshal(detections)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}

	return Payload(data), nil
}

// Detections decodes the payload into typed detections.
func (p Payload) Detections() ([]Detection, error) {
	if len(bytes.TrimSpace(p)) == 0 {
		return []Detection{}, nil
	}

	var detections []Detection
	if err := json.Unmarshal(p, &detections); err != nil {
		return nil, fmt.Errorf("%w: invalid detection payload: %w", ErrSerialization, err)
	}

	return detections, nil
}

// Validate reports whether the payload is well-formed JSON. An empty payload is
// normalised to an empty list by Normalize, not rejected here.
func (p Payload) Validate() error {
	if len(bytes.TrimSpace(p)) == 0 {
		return nil
	}

	if !json.Valid(p) {
		return fmt.Errorf("%w: detection payload is not valid JSON", ErrSerialization)
	}

	return nil
}

// Normalize returns the payload with an empty value replaced by "[]".
func (p Payload) Normalize() Payload {
	if len(bytes.TrimSpace(p)) == 0 {
		return emptyPayload
	}

	return p
}

// MarshalJSON emits the payload as raw JSON.
func (p Payload) MarshalJSON() ([]byte, error) {
	return json.RawMessage(p.Normalize()).MarshalJSON()
}

// UnmarshalJSON stores a copy of the raw JSON.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if p == nil {
		return fmt.Errorf("%w: unmarshal into nil payload", ErrSerialization)
	}

	*p = append((*p)[0:0], data...)

	return nil
}

// String returns the payload as text; used for the X-Detection-Data header and SQLite.
func (p Payload) String() string {
	return string(p.Normalize())
}

// IsLocalID reports whether id belongs to the cache-assigned id space.
func IsLocalID(id int64) bool {
	return id < 0
}
