package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// NoExpiration marks a manifest whose licenses never expire.
const NoExpiration int64 = math.MaxInt64

// ExpirationField is the JSON name of the only manifest field this module mutates.
const ExpirationField = "expiration"

// Manifest is the stored description of one piece of offline content.
//
// Apart from Expiration the record is opaque to the storage layer: it is
// encoded as JSON and handed back unchanged.
type Manifest struct {
	// OriginalURI is the URI the content was downloaded from.
	OriginalURI string `json:"original_uri" yaml:"original_uri"`

	// Duration is the presentation duration in seconds.
	Duration float64 `json:"duration" yaml:"duration"`

	// Size is the total number of stored bytes.
	Size int64 `json:"size" yaml:"size"`

	// Expiration is the license expiration (Unix milliseconds).
	// NoExpiration means the content never expires.
	Expiration int64 `json:"expiration" yaml:"expiration"`

	// Periods lists the stored periods in presentation order.
	Periods []Period `json:"periods" yaml:"periods"`

	// SessionIDs are the persistent DRM session IDs for this content.
	SessionIDs []string `json:"session_ids,omitempty" yaml:"session_ids,omitempty"`

	// DRMInfo is optional key-system information.
	DRMInfo *DRMInfo `json:"drm_info,omitempty" yaml:"drm_info,omitempty"`

	// AppMetadata is caller-supplied metadata.
	AppMetadata map[string]string `json:"app_metadata,omitempty" yaml:"app_metadata,omitempty"`
}

// Period is one period of a stored presentation.
type Period struct {
	StartTime float64  `json:"start_time" yaml:"start_time"`
	Streams   []Stream `json:"streams" yaml:"streams"`
}

// Stream is one stored stream (audio, video or text).
type Stream struct {
	ID          int          `json:"id" yaml:"id"`
	ContentType string       `json:"content_type" yaml:"content_type"`
	MimeType    string       `json:"mime_type" yaml:"mime_type"`
	Codecs      string       `json:"codecs,omitempty" yaml:"codecs,omitempty"`
	Language    string       `json:"language,omitempty" yaml:"language,omitempty"`
	Segments    []SegmentRef `json:"segments" yaml:"segments"`
}

// SegmentRef points at a segment record by its key in the segment store.
type SegmentRef struct {
	StartTime float64 `json:"start_time" yaml:"start_time"`
	EndTime   float64 `json:"end_time" yaml:"end_time"`
	DataKey   uint64  `json:"data_key" yaml:"data_key"`
}

// DRMInfo is the key-system information needed to play stored content.
type DRMInfo struct {
	KeySystem  string `json:"key_system" yaml:"key_system"`
	LicenseURI string `json:"license_server_uri,omitempty" yaml:"license_server_uri,omitempty"`
}

// NewManifest creates a manifest for uri without expiration.
func NewManifest(uri string) *Manifest {
	return &Manifest{
		OriginalURI: uri,
		Expiration:  NoExpiration,
		Periods:     []Period{},
	}
}

// IsExpired returns true if the manifest expired before now.
func (m *Manifest) IsExpired(now time.Time) bool {
	if m.Expiration == NoExpiration {
		return false
	}
	return now.UnixMilli() > m.Expiration
}

// ExpiresAtTime returns Expiration as a time.Time. The zero time is
// returned when the manifest never expires.
func (m *Manifest) ExpiresAtTime() time.Time {
	if m.Expiration == NoExpiration {
		return time.Time{}
	}
	return time.UnixMilli(m.Expiration)
}

// SegmentKeys returns every segment key referenced by the manifest.
func (m *Manifest) SegmentKeys() []uint64 {
	var keys []uint64
	for _, p := range m.Periods {
		for _, s := range p.Streams {
			for _, seg := range s.Segments {
				keys = append(keys, seg.DataKey)
			}
		}
	}
	return keys
}

// Validate checks the fields the storage layer depends on.
func (m *Manifest) Validate() error {
	if m == nil {
		return ErrInvalidArgument.WithDetails("manifest is nil")
	}
	if m.Expiration < 0 {
		return ErrInvalidArgument.Errorf("expiration %d is negative", m.Expiration)
	}
	return nil
}

// EncodeManifest encodes a manifest for storage.
func EncodeManifest(m *Manifest) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return data, nil
}

// DecodeManifest decodes a stored manifest.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return &m, nil
}

// SetEncodedExpiration rewrites only the expiration field of an encoded
// manifest. Every other field, including ones this package does not
// know about, is carried over byte for byte.
func SetEncodedExpiration(data []byte, expiration int64) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal manifest fields: %w", err)
	}
	if fields == nil {
		return nil, ErrInvalidArgument.WithDetails("manifest is not a JSON object")
	}

	raw, err := json.Marshal(expiration)
	if err != nil {
		return nil, fmt.Errorf("marshal expiration: %w", err)
	}
	fields[ExpirationField] = raw

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest fields: %w", err)
	}
	return out, nil
}
