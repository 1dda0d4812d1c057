package cdr

import "encoding/json"

// FeatureResults is the publish envelope for feature and metadata results
type FeatureResults struct {
	CogID                  string            `json:"cog_id"`
	System                 string            `json:"system"`
	SystemVersion          string            `json:"system_version"`
	CogMetadataExtractions []json.RawMessage `json:"cog_metadata_extractions,omitempty"`
}

// Event is a webhook event delivered to the process_event callback
type Event struct {
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Event types handled by the gateway
const (
	EventPing       = "ping"
	EventMapProcess = "map.process"
)

// MapEventPayload is the payload of a map.process event
type MapEventPayload struct {
	CogID  string `json:"cog_id"`
	CogURL string `json:"cog_url"`
}
