package workflow

import (
	"encoding/json"
	"time"
)

// Search defaults.
const (
	DefaultProvider = "gbdx"
	DefaultDataset  = "idaho-pansharpened"
	DefaultLookback = 90 * 24 * time.Hour
)

// startLayout truncates the earliest acquisition time to midnight.
const startLayout = "2006-01-02 00:00:00"

// SearchRequest is the initiate payload for the scene search family.
type SearchRequest struct {
	Provider      string          `json:"provider"`
	Dataset       string          `json:"dataset"`
	StartDatetime string          `json:"startDatetime"`
	Extent        json.RawMessage `json:"extent"`
}

// ReleaseRequest is the initiate payload for the imagery and cars release families.
type ReleaseRequest struct {
	SceneID string          `json:"sceneId"`
	Extent  json.RawMessage `json:"extent"`
}

// SearchPayload builds a search request accepting scenes acquired since now-lookback.
func SearchPayload(extent json.RawMessage, now time.Time, lookback time.Duration, provider, dataset string) SearchRequest {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	if provider == "" {
		provider = DefaultProvider
	}
	if dataset == "" {
		dataset = DefaultDataset
	}
	return SearchRequest{
		Provider:      provider,
		Dataset:       dataset,
		StartDatetime: now.Add(-lookback).Format(startLayout),
		Extent:        extent,
	}
}

// ReleasePayload builds a release request for one scene over the original extent.
func ReleasePayload(extent json.RawMessage, sceneID string) ReleaseRequest {
	return ReleaseRequest{SceneID: sceneID, Extent: extent}
}
