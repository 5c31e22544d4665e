// Package scene decodes search results and picks the scene to release.
package scene

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// MaxCloudCover is the highest cloud cover fraction a preferred scene may have.
const MaxCloudCover = 0.30

// ErrNoScenesAvailable is returned when the search produced no scenes at all.
var ErrNoScenesAvailable = errors.New("no scenes available")

// Band describes one imagery band of a scene.
type Band struct {
	GSD *float64 `json:"gsd,omitempty"`
}

// Scene is one search result. Fields the selector does not use are kept in Raw.
type Scene struct {
	SceneID    string   `json:"sceneId"`
	CloudCover *float64 `json:"cloudCover,omitempty"`
	Bands      []Band   `json:"bands"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the known fields and keeps the original document.
func (s *Scene) UnmarshalJSON(data []byte) error {
	type plain Scene
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Scene(p)
	s.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Collection is the search pipeline's result set, in remote order.
type Collection struct {
	Results []Scene `json:"results"`
}

// Decode parses a retrieved search result.
func Decode(raw json.RawMessage) (Collection, error) {
	var c Collection
	if err := json.Unmarshal(raw, &c); err != nil {
		return Collection{}, fmt.Errorf("decode scene collection: %w", err)
	}
	return c, nil
}

// SelectBest returns the finest-resolution scene among those with acceptable cloud
// cover. Scenes without a cloud cover value are acceptable. Ties keep the earlier
// scene. When nothing is acceptable the first scene is returned.
func SelectBest(c Collection) (Scene, error) {
	if len(c.Results) == 0 {
		return Scene{}, ErrNoScenesAvailable
	}
	best := -1
	for i, s := range c.Results {
		if !s.acceptable() {
			continue
		}
		if best < 0 || s.gsd() < c.Results[best].gsd() {
			best = i
		}
	}
	if best < 0 {
		return c.Results[0], nil
	}
	return c.Results[best], nil
}

func (s Scene) acceptable() bool {
	return s.CloudCover == nil || *s.CloudCover <= MaxCloudCover
}

// gsd is the first band's ground-sample distance; a scene without bands, or whose
// first band has no gsd, never wins a comparison against one that has it.
func (s Scene) gsd() float64 {
	if len(s.Bands) == 0 || s.Bands[0].GSD == nil {
		return math.Inf(1)
	}
	return *s.Bands[0].GSD
}
