package hub

import (
	"encoding/json"

	"sketchsync/protocol"
)

// strokeElementData is the persisted property bag of a finalized
// stroke. It mirrors what a live observer accumulated from the init
// metadata plus the point batches.
type strokeElementData struct {
	Tool   string           `json:"tool"`
	Color  string           `json:"color"`
	Width  float64          `json:"width"`
	Points []protocol.Point `json:"points"`
}

// finalizedStrokeElement materializes a completed stroke buffer into an
// immutable element.
func finalizedStrokeElement(strokeID string, sb *strokeBuffer, version int64) protocol.ElementPayload {
	data, _ := json.Marshal(strokeElementData{
		Tool:   sb.init.Tool,
		Color:  sb.init.Color,
		Width:  sb.init.Width,
		Points: sb.points,
	})
	return protocol.ElementPayload{
		ElementID: strokeID,
		PageID:    sb.pageID,
		Kind:      "stroke",
		Data:      data,
		Version:   version,
		UserID:    sb.userID,
	}
}
