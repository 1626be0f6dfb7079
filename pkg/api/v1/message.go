package v1

import (
	"encoding/json"

	"rollgate/pkg/constraints"
)

// Message is a change notification fanned out to stream subscribers. Flag is
// set for flag puts; Override carries the entry (only its scope on delete).
type Message struct {
	Kind      constraints.MessageKind `json:"kind"`
	Namespace string                  `json:"namespace"`
	Key       string                  `json:"key"`
	Version   int64                   `json:"version"`
	Revision  int64                   `json:"revision"`
	Action    constraints.Action      `json:"action"`
	Flag      *FlagConfig             `json:"flag,omitempty"`
	Override  *OverrideEntry          `json:"override,omitempty"`
}

func (m *Message) ToJSON() string {
	b, err := json.Marshal(m)
	if err != nil {
		panic("rollgate message serialization failed: " + err.Error())
	}
	return string(b)
}

// Snapshot is the full state a subscriber starts from before following the stream.
type Snapshot struct {
	Revision  int64           `json:"revision"`
	Flags     []FlagConfig    `json:"flags"`
	Overrides []OverrideEntry `json:"overrides"`
}
