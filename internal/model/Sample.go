package model

import (
	"time"
)

// Sample is what a binding hands to its sink for every popped update.
type Sample struct {
	ID        string    `json:"id,omitempty"`
	Binding   string    `json:"binding"`
	Item      string    `json:"item,omitempty"`
	Element   string    `json:"element,omitempty"`
	Reason    string    `json:"reason"`
	Status    string    `json:"status"`
	StatusRaw uint32    `json:"status_code"`
	Good      bool      `json:"good"`
	TimeStamp time.Time `json:"timestamp"`
	Overrides uint64    `json:"overrides,omitempty"`
	HasValue  bool      `json:"has_value"`
	Value     any       `json:"value,omitempty"`
	Error     string    `json:"error,omitempty"`
}
