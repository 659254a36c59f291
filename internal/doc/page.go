package doc

import (
	"encoding/json"
	"fmt"
)

// PageProperties is the stored properties payload of a Page entity.
type PageProperties struct {
	Title    string   `json:"title"`
	Contents Document `json:"contents"`
}

func ParsePageProperties(raw []byte) (PageProperties, error) {
	var props PageProperties
	if err := json.Unmarshal(raw, &props); err != nil {
		return PageProperties{}, fmt.Errorf("parse page properties: %w", err)
	}
	return props, nil
}

func (p PageProperties) Encode() (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode page properties: %w", err)
	}
	return raw, nil
}
