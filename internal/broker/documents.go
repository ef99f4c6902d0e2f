package broker

import (
	"encoding/json"
	"fmt"
)

func marshalDocument(doc map[string]any) ([]byte, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return out, nil
}
