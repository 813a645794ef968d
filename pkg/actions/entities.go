package actions

import (
	"fmt"
	"sort"
)

// Entity is one candidate value the engine extracted, best first.
type Entity struct {
	Value      interface{} `json:"value"`
	Confidence float64     `json:"confidence,omitempty"`
	Type       string      `json:"type,omitempty"`
}

// Entities maps an entity name to its ordered candidates.
type Entities map[string][]Entity

// Names returns the entity names present, sorted.
func (e Entities) Names() []string {
	names := make([]string, 0, len(e))
	for name := range e {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FirstEntityValue returns the first candidate for name, unwrapping a
// {"value": ...} object if the engine nested one. ok is false when the
// entity is missing, has no candidates, or carries an empty value.
func FirstEntityValue(entities Entities, name string) (value string, ok bool) {
	candidates := entities[name]
	if len(candidates) == 0 {
		return "", false
	}

	v := candidates[0].Value
	if wrapped, isMap := v.(map[string]interface{}); isMap {
		v = wrapped["value"]
	}

	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		if val == "" {
			return "", false
		}
		return val, true
	case bool:
		if !val {
			return "", false
		}
		return "true", true
	default:
		return fmt.Sprint(val), true
	}
}
