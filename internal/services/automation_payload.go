package services

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"homeservice/internal/models"
)

// Payload is the JSON view of an entity that conditions and templates resolve against.
// Populated relations appear under their foreign-key names (userId.email).
type Payload struct {
	Entity models.Entity
	data   map[string]any
}

// NewPayload snapshots the entity's current state.
func NewPayload(entity models.Entity) (*Payload, error) {
	p := &Payload{Entity: entity}
	if err := p.Refresh(); err != nil {
		return nil, err
	}
	return p, nil
}

// PayloadFromMap wraps raw data with no backing entity.
func PayloadFromMap(data map[string]any) *Payload {
	if data == nil {
		data = map[string]any{}
	}
	return &Payload{data: data}
}

// Refresh re-reads the entity after an action mutated it.
func (p *Payload) Refresh() error {
	if p.Entity == nil {
		return nil
	}
	raw, err := json.Marshal(p.Entity)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", p.Entity.Kind(), err)
	}
	data := map[string]any{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode %s payload: %w", p.Entity.Kind(), err)
	}
	p.data = data
	return nil
}

func (p *Payload) Data() map[string]any { return p.data }

func (p *Payload) Kind() models.EntityKind {
	if p.Entity == nil {
		return ""
	}
	return p.Entity.Kind()
}

func (p *Payload) ID() uint {
	if p.Entity == nil {
		return 0
	}
	return p.Entity.GetID()
}

func (p *Payload) Resolve(path string) (any, bool) {
	return resolvePath(p.data, path)
}

// RefID returns the id behind a relation key whether or not it was populated.
func (p *Payload) RefID(key string) uint {
	v, ok := p.Resolve(key)
	if !ok {
		return 0
	}
	if m, isObj := v.(map[string]any); isObj {
		v = m["id"]
	}
	return toUint(v)
}

// resolvePath walks maps by key and arrays by numeric index.
// A missing segment at any depth yields ok=false.
func resolvePath(data any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	cur := data
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func toUint(v any) uint {
	switch n := normalizeValue(v).(type) {
	case float64:
		if n > 0 {
			return uint(n)
		}
	case string:
		if id, err := strconv.ParseUint(strings.TrimSpace(n), 10, 64); err == nil {
			return uint(id)
		}
	}
	return 0
}
