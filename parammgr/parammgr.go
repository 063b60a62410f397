// Package parammgr implements the parameter-manager virtual instrument
// (spec.md #4.6): a Node whose parameters are declared and removed at
// runtime rather than fixed at construction, with its flat value set
// persisted to a JSON profile file. The persistence shape (serialize,
// write to a temporary sibling, rename) is adapted from the corpus's
// store write paths that favor crash-safe replace-on-rename over
// in-place writes.
package parammgr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/toolsforexperiments/instrumentserver/instrument"
	"github.com/toolsforexperiments/instrumentserver/wire"
)

// DefaultName is the registry name the parameter manager is conventionally
// registered under (spec.md #4.6).
const DefaultName = "parameter_manager"

// ClassPath identifies the parameter manager's synthetic class, used when
// building its blueprint and when persisting/reloading a profile.
const ClassPath = "instrumentserver.ParameterManager"

// Manager is the parameter manager virtual instrument. It embeds Node for
// the generic get/set/call/snapshot contract and adds the add/remove/save
// operations spec.md #4.6 describes.
type Manager struct {
	*instrument.Node
	profilePath string
	units       map[string]string
}

// New constructs an empty parameter manager. If profilePath is non-empty
// and the file exists, its contents are loaded immediately (spec.md
// #4.6: "profiles are loaded on startup if configured").
func New(profilePath string) (*Manager, error) {
	m := &Manager{
		Node:        instrument.NewNode(ClassPath),
		profilePath: profilePath,
		units:       make(map[string]string),
	}
	if profilePath == "" {
		return m, nil
	}
	if _, err := os.Stat(profilePath); err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("stat profile %s: %w", profilePath, err)
	}
	if err := m.loadProfile(); err != nil {
		return nil, err
	}
	return m, nil
}

// AddParameter declares a new parameter at path, implicitly creating any
// intermediate grouping sub-modules the dotted path names (spec.md #4.6).
func (m *Manager) AddParameter(path string, initial any, unit string, v instrument.Validator) error {
	if path == "" {
		return wire.Validationf("add_parameter requires a non-empty path")
	}
	segs, leaf := splitPath(path)
	node := m.Node.EnsureChild(segs)
	if v.Kind != "" {
		if err := v.Validate(initial); err != nil {
			return wire.Validationf("add_parameter %q: %s", path, err)
		}
	}
	node.AddParameter(&instrument.Parameter{
		Name:      leaf,
		Kind:      inferKind(initial),
		Unit:      unit,
		Validator: v,
		Readable:  true,
		Settable:  true,
		Value:     initial,
	})
	m.units[path] = unit
	return nil
}

// RemoveParameter deletes the parameter at path (spec.md #4.6).
func (m *Manager) RemoveParameter(path string) error {
	if err := m.Node.RemoveParameter(path); err != nil {
		return err
	}
	delete(m.units, path)
	return nil
}

// SaveProfile serializes every parameter's current value to the
// configured profile path, writing atomically: encode to JSON, write to
// a temporary sibling, then rename over the destination (spec.md #4.6).
func (m *Manager) SaveProfile() error {
	if m.profilePath == "" {
		return wire.Unsupportedf("parameter manager has no configured profile path")
	}
	snapshot := m.Node.Snapshot()
	doc := make(map[string]profileEntry, len(snapshot))
	for path, value := range snapshot {
		doc[path] = profileEntry{Value: value, Unit: m.units[path]}
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return wire.Internalf("encode profile: %s", err)
	}
	dir := filepath.Dir(m.profilePath)
	tmp, err := os.CreateTemp(dir, ".profile-*.tmp")
	if err != nil {
		return wire.Internalf("create temp profile: %s", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return wire.Internalf("write temp profile: %s", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return wire.Internalf("close temp profile: %s", err)
	}
	if err := os.Rename(tmpName, m.profilePath); err != nil {
		os.Remove(tmpName)
		return wire.Internalf("rename profile into place: %s", err)
	}
	return nil
}

// profileEntry is the rich on-disk shape for one parameter. loadProfile
// also tolerates a bare scalar in place of this object (spec.md #4.6).
type profileEntry struct {
	Value any    `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

func (m *Manager) loadProfile() error {
	raw, err := os.ReadFile(m.profilePath)
	if err != nil {
		return fmt.Errorf("read profile %s: %w", m.profilePath, err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode profile %s: %w", m.profilePath, err)
	}
	for path, rawEntry := range doc {
		value, unit, err := decodeProfileEntry(rawEntry)
		if err != nil {
			return fmt.Errorf("decode profile entry %q: %w", path, err)
		}
		if err := m.AddParameter(path, value, unit, instrument.Validator{}); err != nil {
			return fmt.Errorf("restore parameter %q: %w", path, err)
		}
	}
	return nil
}

// decodeProfileEntry accepts either {"value": V, "unit": U} or a bare
// scalar V (spec.md #4.6).
func decodeProfileEntry(raw json.RawMessage) (value any, unit string, err error) {
	var entry profileEntry
	if err := json.Unmarshal(raw, &entry); err == nil && entry.Value != nil {
		return entry.Value, entry.Unit, nil
	}
	var bare any
	if err := json.Unmarshal(raw, &bare); err != nil {
		return nil, "", err
	}
	return bare, "", nil
}

func splitPath(path string) (segments []string, leaf string) {
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		return nil, parts[0]
	}
	return parts[:len(parts)-1], parts[len(parts)-1]
}

func inferKind(value any) instrument.Kind {
	switch value.(type) {
	case bool:
		return instrument.KindBool
	case string:
		return instrument.KindString
	case float64, float32, int, int64:
		return instrument.KindFloat
	default:
		return instrument.KindJSON
	}
}
