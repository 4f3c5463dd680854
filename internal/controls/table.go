// Package controls resolves free-form control requests onto a project's
// declared input actions and drives them through the bridge.
package controls

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Action is one declared input action.
type Action struct {
	Name        string   `json:"action" yaml:"name"`
	Keys        []string `json:"keys" yaml:"keys"`
	Description string   `json:"description" yaml:"description"`
}

// ActionTable is the ordered list of a project's actions.
type ActionTable []Action

// Names returns the action names in table order.
func (t ActionTable) Names() []string {
	names := make([]string, len(t))
	for i, a := range t {
		names[i] = a.Name
	}
	return names
}

// Lookup finds an action by name, ignoring case.
func (t ActionTable) Lookup(name string) (Action, bool) {
	for _, a := range t {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return Action{}, false
}

// Movement returns the move_* actions, the safe default when a request
// matches nothing.
func (t ActionTable) Movement() []string {
	var names []string
	for _, a := range t {
		if strings.HasPrefix(strings.ToLower(a.Name), "move_") {
			names = append(names, a.Name)
		}
	}
	return names
}

var knownDescriptions = map[string]string{
	"move_left":    "Move character left",
	"move_right":   "Move character right",
	"move_up":      "Move character forward",
	"move_forward": "Move character forward",
	"move_down":    "Move character backward",
	"move_back":    "Move character backward",
	"jump":         "Make character jump",
	"attack":       "Attack action",
	"interact":     "Interact with objects",
	"sprint":       "Sprint/run faster",
	"run":          "Sprint/run faster",
	"crouch":       "Crouch down",
}

// Describe returns a readable description of an action name.
func Describe(action string) string {
	if d, ok := knownDescriptions[strings.ToLower(action)]; ok {
		return d
	}
	words := strings.NewReplacer("_", " ", "-", " ").Replace(action)
	return cases.Title(language.English).String(words)
}

// SimulationKeys maps each action onto the key the page helper simulates
// when the game has no native input bridge. Keys the helper cannot
// synthesise are left out.
func (t ActionTable) SimulationKeys() map[string]string {
	keys := make(map[string]string, len(t))
	for _, a := range t {
		for _, k := range a.Keys {
			if sim, ok := simulatedKey(k); ok {
				keys[a.Name] = sim
				break
			}
		}
	}
	return keys
}

func simulatedKey(key string) (string, bool) {
	switch {
	case len(key) == 1:
		return strings.ToLower(key), true
	case key == "Space":
		return " ", true
	case key == "Shift":
		return "shift", true
	case key == "LeftClick":
		return "mouse1", true
	}
	return "", false
}
