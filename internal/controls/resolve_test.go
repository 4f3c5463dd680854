package controls

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var sampleTable = ActionTable{
	{Name: "move_left", Keys: []string{"A", "Left"}, Description: "Move character left"},
	{Name: "move_right", Keys: []string{"D", "Right"}, Description: "Move character right"},
	{Name: "move_forward", Keys: []string{"W", "Up"}, Description: "Move character forward"},
	{Name: "jump", Keys: []string{"Space"}, Description: "Make character jump"},
	{Name: "interact", Keys: []string{"E"}, Description: "Interact with objects"},
	{Name: "sprint", Keys: []string{"Shift"}, Description: "Sprint/run faster"},
}

func TestResolve(t *testing.T) {
	testCases := []struct {
		name     string
		request  string
		expected []string
	}{
		{"exact name", "jump", []string{"jump"}},
		{"exact names keep order", "jump, move_left", []string{"jump", "move_left"}},
		{"case insensitive name", "JUMP", []string{"jump"}},
		{"key name", "space", []string{"jump"}},
		{"capital letter key", "press A then D", []string{"move_left", "move_right"}},
		{"article is not a key", "a jump", []string{"jump"}},
		{"arrow key", "right", []string{"move_right"}},
		{"description word", "run faster", []string{"sprint"}},
		{"description word many matches", "move", []string{"move_left", "move_right", "move_forward"}},
		{"duplicates removed", "jump space jump", []string{"jump"}},
		{"name wins over description", "interact with objects", []string{"interact"}},
		{"unmatched falls back to movement", "dance wildly", []string{"move_left", "move_right", "move_forward"}},
		{"empty falls back to movement", "", []string{"move_left", "move_right", "move_forward"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Resolve(tc.request, sampleTable))
		})
	}
}

func TestResolveWithoutMovementActions(t *testing.T) {
	table := ActionTable{{Name: "fire", Keys: []string{"F"}, Description: "Fire"}}
	assert.Empty(t, Resolve("dance", table))
	assert.Equal(t, []string{"fire"}, Resolve("fire", table))
}

func TestResolveAll(t *testing.T) {
	assert.Equal(t, []string{"jump", "sprint"}, ResolveAll([]string{"jump", "sprint", "jump"}, sampleTable))
}

func TestSimulationKeys(t *testing.T) {
	keys := sampleTable.SimulationKeys()
	assert.Equal(t, "a", keys["move_left"])
	assert.Equal(t, " ", keys["jump"])
	assert.Equal(t, "shift", keys["sprint"])

	arrowsOnly := ActionTable{{Name: "look_up", Keys: []string{"Up"}}}
	assert.Empty(t, arrowsOnly.SimulationKeys())
}
