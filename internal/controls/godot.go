package controls

import (
	"bufio"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shinyobjectz/tav/internal/errors"
)

// OverrideFile holds per-project action overrides, relative to the project.
const OverrideFile = ".tav/controls.yml"

// ActionSource supplies a project's action table.
type ActionSource interface {
	Actions(projectPath string) (ActionTable, error)
}

// ProjectSource reads actions from project.godot and applies
// .tav/controls.yml on top.
type ProjectSource struct{}

// Actions implements ActionSource.
func (ProjectSource) Actions(projectPath string) (ActionTable, error) {
	return LoadActions(projectPath)
}

// Override is the shape of .tav/controls.yml.
type Override struct {
	// Replace discards the project's own actions instead of merging.
	Replace bool        `yaml:"replace"`
	Actions ActionTable `yaml:"actions"`
}

// LoadActions builds the project's action table.
func LoadActions(projectPath string) (ActionTable, error) {
	f, err := os.Open(filepath.Join(projectPath, "project.godot"))
	if err != nil {
		return nil, errors.NewIOError(errors.ErrCodeInvalidPath, "project.godot not found", err)
	}
	defer f.Close()

	table, err := ParseProjectInput(f)
	if err != nil {
		return nil, errors.NewIOError(errors.ErrCodeInternalError, "read project.godot", err)
	}

	override, err := readOverride(projectPath)
	if err != nil {
		return nil, err
	}
	if override != nil {
		table = Merge(table, *override)
	}
	return table, nil
}

// Merge applies an override: actions with a known name replace the
// project's definition in place, new ones are appended.
func Merge(table ActionTable, o Override) ActionTable {
	var out ActionTable
	if !o.Replace {
		out = append(out, table...)
	}
	for _, a := range o.Actions {
		if a.Name == "" {
			continue
		}
		if a.Description == "" {
			a.Description = Describe(a.Name)
		}
		replaced := false
		for i := range out {
			if out[i].Name == a.Name {
				if len(a.Keys) == 0 {
					a.Keys = out[i].Keys
				}
				out[i] = a
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, a)
		}
	}
	return out
}

func readOverride(projectPath string) (*Override, error) {
	data, err := os.ReadFile(filepath.Join(projectPath, filepath.FromSlash(OverrideFile)))
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewIOError(errors.ErrCodeInternalError, "read controls override", err)
	}

	var o Override
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("%s: %v", OverrideFile, err))
	}
	return &o, nil
}

var (
	keycodePattern = regexp.MustCompile(`"(?:physical_keycode|keycode)":(\d+)`)
	buttonPattern  = regexp.MustCompile(`"button_index":(\d+)`)
)

// ParseProjectInput reads the [input] section of a project.godot file.
// Actions with no recognisable key or button are skipped.
func ParseProjectInput(r io.Reader) (ActionTable, error) {
	var (
		table   ActionTable
		inInput bool
		action  string
		block   strings.Builder
	)

	finish := func() {
		if action == "" {
			return
		}
		if keys := parseKeys(block.String()); len(keys) > 0 {
			table = append(table, Action{
				Name:        action,
				Keys:        keys,
				Description: Describe(action),
			})
		}
		action = ""
		block.Reset()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") && action == "" {
			inInput = line == "[input]"
			continue
		}
		if !inInput {
			continue
		}

		if i := strings.Index(line, "={"); i > 0 && action == "" {
			action = strings.TrimSpace(line[:i])
			block.WriteString(line[i:])
		} else if action != "" {
			block.WriteString(line)
		}

		if action != "" && strings.HasSuffix(line, "}") {
			finish()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	finish()

	return table, nil
}

func parseKeys(block string) []string {
	var keys []string
	add := func(k string) {
		for _, existing := range keys {
			if existing == k {
				return
			}
		}
		keys = append(keys, k)
	}

	for _, m := range keycodePattern.FindAllStringSubmatch(block, -1) {
		code, err := strconv.Atoi(m[1])
		if err != nil || code == 0 {
			continue
		}
		if name, ok := KeyName(code); ok {
			add(name)
		}
	}

	if strings.Contains(block, "InputEventMouseButton") {
		for _, m := range buttonPattern.FindAllStringSubmatch(block, -1) {
			switch m[1] {
			case "1":
				add("LeftClick")
			case "2":
				add("RightClick")
			case "3":
				add("MiddleClick")
			}
		}
	}

	return keys
}

var specialKeys = map[int]string{
	32: "Space",
	// Godot 4
	4194305: "Escape",
	4194306: "Tab",
	4194309: "Enter",
	4194319: "Left",
	4194320: "Up",
	4194321: "Right",
	4194322: "Down",
	4194325: "Shift",
	4194326: "Ctrl",
	4194328: "Alt",
	// Godot 3
	16777217: "Escape",
	16777218: "Tab",
	16777221: "Enter",
	16777231: "Left",
	16777232: "Up",
	16777233: "Right",
	16777234: "Down",
	16777237: "Shift",
	16777238: "Ctrl",
	16777240: "Alt",
}

// KeyName maps an engine keycode onto a readable key name.
func KeyName(code int) (string, bool) {
	switch {
	case code >= 'A' && code <= 'Z', code >= '0' && code <= '9':
		return string(rune(code)), true
	}
	name, ok := specialKeys[code]
	return name, ok
}
