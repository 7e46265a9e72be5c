package summary

import (
	"os"
	"path/filepath"
	"strings"

	"sciencebuddy/pkg/domain"
)

// DefaultUnitPrompt is used when a unit has no prompt file.
const DefaultUnitPrompt = "児童の発言をよく聞いて、適切な質問で考えを引き出してください。"

// Prompts reads per-unit system prompts from <dir>/<unit>_<stage>.md.
type Prompts struct {
	dir string
}

func NewPrompts(dir string) Prompts {
	return Prompts{dir: strings.TrimSpace(dir)}
}

// Unit returns the prompt for unit and stage, or DefaultUnitPrompt.
func (p Prompts) Unit(unit string, stage domain.Stage) string {
	if p.dir == "" || unit == "" || strings.ContainsAny(unit, `/\`) || strings.Contains(unit, "..") {
		return DefaultUnitPrompt
	}
	name := unit + "_" + string(stage) + ".md"
	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		return DefaultUnitPrompt
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return DefaultUnitPrompt
	}
	return text
}
