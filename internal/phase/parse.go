package phase

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// TeamMember is one entry of a team block parsed from planning output.
type TeamMember struct {
	Role        string `yaml:"role"`
	Description string `yaml:"description"`
	DependsOn   []int  `yaml:"depends_on"`
}

// Step is one entry of a step block parsed from consolidation output.
type Step struct {
	Description string `yaml:"description"`
	DependsOn   []int  `yaml:"depends_on"`
}

type teamBlock struct {
	Team []TeamMember `yaml:"team"`
}

type stepBlock struct {
	Steps []Step `yaml:"steps"`
}

// ParseTeam extracts a team block from free-text planning output.
// Returns false when no parseable block with at least one member exists;
// the caller falls back to consolidation directly.
func ParseTeam(output string) ([]TeamMember, bool) {
	for _, block := range fencedBlocks(output) {
		var parsed teamBlock
		if err := yaml.Unmarshal([]byte(block), &parsed); err != nil {
			continue
		}
		if len(parsed.Team) == 0 {
			continue
		}
		return parsed.Team, true
	}
	return nil, false
}

// ParseSteps extracts a step block from consolidation output. Returns
// false when no parseable block with at least one step exists; unlike a
// missing team block this is fatal to the workflow.
func ParseSteps(output string) ([]Step, bool) {
	for _, block := range fencedBlocks(output) {
		var parsed stepBlock
		if err := yaml.Unmarshal([]byte(block), &parsed); err != nil {
			continue
		}
		if len(parsed.Steps) == 0 {
			continue
		}
		return parsed.Steps, true
	}
	return nil, false
}

// validDeps filters dependency indices to earlier entries only. An
// index pointing at itself, a later entry, or out of range is dropped;
// the block is advisory output from an agent and cannot be trusted.
func validDeps(deps []int, self int) []int {
	var out []int
	for _, d := range deps {
		if d >= 0 && d < self {
			out = append(out, d)
		}
	}
	return out
}

// fencedBlocks returns the contents of every ```yaml fenced block in
// text, in order. Bare ``` fences are accepted too since agents are
// inconsistent about language tags.
func fencedBlocks(text string) []string {
	var blocks []string
	lines := strings.Split(text, "\n")

	var inBlock bool
	var current []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inBlock {
			if trimmed == "```yaml" || trimmed == "```yml" || trimmed == "```" {
				inBlock = true
				current = current[:0]
			}
			continue
		}
		if trimmed == "```" {
			inBlock = false
			if len(current) > 0 {
				blocks = append(blocks, strings.Join(current, "\n"))
			}
			continue
		}
		current = append(current, line)
	}
	return blocks
}
