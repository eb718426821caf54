package phase

import "fmt"

// CompletionMarker in evaluation output ends the feature workflow.
const CompletionMarker = "WORK COMPLETE"

// planningPrompt asks the agent to break the feature into a team plan.
// The agent may answer with a fenced yaml team block; no block means the
// work needs no fan-out.
func planningPrompt(description string, iteration int) string {
	prompt := fmt.Sprintf(`Plan the following feature work before touching any code.

%s

If the work benefits from parallel investigation, emit a fenced yaml block:

`+"```yaml"+`
team:
  - role: <short role name>
    description: <what this team member investigates or prepares>
    depends_on: [<indices of earlier entries, optional>]
`+"```"+`

If the work is small enough to plan alone, write the plan as plain text
and emit no yaml block.`, description)

	if iteration > 0 {
		prompt += fmt.Sprintf("\n\nThis is iteration %d; earlier iterations already landed partial work. Plan only what remains.", iteration+1)
	}
	return prompt
}

// consolidationPrompt asks the agent to turn plans into concrete steps.
func consolidationPrompt(description, teamResults string) string {
	prompt := fmt.Sprintf(`Consolidate the plan for this feature into concrete execution steps.

%s
`, description)
	if teamResults != "" {
		prompt += "\nTeam findings:\n" + teamResults
	}
	prompt += `
Emit a fenced yaml block listing the steps:

` + "```yaml" + `
steps:
  - description: <one self-contained unit of implementation work>
    depends_on: [<indices of earlier steps, optional>]
` + "```"
	return prompt
}

// evaluationPrompt asks the agent to judge whether the feature is done.
func evaluationPrompt(description, executionResults string) string {
	return fmt.Sprintf(`Evaluate the implementation work done so far for this feature.

%s

Results of the execution steps:
%s

If the feature is complete, reply with the exact line:
%s

Otherwise describe what remains to be done.`, description, executionResults, CompletionMarker)
}
