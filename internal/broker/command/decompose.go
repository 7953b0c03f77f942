package command

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Subtask is one entry of a parsed planning result.
type Subtask struct {
	Title   string `json:"title"`
	Prompt  string `json:"prompt"`
	Command string `json:"command,omitempty"`
}

var fencedSubtasksRe = regexp.MustCompile("(?s)```json:subtasks\\s*(.*?)```")

// ParseSubtasks extracts the subtask list from a planning result.
//
// Parsing is dual-mode: the fenced json:subtasks block is authoritative;
// when absent, any JSON array in the text is accepted provided every
// object carries title and prompt. An array containing an object without
// the required keys rejects the whole array — a partial plan is worse
// than the direct-submit fallback.
func ParseSubtasks(result string) []Subtask {
	if m := fencedSubtasksRe.FindStringSubmatch(result); m != nil {
		if subtasks := decodeSubtasks(m[1]); subtasks != nil {
			return subtasks
		}
	}
	// Fallback: scan for any top-level JSON array.
	for _, candidate := range jsonArrayCandidates(result) {
		if subtasks := decodeSubtasks(candidate); subtasks != nil {
			return subtasks
		}
	}
	return nil
}

func decodeSubtasks(text string) []Subtask {
	var subtasks []Subtask
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &subtasks); err != nil {
		return nil
	}
	if len(subtasks) == 0 {
		return nil
	}
	for _, st := range subtasks {
		if strings.TrimSpace(st.Title) == "" || strings.TrimSpace(st.Prompt) == "" {
			return nil
		}
	}
	return subtasks
}

// jsonArrayCandidates returns the bracket-balanced [...] spans in the
// text, outermost first.
func jsonArrayCandidates(text string) []string {
	var out []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '[':
			if depth == 0 {
				start = i
			}
			depth++
		case ']':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, text[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}
