package engine

import (
	"regexp"
	"strings"

	"github.com/zhaopengme/witbot/pkg/actions"
	"github.com/zhaopengme/witbot/pkg/session"
)

var (
	weatherPattern = regexp.MustCompile(`(?i)weather\s+(?:in|for|at)\s+([\p{L}\s.'-]+?)[\s?!.]*$`)
	moodPattern    = regexp.MustCompile(`(?i)\bi(?:'m| am)\s+(\w+)`)
)

// DefaultStories is the built-in story graph used by the script engine: the
// weather story, the mood story, and a reading branch that ends in a no-op.
func DefaultStories(text string, _ session.Context) []Step {
	if m := weatherPattern.FindStringSubmatch(text); m != nil {
		loc := strings.TrimSpace(m[1])
		return []Step{
			{
				Type:     StepAction,
				Action:   "getForecast",
				Entities: actions.Entities{actions.EntityLocation: {{Value: loc, Confidence: 1}}},
			},
			{Type: StepMessage, Message: "The weather in {loc} is {forecast}."},
		}
	}

	if m := moodPattern.FindStringSubmatch(text); m != nil {
		return []Step{
			{
				Type:     StepAction,
				Action:   "howzyou",
				Entities: actions.Entities{actions.EntityMood: {{Value: strings.ToLower(m[1]), Confidence: 1}}},
			},
			{Type: StepMessage, Message: "Glad to know you are {howz}."},
		}
	}

	if strings.Contains(strings.ToLower(text), "read") {
		return []Step{
			{Type: StepAction, Action: "what-to-read"},
			{Type: StepMessage, Message: "Try a good novel tonight."},
		}
	}

	return []Step{{Type: StepMessage, Message: "Ask me about the weather somewhere."}}
}
