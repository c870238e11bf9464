package edge

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// Category tags a rule for cache-TTL selection and metrics labels.
type Category string

// Rule categories recognized by the built-in TTL table.
const (
	CategoryTime        Category = "time"
	CategoryCalculation Category = "calculation"
	CategoryVehicle     Category = "vehicle"
	CategoryVolume      Category = "volume"
	CategoryNavigation  Category = "navigation"
	CategoryFacts       Category = "facts"
)

// defaultCacheTTL applies to categories without an explicit entry.
const defaultCacheTTL = 5 * time.Minute

// categoryTTL maps a rule category to how long its rendered responses stay
// cacheable. Time answers go stale within the minute; mocked vehicle state
// churns fast; canned facts are effectively static.
var categoryTTL = map[Category]time.Duration{
	CategoryTime:        time.Minute,
	CategoryCalculation: time.Hour,
	CategoryVehicle:     30 * time.Second,
	CategoryNavigation:  30 * time.Second,
	CategoryFacts:       24 * time.Hour,
}

func ttlFor(c Category) time.Duration {
	if ttl, ok := categoryTTL[c]; ok {
		return ttl
	}
	return defaultCacheTTL
}

// Request carries everything a rule's response function may need: the
// normalized query, the entities extracted from the wildcard pattern, the
// caller-supplied context values, and the processor's clock.
type Request struct {
	Query    string
	Entities map[string]string
	Context  map[string]any
	Now      time.Time

	// DefaultOperator is the processor's configured fallback for arithmetic
	// queries whose operator cannot be inferred. Empty means no fallback.
	DefaultOperator string
}

// Response is either a literal string or a function of the request. Exactly
// one of the two should be set; Fn wins when both are.
type Response struct {
	Text string
	Fn   func(ctx context.Context, req Request) (string, error)
}

// Rule is a registered edge query: trigger patterns, a response, and
// matching constraints. Patterns may contain `*` wildcards; matched wildcard
// spans become entity_0, entity_1, … in the request.
type Rule struct {
	ID       string
	Patterns []string
	Response Response
	Category Category

	// Threshold overrides the processor-wide confidence threshold for this
	// rule when > 0.
	Threshold float64

	// RequiredContext lists context keys that must be present for this rule
	// to be considered (only enforced when context awareness is enabled).
	RequiredContext []string

	// EntityDependent marks rules whose response needs extracted entities.
	EntityDependent bool
}

// builtinRules returns the default on-device rule set.
func builtinRules() []*Rule {
	return []*Rule{
		{
			ID:       "time.current",
			Category: CategoryTime,
			Patterns: []string{
				"what time is it",
				"what is the time",
				"tell me the time",
				"current time",
			},
			Response: Response{Fn: func(_ context.Context, req Request) (string, error) {
				return fmt.Sprintf("It's %s.", req.Now.Format("3:04 PM")), nil
			}},
		},
		{
			ID:       "date.current",
			Category: CategoryTime,
			Patterns: []string{
				"what is the date",
				"what day is it",
				"what is todays date",
				"todays date",
			},
			Response: Response{Fn: func(_ context.Context, req Request) (string, error) {
				return fmt.Sprintf("Today is %s.", req.Now.Format("Monday, January 2")), nil
			}},
		},
		{
			ID:              "calc.basic",
			Category:        CategoryCalculation,
			EntityDependent: true,
			Patterns: []string{
				"* plus *",
				"* minus *",
				"* times *",
				"* multiplied by *",
				"* divided by *",
				"what is * plus *",
				"what is * minus *",
				"what is * times *",
				"what is * divided by *",
				"calculate *",
			},
			Threshold: 0.75,
			Response:  Response{Fn: calculate},
		},
		{
			ID:       "vehicle.fuel",
			Category: CategoryVehicle,
			Patterns: []string{
				"how much fuel do i have",
				"how much gas do i have",
				"check fuel level",
				"fuel level",
			},
			Response: Response{Fn: func(_ context.Context, _ Request) (string, error) {
				return fmt.Sprintf("You have %d%% fuel remaining.", rand.IntN(101)), nil
			}},
		},
		{
			ID:       "vehicle.battery",
			Category: CategoryVehicle,
			Patterns: []string{
				"how much battery do i have",
				"whats my battery level",
				"check battery",
				"battery level",
			},
			Response: Response{Fn: func(_ context.Context, _ Request) (string, error) {
				return fmt.Sprintf("Battery is at %d%%.", rand.IntN(101)), nil
			}},
		},
		{
			ID:       "volume.up",
			Category: CategoryVolume,
			Patterns: []string{
				"turn up the volume",
				"turn the volume up",
				"volume up",
				"make it louder",
			},
			Response: Response{Text: "Turning the volume up."},
		},
		{
			ID:       "volume.down",
			Category: CategoryVolume,
			Patterns: []string{
				"turn down the volume",
				"turn the volume down",
				"volume down",
				"make it quieter",
			},
			Response: Response{Text: "Turning the volume down."},
		},
		{
			ID:              "trip.distance",
			Category:        CategoryNavigation,
			EntityDependent: true,
			Patterns: []string{
				"how far to *",
				"how far is *",
				"distance to *",
			},
			Response: Response{Fn: func(_ context.Context, req Request) (string, error) {
				dest := req.Entities["entity_0"]
				if dest == "" {
					dest = "your destination"
				}
				return fmt.Sprintf("It's about %d miles to %s.", 1+rand.IntN(50), dest), nil
			}},
		},
		{
			ID:       "trip.eta",
			Category: CategoryNavigation,
			Patterns: []string{
				"when will we arrive",
				"when do we get there",
				"whats my eta",
			},
			Response: Response{Fn: func(_ context.Context, _ Request) (string, error) {
				return fmt.Sprintf("You'll arrive in about %d minutes.", 5+rand.IntN(56)), nil
			}},
		},
		{
			ID:       "assistant.help",
			Category: CategoryFacts,
			Patterns: []string{
				"what can you do",
				"help",
				"what are you able to do",
			},
			Response: Response{Text: "I can tell you the time and date, do quick math, " +
				"check fuel and battery, adjust the volume, and estimate trip distance and arrival."},
		},
		{
			ID:       "assistant.identity",
			Category: CategoryFacts,
			Patterns: []string{
				"who are you",
				"what is your name",
				"what are you",
			},
			Response: Response{Text: "I'm your on-device voice assistant. Simple questions I answer " +
				"right here; everything else goes to the cloud."},
		},
	}
}

// Arithmetic guidance strings.
const (
	divideByZeroMsg    = "Cannot divide by zero."
	needTwoNumbersMsg  = "I need two numbers for that. Try something like \"7 plus 5\"."
	unknownOperatorMsg = "I didn't recognize the operator. Try plus, minus, times, or divided by."
)

// calculate evaluates simple two-operand arithmetic from the extracted
// entities. It requires exactly two numeric operands; anything else yields a
// guidance string rather than an error, so a mangled transcript never bubbles
// up as a fault.
func calculate(_ context.Context, req Request) (string, error) {
	nums := extractNumbers(req.Entities)
	if len(nums) != 2 {
		return needTwoNumbersMsg, nil
	}

	op, ok := inferOperator(req.Query)
	if !ok {
		if req.DefaultOperator == "" {
			return unknownOperatorMsg, nil
		}
		op = req.DefaultOperator
	}

	a, b := nums[0], nums[1]
	var result float64
	switch op {
	case "add":
		result = a + b
	case "subtract":
		result = a - b
	case "multiply":
		result = a * b
	case "divide":
		if b == 0 {
			return divideByZeroMsg, nil
		}
		result = a / b
	default:
		return unknownOperatorMsg, nil
	}

	return strconv.FormatFloat(result, 'f', -1, 64), nil
}

// extractNumbers pulls numeric tokens from the entities in entity order.
func extractNumbers(entities map[string]string) []float64 {
	var nums []float64
	for i := 0; ; i++ {
		text, ok := entities[entityKey(i)]
		if !ok {
			break
		}
		for _, tok := range strings.Fields(text) {
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				if w, known := numberWords[tok]; known {
					v = w
				} else {
					continue
				}
			}
			nums = append(nums, v)
		}
	}
	return nums
}

// numberWords covers the small spoken numbers transcripts commonly spell out.
var numberWords = map[string]float64{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4,
	"five": 5, "six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"eleven": 11, "twelve": 12, "twenty": 20, "fifty": 50, "hundred": 100,
}

// inferOperator searches the query text for an operator word. Division and
// multiplication are checked before addition so "divided" is never shadowed
// by a stray "add" substring.
func inferOperator(query string) (string, bool) {
	switch {
	case strings.Contains(query, "divided") || strings.Contains(query, "divide"):
		return "divide", true
	case strings.Contains(query, "times") || strings.Contains(query, "multipl"):
		return "multiply", true
	case strings.Contains(query, "minus") || strings.Contains(query, "subtract"):
		return "subtract", true
	case strings.Contains(query, "plus") || strings.Contains(query, "add"):
		return "add", true
	}
	return "", false
}
