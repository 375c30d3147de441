// Package guard decides whether a question is in scope for the tutor before
// any retrieval or generation happens. A refusal is a normal outcome, not an
// error: the caller gets the refusal text and persists the exchange as usual.
package guard

import "strings"

// RefusalText is the fixed answer returned for out-of-scope questions.
const RefusalText = "I focus on education, general knowledge, mathematics, and technology. " +
	"I can't provide cooking or recipe how-to steps. If you'd like, I can explain the " +
	"science behind boiling pasta, basics of nutrition, or the cultural history of noodles."

// Policy inspects a question and reports whether it should be refused.
// Policies must be pure: same question, same verdict.
type Policy func(question string) (refuse bool)

// allowMarkers mark questions that mention food in an academic register,
// which are allowed even when cooking terms appear.
var allowMarkers = []string{
	"history", "historical", "origin", "chemistry", "science", "scientific",
	"nutrition", "nutritional", "culture", "cultural", "economics", "economy",
	"biology", "physics", "maillard", "spaghetti code",
}

// cookingVerbs are instruction verbs that signal a how-to request.
var cookingVerbs = []string{
	"cook", "bake", "fry", "grill", "roast", "boil", "simmer", "saute",
	"marinate", "knead", "whisk", "season", "preheat",
}

// foodTerms are common dish and ingredient words.
var foodTerms = []string{
	"recipe", "pasta", "spaghetti", "noodle", "pizza", "cake", "bread",
	"chicken", "steak", "soup", "sauce", "curry", "salad", "dessert",
	"dough", "ingredient", "oven", "dish", "meal", "dinner", "lunch",
}

// howToPhrases directly request preparation steps.
var howToPhrases = []string{
	"how to make", "how do i make", "how to cook", "how do i cook",
	"recipe for", "steps to make", "steps to cook", "instructions for making",
}

// Default returns the built-in policy: refuse cooking and recipe how-to
// questions, but allow academic questions about food (its history, science,
// or nutrition).
func Default() Policy {
	return func(question string) bool {
		q := strings.ToLower(question)

		for _, m := range allowMarkers {
			if strings.Contains(q, m) {
				return false
			}
		}
		for _, p := range howToPhrases {
			if strings.Contains(q, p) {
				return true
			}
		}

		hasVerb := containsWord(q, cookingVerbs)
		hasFood := containsWord(q, foodTerms)
		return hasVerb && hasFood
	}
}

// AllowAll returns a policy that never refuses. Useful for tests and for
// deployments that handle moderation upstream.
func AllowAll() Policy {
	return func(string) bool { return false }
}

// containsWord reports whether any of the words appears in q on a word
// boundary, so "cook" does not match "cookie-cutter code examples" via
// substrings like "recook" but does match "cooking".
func containsWord(q string, words []string) bool {
	fields := strings.FieldsFunc(q, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	for _, f := range fields {
		for _, w := range words {
			if f == w || f == w+"s" || f == w+"ing" || f == w+"ed" {
				return true
			}
			// e-drop forms: bake -> baking, saute -> sauted is wrong but rare.
			if strings.HasSuffix(w, "e") && f == w[:len(w)-1]+"ing" {
				return true
			}
		}
	}
	return false
}
