// Package importance scores transcribed speech for long-term memory
// relevance. Scoring is a pure additive heuristic tuned for Swedish with
// common English equivalents.
package importance

import (
	"regexp"
	"strings"
	"unicode"
)

// Reason tags a heuristic that contributed to a score.
type Reason string

const (
	ReasonTooShort           Reason = "too_short"
	ReasonNamedEntities      Reason = "named_entities"
	ReasonTimeReferences     Reason = "time_references"
	ReasonFirstPersonIntent  Reason = "first_person_intention"
	ReasonNumbersQuantities  Reason = "numbers_quantities"
	ReasonFinancialContext   Reason = "financial_context"
	ReasonUnansweredQuestion Reason = "unanswered_question"
	ReasonSmallTalk          Reason = "small_talk"
)

const (
	// MaxScore is the upper clamp of a score.
	MaxScore = 3
	minChars = 8
)

// Score is the derived importance of one utterance. It is immutable once
// attached to a chunk.
type Score struct {
	Value   int      `json:"score"`
	Reasons []Reason `json:"reasons"`
}

// Has reports whether r contributed to the score.
func (s Score) Has(r Reason) bool {
	for _, x := range s.Reasons {
		if x == r {
			return true
		}
	}
	return false
}

var (
	clockPattern    = regexp.MustCompile(`\b([01]?\d|2[0-3])[:.][0-5]\d\b|\bkl\.?\s*\d{1,2}\b`)
	currencyPattern = regexp.MustCompile(`(?i)\d[\d\s.,]*\s?(kr|kronor|sek|:-|€|eur|euro|usd|dollar)|[$€£]\s?\d`)
	quantityPattern = regexp.MustCompile(`(?i)\d+([.,]\d+)?\s?(%|procent|kg|g|km|m|mil|l|dl|cl|st|stycken|timmar|minuter|dagar|veckor|pieces|hours|minutes|days|weeks)\b`)
	sentenceSplit   = regexp.MustCompile(`[.!?]+`)
)

var places = wordSet(
	"stockholm", "göteborg", "malmö", "uppsala", "västerås", "örebro", "linköping",
	"helsingborg", "norrköping", "lund", "umeå", "sverige", "norge", "danmark",
	"finland", "london", "paris", "berlin", "köpenhamn", "oslo", "arlanda",
)

var brands = wordSet(
	"ica", "coop", "willys", "hemköp", "spotify", "netflix", "google", "apple",
	"microsoft", "ikea", "volvo", "sj", "sl", "swish", "klarna", "seb", "swedbank",
	"nordea", "handelsbanken", "skatteverket", "försäkringskassan", "gmail", "outlook",
	"slack", "zoom", "teams",
)

var timeWords = wordSet(
	"måndag", "tisdag", "onsdag", "torsdag", "fredag", "lördag", "söndag",
	"januari", "februari", "mars", "april", "maj", "juni", "juli", "augusti",
	"september", "oktober", "november", "december",
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
	"january", "february", "march", "may", "june", "july", "august", "october",
	"idag", "imorgon", "igår", "ikväll", "inatt", "övermorgon", "förmiddag", "eftermiddag",
	"today", "tomorrow", "yesterday", "tonight",
	"möte", "mötet", "tid", "tiden", "deadline", "bokning", "bokat", "läkartid",
	"schema", "kalender", "kalendern", "meeting", "appointment", "schedule", "calendar",
)

var intentionPhrases = []string{
	"jag ska", "kom ihåg", "jag behöver", "jag måste", "glöm inte", "påminn mig",
	"jag tänker", "vi ska", "vi måste", "remember to", "i need to", "i have to",
	"i will", "i'm going to", "remind me",
}

var paymentVerbs = wordSet(
	"betala", "betalar", "betalat", "swisha", "swishar", "överföra", "överför",
	"pay", "paying", "transfer",
)

var paymentPhrases = []string{"föra över", "sätta in", "pay for"}

var financialWords = wordSet(
	"hyra", "hyran", "räkning", "räkningen", "räkningar", "faktura", "fakturan",
	"lön", "lönen", "bank", "banken", "konto", "kontot", "lån", "lånet", "skatt",
	"skatten", "pension", "sparande", "budget", "swish", "klarna", "avgift",
	"rent", "invoice", "bill", "salary", "loan", "tax", "payment",
)

var questionWords = wordSet(
	"vad", "vem", "hur", "varför", "vilken", "vilket", "vilka",
	"what", "who", "where", "how", "why", "which",
)

// Openers that also start statements ("Var snäll och ...", "När jag kommer
// hem ..."). They only count when followed by an inverted verb.
var ambiguousQuestionWords = wordSet("var", "när", "when")

var invertedVerbs = wordSet(
	"är", "var", "ligger", "finns", "ska", "skulle", "kan", "har", "blir", "går", "kommer", "slutar", "börjar",
	"is", "are", "was", "do", "does", "did", "will", "can", "should", "would",
)

var answerMarkers = []string{"för att", "eftersom", "därför", "det är", "svaret", "because", "the answer", "it is"}

var smallTalkPhrases = []string{
	"hur mår du", "hur är det", "god morgon", "god natt", "ha det bra", "vi ses",
	"tack så mycket", "how are you", "good morning", "see you",
}

var fillerWords = wordSet(
	"hej", "hallå", "tja", "tjena", "tack", "okej", "ok", "ja", "nej", "jo", "mm",
	"mhm", "aha", "precis", "visst", "bra", "fint", "jaha", "jaså", "absolut",
	"hi", "hello", "hey", "thanks", "yeah", "yes", "no", "sure", "okay", "right",
	"nice", "cool", "great", "du", "så", "och", "men", "det", "är",
)

// Evaluate scores text. It is pure and deterministic.
func Evaluate(text string) Score {
	trimmed := strings.TrimSpace(text)
	if len([]rune(trimmed)) < minChars {
		return Score{Value: 0, Reasons: []Reason{ReasonTooShort}}
	}

	lower := strings.ToLower(trimmed)
	tokens := tokenize(lower)
	joined := " " + strings.Join(tokens, " ") + " "

	score := 0
	var reasons []Reason
	add := func(r Reason) {
		score++
		reasons = append(reasons, r)
	}
	penalize := func(r Reason) {
		score--
		if score < 0 {
			score = 0
		}
		reasons = append(reasons, r)
	}

	entity := hasCapitalizedName(trimmed) || anyIn(tokens, places) || anyIn(tokens, brands)
	if entity {
		add(ReasonNamedEntities)
	}

	clock := clockPattern.MatchString(lower)
	timeRef := clock || anyIn(tokens, timeWords)
	if timeRef {
		add(ReasonTimeReferences)
	}

	if containsPhrase(joined, intentionPhrases) || anyIn(tokens, paymentVerbs) || containsPhrase(joined, paymentPhrases) {
		add(ReasonFirstPersonIntent)
	}

	currency := currencyPattern.MatchString(lower)
	quantity := currency || quantityPattern.MatchString(lower) || clock
	if quantity {
		add(ReasonNumbersQuantities)
	}

	if anyIn(tokens, financialWords) || currency {
		add(ReasonFinancialContext)
	}

	if isUnansweredQuestion(trimmed, tokens, joined) {
		penalize(ReasonUnansweredQuestion)
	}

	if score == 0 && !entity && !quantity && !timeRef && isSmallTalk(tokens, joined) {
		penalize(ReasonSmallTalk)
	}

	if score > MaxScore {
		score = MaxScore
	}
	return Score{Value: score, Reasons: reasons}
}

// hasCapitalizedName looks for a capitalized word that does not start a
// sentence, e.g. "ring Anna".
func hasCapitalizedName(text string) bool {
	for _, sentence := range sentenceSplit.Split(text, -1) {
		words := strings.FieldsFunc(sentence, func(r rune) bool { return !unicode.IsLetter(r) })
		for i, w := range words {
			if i == 0 || len([]rune(w)) < 2 || w == "I" {
				continue
			}
			runes := []rune(w)
			if unicode.IsUpper(runes[0]) && unicode.IsLower(runes[1]) {
				return true
			}
		}
	}
	return false
}

func isUnansweredQuestion(text string, tokens []string, joined string) bool {
	if containsPhrase(joined, answerMarkers) {
		return false
	}
	if strings.HasSuffix(text, "?") {
		return true
	}
	if len(tokens) == 0 {
		return false
	}
	if _, ok := questionWords[tokens[0]]; ok {
		return true
	}
	if _, ok := ambiguousQuestionWords[tokens[0]]; ok && len(tokens) > 1 {
		_, inverted := invertedVerbs[tokens[1]]
		return inverted
	}
	return false
}

func isSmallTalk(tokens []string, joined string) bool {
	if containsPhrase(joined, smallTalkPhrases) {
		return true
	}
	if len(tokens) == 0 {
		return false
	}
	for _, t := range tokens {
		if _, ok := fillerWords[t]; !ok {
			return false
		}
	}
	return true
}

func tokenize(lower string) []string {
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func wordSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

func anyIn(tokens []string, set map[string]struct{}) bool {
	for _, t := range tokens {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

// containsPhrase matches whole-word phrases against a space-padded token string.
func containsPhrase(joined string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(joined, " "+p+" ") {
			return true
		}
	}
	return false
}
