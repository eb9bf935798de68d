// Package dice implements the dice-expression engine for table rolls.
//
// An expression is a sequence of signed terms, each either a dice term or an
// integer literal, with an optional trailing label:
//
//	expression := term (('+'|'-') term)* ('#' label)?
//	dice term  := [N]dS[!][kh<K>|kl<K>]
//
// The flag tokens "adv" and "dis" may appear anywhere in the whitespace
// separated token stream and are extracted before parsing. When set, a bare
// 1d20 term with no explicit keep clause is rewritten to 2d20kh1 (advantage)
// or 2d20kl1 (disadvantage) before rolling.
package dice

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/chronicarpg/chronica/internal/platform/sanitize"
	"github.com/chronicarpg/chronica/internal/random"
)

const (
	minCount = 1
	maxCount = 100
	minSides = 2
	maxSides = 1000

	// maxRollsPerTerm bounds exploding dice so a term can never roll forever.
	maxRollsPerTerm = 100

	maxLabelRunes = 60
)

// ErrInvalidTerm indicates a sub-term is neither a recognized dice pattern
// nor an integer literal, or its count/sides fall outside the allowed range.
var ErrInvalidTerm = errors.New("invalid dice term")

var diceTermPattern = regexp.MustCompile(`(?i)^(\d*)d(\d+)(!?)(?:(kh|kl)(\d+))?$`)

// TermDetail records how a single term contributed to the outcome.
type TermDetail struct {
	Term  string `json:"term"`
	Rolls []int  `json:"rolls,omitempty"`
	Kept  []int  `json:"kept,omitempty"`
	Sum   int    `json:"sum"`
}

// Outcome is the immutable result of evaluating a dice expression.
type Outcome struct {
	Rolls        []int        `json:"rolls"`
	Total        int          `json:"total"`
	Detail       []TermDetail `json:"detail"`
	Label        string       `json:"label,omitempty"`
	Advantage    bool         `json:"adv"`
	Disadvantage bool         `json:"dis"`
}

// roller draws one die result in [1, sides].
type roller func(sides int) (int, error)

// Evaluate rolls an expression using a cryptographically strong source.
//
// An empty expression yields a zero-value Outcome with no terms; it is not an
// error. Count or sides outside 1..100 and 2..1000 respectively fail with
// ErrInvalidTerm rather than being clamped.
func Evaluate(expression string) (Outcome, error) {
	return evaluate(expression, random.Uniform)
}

// EvaluateSeeded rolls an expression with a deterministic source.
//
// # Determinism
//
// EvaluateSeeded is deterministic with respect to seed: the same seed and
// expression always produce the same Outcome. It exists for tests and audit
// replay; live rolls go through Evaluate.
func EvaluateSeeded(expression string, seed int64) (Outcome, error) {
	rng := rand.New(rand.NewSource(seed))
	return evaluate(expression, func(sides int) (int, error) {
		return rng.Intn(sides) + 1, nil
	})
}

func evaluate(expression string, roll roller) (Outcome, error) {
	var outcome Outcome

	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return outcome, nil
	}

	body := trimmed
	if labelIndex := strings.Index(trimmed, "#"); labelIndex != -1 {
		outcome.Label = sanitize.Text(strings.TrimSpace(trimmed[labelIndex+1:]), maxLabelRunes)
		body = strings.TrimSpace(trimmed[:labelIndex])
	}

	tokens := strings.Fields(body)
	remaining := tokens[:0]
	for _, token := range tokens {
		switch strings.ToLower(token) {
		case "adv":
			outcome.Advantage = true
		case "dis":
			outcome.Disadvantage = true
		default:
			remaining = append(remaining, token)
		}
	}

	joined := strings.Join(remaining, "")
	if joined == "" {
		return outcome, nil
	}

	for _, term := range splitTerms(joined) {
		detail, err := evaluateTerm(term, &outcome, roll)
		if err != nil {
			return Outcome{}, err
		}
		outcome.Detail = append(outcome.Detail, detail)
		outcome.Total += detail.Sum
	}
	return outcome, nil
}

// splitTerms cuts "2d6+3-1d4" into signed term strings: "2d6", "+3", "-1d4".
func splitTerms(expression string) []string {
	var terms []string
	start := 0
	for i, r := range expression {
		if i == start {
			continue
		}
		if r == '+' || r == '-' {
			terms = append(terms, expression[start:i])
			start = i
		}
	}
	terms = append(terms, expression[start:])
	return terms
}

func evaluateTerm(term string, outcome *Outcome, roll roller) (TermDetail, error) {
	sign := 1
	body := term
	switch {
	case strings.HasPrefix(term, "-"):
		sign = -1
		body = term[1:]
	case strings.HasPrefix(term, "+"):
		body = term[1:]
	}
	if body == "" {
		return TermDetail{}, fmt.Errorf("%w: %q", ErrInvalidTerm, term)
	}

	match := diceTermPattern.FindStringSubmatch(body)
	if match == nil {
		return evaluateLiteral(term, body, sign)
	}

	count := 1
	if match[1] != "" {
		parsed, err := strconv.Atoi(match[1])
		if err != nil {
			return TermDetail{}, fmt.Errorf("%w: %q", ErrInvalidTerm, term)
		}
		count = parsed
	}
	sides, err := strconv.Atoi(match[2])
	if err != nil {
		return TermDetail{}, fmt.Errorf("%w: %q", ErrInvalidTerm, term)
	}
	if count < minCount || count > maxCount || sides < minSides || sides > maxSides {
		return TermDetail{}, fmt.Errorf("%w: %q", ErrInvalidTerm, term)
	}

	exploding := match[3] == "!"
	keepKind := strings.ToLower(match[4])
	keepRaw := match[5]

	// Advantage/disadvantage rewrite a bare 1d20 with no explicit keep
	// clause. Advantage wins if both flags are set.
	if (outcome.Advantage || outcome.Disadvantage) && count == 1 && sides == 20 && keepKind == "" {
		count = 2
		if outcome.Advantage {
			keepKind = "kh"
		} else {
			keepKind = "kl"
		}
		keepRaw = "1"
	}

	keep := count
	if keepRaw != "" {
		keep, err = strconv.Atoi(keepRaw)
		if err != nil {
			return TermDetail{}, fmt.Errorf("%w: %q", ErrInvalidTerm, term)
		}
	}

	var rolls []int
	for i := 0; i < count && len(rolls) < maxRollsPerTerm; i++ {
		for {
			value, err := roll(sides)
			if err != nil {
				return TermDetail{}, fmt.Errorf("roll %q: %w", term, err)
			}
			rolls = append(rolls, value)
			if !exploding || value != sides || len(rolls) >= maxRollsPerTerm {
				break
			}
		}
	}

	sorted := make([]int, len(rolls))
	copy(sorted, rolls)
	slices.Sort(sorted)
	if keepKind != "kl" {
		slices.Reverse(sorted)
	}
	if keep > len(sorted) {
		keep = len(sorted)
	}
	kept := sorted[:keep]

	sum := 0
	for _, value := range kept {
		sum += value
	}
	sum *= sign

	for _, value := range rolls {
		outcome.Rolls = append(outcome.Rolls, value*sign)
	}

	detail := TermDetail{
		Term:  signedTerm(sign, body),
		Rolls: rolls,
		Kept:  kept,
		Sum:   sum,
	}
	return detail, nil
}

func evaluateLiteral(term string, body string, sign int) (TermDetail, error) {
	value, err := strconv.Atoi(body)
	if err != nil {
		return TermDetail{}, fmt.Errorf("%w: %q", ErrInvalidTerm, term)
	}
	if value < 0 {
		value = -value
	}
	return TermDetail{
		Term: signedTerm(sign, strconv.Itoa(value)),
		Sum:  value * sign,
	}, nil
}

func signedTerm(sign int, body string) string {
	if sign == -1 {
		return "-" + body
	}
	return body
}
