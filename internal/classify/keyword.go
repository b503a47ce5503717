package classify

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/TobiSchelling/phasestat/internal/config"
	"github.com/TobiSchelling/phasestat/internal/phase"
)

// KeywordOptions controls how the keyword classifier resolves ties and
// texts with no marker.
type KeywordOptions struct {
	// TieBreak is config.TieBreakUnclassified or config.TieBreakPrecedence.
	TieBreak string
	// Order is the precedence order. Defaults to phase.All().
	Order []phase.Category
	// Fallback labels zero-marker texts. Defaults to phase.Unclassified.
	Fallback phase.Category
	// PhraseGap is how many words may separate the words of a multi-word
	// marker.
	PhraseGap int
}

// KeywordMarkerClassifier scores each phase by the number of its distinct
// markers found in the lowercased text. The strictly highest score wins.
type KeywordMarkerClassifier struct {
	markers map[phase.Category][]marker
	opts    KeywordOptions
}

type marker struct {
	text  string
	words []string
}

// NewKeywordMarkerClassifier builds a classifier from marker lists keyed
// by phase.
func NewKeywordMarkerClassifier(markers map[phase.Category][]string, opts KeywordOptions) (*KeywordMarkerClassifier, error) {
	if len(opts.Order) == 0 {
		opts.Order = phase.All()
	}
	if opts.Fallback == "" {
		opts.Fallback = phase.Unclassified
	}
	if opts.TieBreak == "" {
		opts.TieBreak = config.TieBreakUnclassified
	}
	if opts.TieBreak != config.TieBreakUnclassified && opts.TieBreak != config.TieBreakPrecedence {
		return nil, fmt.Errorf("unknown tie-break rule %q", opts.TieBreak)
	}
	if !opts.Fallback.Valid() && opts.Fallback != phase.Unclassified {
		return nil, fmt.Errorf("invalid fallback %q", opts.Fallback)
	}

	k := &KeywordMarkerClassifier{markers: make(map[phase.Category][]marker), opts: opts}
	total := 0
	for cat, list := range markers {
		if !cat.Valid() {
			return nil, fmt.Errorf("markers for unknown phase %q", cat)
		}
		seen := make(map[string]bool)
		for _, m := range list {
			m = strings.ToLower(strings.TrimSpace(m))
			if m == "" || seen[m] {
				continue
			}
			seen[m] = true
			k.markers[cat] = append(k.markers[cat], marker{text: m, words: strings.Fields(m)})
			total++
		}
	}
	if total == 0 {
		return nil, fmt.Errorf("no markers configured")
	}
	return k, nil
}

// KeywordFromConfig builds a keyword classifier from the classifier
// config section.
func KeywordFromConfig(cl config.Classifier) (*KeywordMarkerClassifier, error) {
	markers, err := cl.MarkerSet()
	if err != nil {
		return nil, err
	}
	order, err := cl.Precedence()
	if err != nil {
		return nil, err
	}
	fallback, err := phase.Parse(cl.Fallback)
	if err != nil {
		return nil, err
	}
	return NewKeywordMarkerClassifier(markers, KeywordOptions{
		TieBreak:  cl.TieBreak,
		Order:     order,
		Fallback:  fallback,
		PhraseGap: cl.PhraseGap,
	})
}

func (k *KeywordMarkerClassifier) Name() string { return config.StrategyKeyword }

// Classify labels text. It never fails except on empty input.
func (k *KeywordMarkerClassifier) Classify(_ context.Context, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyText
	}

	lower := strings.ToLower(text)
	tokens := tokenize(lower)

	res := Result{Scores: make(map[phase.Category]float64, len(k.opts.Order))}
	best := 0.0
	for _, cat := range k.opts.Order {
		score := 0.0
		for _, m := range k.markers[cat] {
			if k.matches(lower, tokens, m) {
				score++
				res.Matched = append(res.Matched, m.text)
			}
		}
		res.Scores[cat] = score
		if score > best {
			best = score
		}
	}

	if best == 0 {
		res.Category = k.opts.Fallback
		res.Fallback = true
		res.Reason = "no marker matched"
		return res, nil
	}

	var tied []phase.Category
	for _, cat := range k.opts.Order {
		if res.Scores[cat] == best {
			tied = append(tied, cat)
		}
	}
	if len(tied) == 1 || k.opts.TieBreak == config.TieBreakPrecedence {
		res.Category = tied[0]
		if len(tied) > 1 {
			res.Reason = "tie broken by precedence: " + joinCategories(tied)
		}
		return res, nil
	}

	res.Category = phase.Unclassified
	res.Reason = "tie: " + joinCategories(tied)
	return res, nil
}

// matches reports whether m occurs in the text. Any marker matches as a
// substring. A multi-word marker also matches when its words appear in
// order with at most PhraseGap words between neighbors, each word as a
// token prefix.
func (k *KeywordMarkerClassifier) matches(lower string, tokens []string, m marker) bool {
	if strings.Contains(lower, m.text) {
		return true
	}
	if len(m.words) < 2 {
		return false
	}
	for start, tok := range tokens {
		if !strings.HasPrefix(tok, m.words[0]) {
			continue
		}
		if matchRest(tokens[start+1:], m.words[1:], k.opts.PhraseGap) {
			return true
		}
	}
	return false
}

func matchRest(tokens, words []string, gap int) bool {
	if len(words) == 0 {
		return true
	}
	for i := 0; i < len(tokens) && i <= gap; i++ {
		if strings.HasPrefix(tokens[i], words[0]) && matchRest(tokens[i+1:], words[1:], gap) {
			return true
		}
	}
	return false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func joinCategories(cats []phase.Category) string {
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}
