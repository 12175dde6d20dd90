package style

import "strings"

// Tag names a speaking style the assistant can be switched into.
type Tag string

const (
	Neutral    Tag = "neutral"
	Empathetic Tag = "empathetic"
	Calm       Tag = "calm"
	Upbeat     Tag = "upbeat"
	Concise    Tag = "concise"
)

// Classifier picks a style for a caller utterance.
type Classifier interface {
	Classify(text string) Tag
}

// Bucket is a keyword list that votes for one tag.
type Bucket struct {
	Tag      Tag
	Keywords []string
}

// DefaultBuckets is the built-in keyword table. Earlier buckets win ties.
var DefaultBuckets = []Bucket{
	{Tag: Calm, Keywords: []string{
		"angry", "furious", "ridiculous", "unacceptable", "annoyed", "fed up", "sick of",
		"complaint", "manager", "terrible", "worst", "غاضب", "زعلان", "سيء",
	}},
	{Tag: Empathetic, Keywords: []string{
		"sad", "upset", "worried", "scared", "lost", "sorry", "hurt", "lonely", "stressed",
		"anxious", "passed away", "hospital", "حزين", "قلقان", "خايف",
	}},
	{Tag: Concise, Keywords: []string{
		"hurry", "quick", "quickly", "busy", "in a rush", "short version", "just tell me",
		"bottom line", "no time", "بسرعة", "مستعجل",
	}},
	{Tag: Upbeat, Keywords: []string{
		"great", "awesome", "amazing", "thanks", "thank you", "love", "excited", "wonderful",
		"perfect", "happy", "شكرا", "ممتاز", "رائع",
	}},
}

const keywordScore = 3

// KeywordClassifier scores an utterance against keyword buckets. Each keyword
// found adds to its bucket; the highest bucket wins and no hits means Neutral.
type KeywordClassifier struct {
	buckets []Bucket
}

// NewKeywordClassifier builds a classifier over buckets. Nil uses
// DefaultBuckets.
func NewKeywordClassifier(buckets []Bucket) *KeywordClassifier {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	normalized := make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		words := make([]string, 0, len(b.Keywords))
		for _, w := range b.Keywords {
			w = strings.ToLower(strings.TrimSpace(w))
			if w == "" {
				continue
			}
			words = append(words, w)
		}
		normalized = append(normalized, Bucket{Tag: b.Tag, Keywords: words})
	}
	return &KeywordClassifier{buckets: normalized}
}

func (c *KeywordClassifier) Classify(text string) Tag {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return Neutral
	}

	best := Neutral
	bestScore := 0
	for _, b := range c.buckets {
		score := 0
		for _, word := range b.Keywords {
			if strings.Contains(normalized, word) {
				score += keywordScore
			}
		}
		// a single trailing "!" nudges toward upbeat unless something stronger hit
		if b.Tag == Upbeat && strings.HasSuffix(normalized, "!") {
			score++
		}
		if score > bestScore {
			best, bestScore = b.Tag, score
		}
	}
	return best
}

var _ Classifier = (*KeywordClassifier)(nil)
