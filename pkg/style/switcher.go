package style

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/birddigital/voice-relay/pkg/relay"
)

// PromptSet maps a tag to the guidance appended to the base instructions.
type PromptSet struct {
	Base   string
	Styles map[Tag]string
}

// DefaultStyles is the guidance used when a PromptSet has no Styles.
var DefaultStyles = map[Tag]string{
	Neutral:    "",
	Empathetic: "The caller sounds upset. Speak gently, acknowledge how they feel, and slow down.",
	Calm:       "The caller is frustrated. Stay calm and even, do not argue, and focus on a concrete next step.",
	Upbeat:     "The caller is in a good mood. Match their energy with a warm, upbeat tone.",
	Concise:    "The caller is in a hurry. Keep every answer to one or two short sentences.",
}

// Instructions renders the full instruction text for tag.
func (p PromptSet) Instructions(tag Tag) string {
	styles := p.Styles
	if styles == nil {
		styles = DefaultStyles
	}
	extra := strings.TrimSpace(styles[tag])
	base := strings.TrimSpace(p.Base)
	switch {
	case extra == "":
		return base
	case base == "":
		return extra
	default:
		return base + "\n\n" + extra
	}
}

// SessionUpdater is the part of a relay engine the Switcher drives.
type SessionUpdater interface {
	SessionConfig() relay.SessionConfig
	UpdateSession(ctx context.Context, cfg relay.SessionConfig) error
}

// Switcher reclassifies each completed caller transcript and pushes new
// instructions to the backend when the style changes.
type Switcher struct {
	classifier Classifier
	prompts    PromptSet
	logger     *zap.Logger

	mu      sync.Mutex
	target  SessionUpdater
	current Tag
}

func NewSwitcher(classifier Classifier, prompts PromptSet, logger *zap.Logger) *Switcher {
	if classifier == nil {
		classifier = NewKeywordClassifier(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Switcher{
		classifier: classifier,
		prompts:    prompts,
		logger:     logger.Named("style"),
		current:    Neutral,
	}
}

// Attach sets the engine whose session is updated.
func (s *Switcher) Attach(target SessionUpdater) {
	s.mu.Lock()
	s.target = target
	s.mu.Unlock()
}

// Current returns the style in effect.
func (s *Switcher) Current() Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// OnTranscript has the signature of relay.Hooks.OnTranscript.
func (s *Switcher) OnTranscript(ctx context.Context, itemID, text string) {
	tag := s.classifier.Classify(text)

	s.mu.Lock()
	target := s.target
	if target == nil || tag == s.current {
		s.mu.Unlock()
		return
	}
	previous := s.current
	s.current = tag
	s.mu.Unlock()

	cfg := target.SessionConfig()
	cfg.Instructions = s.prompts.Instructions(tag)
	if err := target.UpdateSession(ctx, cfg); err != nil {
		s.logger.Warn("failed to switch style",
			zap.String("item_id", itemID),
			zap.String("style", string(tag)),
			zap.Error(err),
		)
		s.mu.Lock()
		if s.current == tag {
			s.current = previous
		}
		s.mu.Unlock()
		return
	}

	s.logger.Info("style switched",
		zap.String("item_id", itemID),
		zap.String("from", string(previous)),
		zap.String("to", string(tag)),
	)
}
