package orchestrator

import "strings"

// filterDecision is the gate stage's internal verdict before it's
// folded into a Result.
type filterDecision struct {
	shouldReply  bool
	reason       FilterReason
	shortcutText string // non-empty when a shortcut reply is already decided
}

// gate is the filter stage: lone-sticker shortcut, group mention
// requirement, else proceed.
func (o *Orchestrator) gate(in Input) filterDecision {
	// A proactive run has no inbound message to filter: the scheduler
	// already decided the bot should speak, so the gate passes it
	// straight through, including group sessions, which have no
	// mention to require.
	if in.IsProactive {
		return filterDecision{shouldReply: true, reason: ReasonProactive}
	}

	combinedText := strings.TrimSpace(strings.Join(in.Texts, "\n"))

	if isLoneSticker(in) && len([]rune(combinedText)) < 2 {
		if o.randFloat64() < 0.6 {
			return filterDecision{shouldReply: true, reason: ReasonShortcutSticker, shortcutText: o.pickStickerReply(in)}
		}
		return filterDecision{shouldReply: false, reason: ReasonShortcutSilent}
	}

	if in.IsGroup && !in.IsMentioned {
		return filterDecision{shouldReply: false, reason: ReasonGroupNotMentioned}
	}

	return filterDecision{shouldReply: true, reason: ReasonProceed}
}

// isLoneSticker mirrors wire.InboundEvent.IsLoneSticker but operates
// on the orchestrator's own Input shape, since Input is assembled
// from a whole debounced batch rather than one wire event.
func isLoneSticker(in Input) bool {
	return len(in.ImageURLs) == 1 && in.ImageURLs[0].StickerHint
}

// pickStickerReply returns a stored-emoji reference when one is
// configured for this user, or a default emoji glyph otherwise.
func (o *Orchestrator) pickStickerReply(in Input) string {
	if o.stickerPicker != nil {
		if stored := o.stickerPicker(in.SenderID); stored != "" {
			return stored
		}
	}
	return defaultEmoji[o.randIntn(len(defaultEmoji))]
}

var defaultEmoji = []string{"🐶", "🐱", "💖", "💕", "💝", "🤗", "👻", "👽"}
