package live

import (
	"strings"

	"github.com/ashureev/livelink/internal/domain"
)

// turnTracker accumulates the text of the turn in progress. It is owned by
// the event pump and never shared.
type turnTracker struct {
	user      strings.Builder
	assistant strings.Builder
	report    strings.Builder

	speaking    bool
	interrupted bool
}

// addUser records a typed user message.
func (t *turnTracker) addUser(text string) {
	appendChunk(&t.user, text)
}

// addUserTranscript records transcribed user speech.
func (t *turnTracker) addUserTranscript(text string) {
	t.user.WriteString(text)
}

func (t *turnTracker) addAssistant(text string) {
	t.assistant.WriteString(text)
}

func (t *turnTracker) addReport(text string) {
	t.report.WriteString(text)
}

// complete returns the finished turn and starts a new one.
func (t *turnTracker) complete() domain.Turn {
	turn := domain.Turn{
		UserText:      strings.TrimSpace(t.user.String()),
		AssistantText: strings.TrimSpace(t.assistant.String()),
		Report:        strings.TrimSpace(t.report.String()),
	}
	t.reset()
	return turn
}

// reset discards the unconfirmed turn.
func (t *turnTracker) reset() {
	t.user.Reset()
	t.assistant.Reset()
	t.report.Reset()
	t.speaking = false
	t.interrupted = false
}

// appendChunk joins separate user inputs with a space.
func appendChunk(b *strings.Builder, text string) {
	if b.Len() > 0 && !strings.HasPrefix(text, " ") && !strings.HasSuffix(b.String(), " ") {
		b.WriteByte(' ')
	}
	b.WriteString(text)
}

// conversationTitle derives a title from the first user text of a conversation.
func conversationTitle(turn domain.Turn, fallback string) string {
	title := strings.Join(strings.Fields(turn.UserText), " ")
	if title == "" {
		return fallback
	}
	const maxRunes = 60
	if r := []rune(title); len(r) > maxRunes {
		title = strings.TrimSpace(string(r[:maxRunes])) + "…"
	}
	return title
}
