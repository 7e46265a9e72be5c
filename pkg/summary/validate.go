package summary

import (
	"strings"
	"unicode"

	"sciencebuddy/pkg/domain"
)

// Messages returned when a conversation is too thin to summarize.
const (
	MsgNothingSaid   = "まだ何も話していないようです。あなたの予想や考えを教えてください。"
	MsgNotEnoughSaid = "あなたの考えが伝わりきっていないようです。どういうわけでそう思ったの？何か見たことや経験があれば教えてね。"
)

// InsufficientError reports a conversation that cannot be summarized yet.
type InsufficientError struct {
	Message string
}

func (e *InsufficientError) Error() string { return e.Message }

// Validate checks that the student has said enough to summarize. Two or more
// user turns always pass; a single turn must carry some content.
func Validate(conversation []domain.Turn) error {
	var said []string
	for _, turn := range conversation {
		if turn.Role == domain.RoleUser {
			said = append(said, turn.Content)
		}
	}
	if len(said) == 0 {
		return &InsufficientError{Message: MsgNothingSaid}
	}
	if len(said) == 1 {
		text := strings.TrimSpace(strings.Join(said, " "))
		if len([]rune(text)) < 2 || !HasSubstantiveContent(text) {
			return &InsufficientError{Message: MsgNotEnoughSaid}
		}
	}
	return nil
}

var substantiveKeywords = []string{
	"あった", "あります", "見た", "見ました", "思う", "思います",
	"なった", "になった", "だから", "ため", "ことが", "見", "できた",
	"変わ", "気づ", "観察", "理由", "大きく", "小さく", "温", "冷",
	"なる", "ます", "です", "から", "ので",
}

// HasSubstantiveContent is a loose check that text says something: it contains
// an observation or reasoning keyword, or at least one token of two or more
// word characters.
func HasSubstantiveContent(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	for _, k := range substantiveKeywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	for _, token := range strings.FieldsFunc(text, func(r rune) bool { return !isWordRune(r) }) {
		if len([]rune(token)) >= 2 {
			return true
		}
	}
	return false
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) ||
		unicode.In(r, unicode.Hiragana, unicode.Katakana, unicode.Han)
}
