// Package bot maps inbound chat messages to commands and runs them. The
// /excel command drives the fetch, build and deliver pipeline and reports
// every outcome back to the chat.
package bot

import "github.com/hemis-audit/hemis-bot/internal/telegram"

// Kind is the command an inbound message was classified as.
type Kind int

const (
	KindUnknown Kind = iota
	KindStart
	KindHelp
	KindFetchReport
)

// String returns the label used for metrics and audit entries.
func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindHelp:
		return "help"
	case KindFetchReport:
		return "excel"
	default:
		return "unknown"
	}
}

// Classify matches text exactly against the supported commands. Case,
// surrounding whitespace and "@botname" suffixes are not normalised.
func Classify(text string) Kind {
	switch text {
	case "/start":
		return KindStart
	case "/help":
		return KindHelp
	case "/excel":
		return KindFetchReport
	default:
		return KindUnknown
	}
}

// Command is a classified message together with what is needed to reply.
type Command struct {
	Kind     Kind
	Text     string
	ChatID   int64
	UserName string
}

// NewCommand classifies msg.
func NewCommand(msg *telegram.Message) Command {
	return Command{
		Kind:     Classify(msg.Text),
		Text:     msg.Text,
		ChatID:   msg.ChatID,
		UserName: msg.FirstName,
	}
}
