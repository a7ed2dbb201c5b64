package mailer

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Message is one outgoing email to a single address.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Sender delivers a message. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// ErrEmptyRecipient is returned for a message without an address.
var ErrEmptyRecipient = errors.New("recipient address is empty")

// Render replaces every {{key}} in text with vars[key]. Unknown placeholders are left as they are.
func Render(text string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// Logger is the subset of logrus used by the senders.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// LogSender only logs messages. It is used when no provider key is configured.
type LogSender struct {
	logger Logger
}

func NewLogSender(logger Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrEmptyRecipient
	}
	s.logger.Infof("Dry run email to %s: %q", msg.To, msg.Subject)
	return nil
}
