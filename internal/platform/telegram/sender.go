package telegram

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

const textLimit = 4000

// Sender posts plain text through a bot token without polling.
// It backs the operator log channel.
type Sender struct {
	bot *tele.Bot
}

func NewSender(token string) (*Sender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b}, nil
}

// SendText splits long text on line boundaries and sends the parts in order.
func (s *Sender) SendText(ctx context.Context, chatID int64, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, part := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.bot.Send(chat, part, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}); err != nil {
			return classify("notify", err)
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring the last
// newline in the second half of a window.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/2; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
	}
	return out
}
