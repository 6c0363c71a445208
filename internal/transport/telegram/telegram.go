// Package telegram delivers messages to a Telegram chat through the Bot API.
//
// The bot is send-only: it never polls for updates.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"cellwatch/internal/transport"
	logx "cellwatch/pkg/logx"
)

// TextLimit is the largest chunk sent in one message (the API caps at 4096).
const TextLimit = 4000

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL    string
	ParseMode string // empty sends plain text
	Timeout   time.Duration
}

type Sender struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger
}

var _ transport.Sender = (*Sender)(nil)

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram: chat_id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Sender{cfg: cfg, bot: b, log: log.With(logx.String("comp", "telegram"))}, nil
}

func (s *Sender) Name() string { return "telegram" }

// Send posts m.Text, split into several messages when it exceeds TextLimit.
// It stops at the first failed chunk.
func (s *Sender) Send(ctx context.Context, m transport.Message) error {
	chat := &tele.Chat{ID: s.cfg.ChatID}
	opts := &tele.SendOptions{
		ParseMode:             tele.ParseMode(s.cfg.ParseMode),
		DisableWebPagePreview: true,
		ThreadID:              s.cfg.ThreadID,
	}
	chunks := SplitText(m.Text, TextLimit)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.bot.Send(chat, chunk, opts); err != nil {
			if isAPIError(err) {
				err = fmt.Errorf("%w: %v", transport.ErrRejected, err)
			}
			if i > 0 {
				s.log.Debug("partial telegram send", logx.Int("sent_chunks", i), logx.Int("chunks", len(chunks)))
			}
			return fmt.Errorf("telegram: send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// isAPIError reports whether the Bot API answered with an error, as opposed to
// the request never completing.
func isAPIError(err error) bool {
	var apiErr *tele.Error
	var flood tele.FloodError
	if errors.As(err, &apiErr) || errors.As(err, &flood) {
		return true
	}
	return strings.HasPrefix(err.Error(), "telegram: ")
}

// SplitText cuts s into chunks of at most limit runes, preferring line breaks
// that leave chunks at least a third full.
func SplitText(s string, limit int) []string {
	if limit <= 0 {
		limit = TextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
