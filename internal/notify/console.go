package notify

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/mattn/go-isatty"
)

// Console is the operator-facing delivery surface. Delivery is write line
// then explicit submit; repeating an identical line is cosmetically noisy
// but harmless.
type Console interface {
	WriteLine(text string) error
	Submit() error
}

// StdoutConsole writes lines to standard output, buffering until Submit.
type StdoutConsole struct {
	mu     sync.Mutex
	out    io.Writer
	buf    []string
	prefix string
}

// NewStdoutConsole creates a console on standard output. When stdout is a
// terminal, lines carry a bell prefix so the operator notices them among
// log output.
func NewStdoutConsole() *StdoutConsole {
	prefix := ""
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		prefix = "\a"
	}
	return &StdoutConsole{out: os.Stdout, prefix: prefix}
}

func (c *StdoutConsole) WriteLine(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, text)
	return nil
}

func (c *StdoutConsole) Submit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) == 0 {
		return nil
	}
	for _, line := range c.buf {
		if _, err := fmt.Fprintln(c.out, c.prefix+line); err != nil {
			return fmt.Errorf("console write: %w", err)
		}
	}
	c.buf = c.buf[:0]
	return nil
}

// TelegramConsole delivers buffered lines as a single Telegram message per
// submit.
type TelegramConsole struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger

	mu  sync.Mutex
	buf []string
}

// NewTelegramConsole connects the bot and returns a console targeting the
// given chat.
func NewTelegramConsole(token string, chatID int64, logger *slog.Logger) (*TelegramConsole, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram console connected", "user", bot.Self.UserName)
	return &TelegramConsole{bot: bot, chatID: chatID, logger: logger}, nil
}

func (c *TelegramConsole) WriteLine(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, text)
	return nil
}

func (c *TelegramConsole) Submit() error {
	c.mu.Lock()
	lines := c.buf
	c.buf = nil
	c.mu.Unlock()
	if len(lines) == 0 {
		return nil
	}
	msg := tgbotapi.NewMessage(c.chatID, strings.Join(lines, "\n"))
	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
