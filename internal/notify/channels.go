package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"callscore/internal/apperr"
	"callscore/internal/calls"

	"github.com/google/uuid"
)

// Console writes messages to the structured log.
type Console struct {
	log *slog.Logger
}

func NewConsole(log *slog.Logger) *Console {
	if log == nil {
		log = slog.Default()
	}
	return &Console{log: log}
}

func (c *Console) Name() calls.Channel { return calls.ChannelConsole }
func (c *Console) Configured() bool    { return true }

func (c *Console) Send(_ context.Context, msg Message) (Receipt, error) {
	id := "console-" + uuid.NewString()
	c.log.Info("notification", "vendor_id", id, "type", msg.Type, "call_id", msg.CallID, "title", msg.Title, "text", msg.Text)
	return Receipt{VendorID: id}, nil
}

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// To is the default recipient list.
	To []string
}

// Email sends plain-text mail over SMTP with PLAIN auth when a username is set.
type Email struct {
	cfg  EmailConfig
	log  *slog.Logger
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmail(cfg EmailConfig, log *slog.Logger) *Email {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if log == nil {
		log = slog.Default()
	}
	return &Email{cfg: cfg, log: log, send: smtp.SendMail}
}

func (e *Email) Name() calls.Channel { return calls.ChannelEmail }
func (e *Email) Configured() bool    { return e.cfg.Host != "" }

func (e *Email) Send(ctx context.Context, msg Message) (Receipt, error) {
	to := e.cfg.To
	if msg.Email != "" {
		to = []string{msg.Email}
	}
	if !e.Configured() || len(to) == 0 {
		e.log.Info("email mock send", "type", msg.Type, "to", strings.Join(to, ","), "title", msg.Title)
		return Receipt{VendorID: "mock-" + uuid.NewString(), Mock: true}, nil
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, apperr.Retryable("email send cancelled", err)
	}

	id := fmt.Sprintf("<%s@callscore>", uuid.NewString())
	subject := msg.Title
	if subject == "" {
		subject = string(msg.Type)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", id)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Text, "\n", "\r\n"))

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	if err := e.send(addr, auth, e.cfg.From, to, []byte(b.String())); err != nil {
		return Receipt{}, apperr.Retryable("smtp send failed", err).WithDetail("provider", "email")
	}
	return Receipt{VendorID: id}, nil
}

// NullChannel records messages in memory. Tests use it in place of real
// channels so the router runs its production path.
type NullChannel struct {
	name calls.Channel

	mu   sync.Mutex
	sent []Message
	// Err, when set, fails every send.
	Err error
}

func NewNullChannel(name calls.Channel) *NullChannel {
	return &NullChannel{name: name}
}

func (n *NullChannel) Name() calls.Channel { return n.name }
func (n *NullChannel) Configured() bool    { return true }

func (n *NullChannel) Send(_ context.Context, msg Message) (Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return Receipt{}, n.Err
	}
	n.sent = append(n.sent, msg)
	return Receipt{VendorID: fmt.Sprintf("null-%d", len(n.sent))}, nil
}

// SetErr swaps the failure under lock.
func (n *NullChannel) SetErr(err error) {
	n.mu.Lock()
	n.Err = err
	n.mu.Unlock()
}

// Sent returns a copy of the delivered messages.
func (n *NullChannel) Sent() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Message(nil), n.sent...)
}
