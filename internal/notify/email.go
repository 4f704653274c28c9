// Package notify emails lifecycle transitions to the pipeline owners.
package notify

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nadmax/pipetune/internal/lifecycle"
	"github.com/nadmax/pipetune/internal/optimization"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

type Sender interface {
	Send(email *mail.SGMailV3) (*rest.Response, error)
}

type Config struct {
	APIKey      string   `yaml:"api_key"`
	FromName    string   `yaml:"from_name"`
	FromAddress string   `yaml:"from_address"`
	Recipients  []string `yaml:"recipients"`
	QueueSize   int      `yaml:"queue_size"`
}

func (c Config) Enabled() bool {
	return c.APIKey != "" && c.FromAddress != "" && len(c.Recipients) > 0
}

// EmailNotifier sends one email per transition from a background goroutine.
// Notify never blocks; events are dropped when the queue is full.
type EmailNotifier struct {
	sender     Sender
	from       *mail.Email
	recipients []string
	logger     *zap.Logger

	mu     sync.Mutex
	closed bool
	queue  chan lifecycle.Event
	done   chan struct{}
}

func NewEmailNotifier(cfg Config, sender Sender, logger *zap.Logger) *EmailNotifier {
	if sender == nil {
		sender = sendgrid.NewSendClient(cfg.APIKey)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}

	n := &EmailNotifier{
		sender:     sender,
		from:       mail.NewEmail(cfg.FromName, cfg.FromAddress),
		recipients: cfg.Recipients,
		logger:     logger,
		queue:      make(chan lifecycle.Event, size),
		done:       make(chan struct{}),
	}
	go n.loop()
	return n
}

var _ lifecycle.Listener = (*EmailNotifier)(nil)

// Notify queues e without blocking. Events arriving after Close are dropped.
func (n *EmailNotifier) Notify(e lifecycle.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		n.logger.Debug("notifier closed, dropping event",
			zap.String("pipeline", e.PipelineID),
			zap.String("status", string(e.Status)))
		return
	}
	select {
	case n.queue <- e:
	default:
		n.logger.Warn("notification queue full, dropping event",
			zap.String("pipeline", e.PipelineID),
			zap.String("status", string(e.Status)))
	}
}

func (n *EmailNotifier) loop() {
	defer close(n.done)
	for e := range n.queue {
		for _, to := range n.recipients {
			if err := n.send(to, e); err != nil {
				n.logger.Error("failed to send notification", zap.String("to", to), zap.Error(err))
				continue
			}
			n.logger.Info("notification sent", zap.String("to", to), zap.String("pipeline", e.PipelineID))
		}
	}
}

func (n *EmailNotifier) send(to string, e lifecycle.Event) error {
	subject, body := Compose(e)
	email := mail.NewSingleEmail(n.from, subject, mail.NewEmail("", to), body, "")

	response, err := n.sender.Send(email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}
	return nil
}

// Close drains the queue and waits for pending sends.
func (n *EmailNotifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	<-n.done
}

// Compose renders the subject and plain-text body for an event.
func Compose(e lifecycle.Event) (subject, body string) {
	c := e.Candidate
	if c == nil {
		c = &optimization.Candidate{}
	}

	verb := "applied"
	if e.Status == optimization.StatusRejected {
		verb = "rejected"
	}
	subject = fmt.Sprintf("[pipetune] %s: optimization %s", e.PipelineID, verb)

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s) was %s at %s.\n\n", c.Title, c.Type, verb, e.At.UTC().Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "Confidence: %.0f%%\n", c.Confidence)
	fmt.Fprintf(&b, "Projected duration: %.0fs (currently %.0fs)\n",
		c.ProjectedMetrics.AvgDurationSeconds, c.CurrentMetrics.AvgDurationSeconds)
	fmt.Fprintf(&b, "Projected success rate: %.1f%% (currently %.1f%%)\n",
		c.ProjectedMetrics.SuccessRatePct, c.CurrentMetrics.SuccessRatePct)
	if e.Status == optimization.StatusApplied && len(c.ImplementationSteps) > 0 {
		b.WriteString("\nSteps:\n")
		for i, s := range c.ImplementationSteps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
	}
	return subject, b.String()
}
