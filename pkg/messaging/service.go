// Package messaging routes outbound agent messages to group or direct
// addresses and fans out out-of-band notifications. Sends are raced
// against a short timeout so a disconnected bridge cannot hang a
// cycle.
package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perchd/perch/pkg/models"
)

// Category buckets outbound messages by audience.
type Category string

const (
	CategoryAlerts   Category = "alerts"
	CategoryHattrick Category = "hattrick"
	CategoryDaily    Category = "daily"
)

// SendTimeout bounds one outbound send attempt.
const SendTimeout = 15 * time.Second

// notifyConcurrency bounds parallel sink fan-out.
const notifyConcurrency = 3

// Sender posts one message to an address. The bridge client is the
// production implementation.
type Sender interface {
	Send(ctx context.Context, address, text string) error
}

// Notifier is an out-of-band alert sink (Telegram in production).
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Service routes messages and owns the category-to-address map.
type Service struct {
	sender    Sender
	groups    map[Category]string
	direct    string // user's direct address, fallback for unmapped categories
	notifiers []Notifier
	logger    *slog.Logger
}

func NewService(sender Sender, groups map[Category]string, direct string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if groups == nil {
		groups = map[Category]string{}
	}
	return &Service{
		sender: sender,
		groups: groups,
		direct: direct,
		logger: logger.With("component", "messaging"),
	}
}

// AddNotifier registers an out-of-band sink. Startup only.
func (s *Service) AddNotifier(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

// SendToGroup delivers text to the category's group address, falling
// back to the user's direct address. Returns false on failure so
// callers can count delivery engagement without unwinding the cycle.
func (s *Service) SendToGroup(ctx context.Context, category Category, text string) bool {
	address, ok := s.groups[category]
	if !ok || address == "" {
		address = s.direct
	}
	if address == "" {
		s.logger.Warn("No address for outbound message", "category", category)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, SendTimeout)
	defer cancel()
	if err := s.sender.Send(ctx, address, text); err != nil {
		s.logger.Error("Outbound send failed",
			"category", category, "address", address, "error", err)
		return false
	}
	return true
}

// Notify fans text out to every registered sink with bounded
// parallelism. Individual sink failures are logged, not returned:
// notifications are best-effort by contract.
func (s *Service) Notify(ctx context.Context, text string) {
	if len(s.notifiers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, SendTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(notifyConcurrency)
	for _, n := range s.notifiers {
		n := n
		g.Go(func() error {
			if err := n.Notify(ctx, text); err != nil {
				s.logger.Error("Notification sink failed", "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// CategoryFor infers the outbound category from the picked signals: a
// signal whose module (data.module or the type's first underscore
// segment) names a configured group wins; otherwise daily.
func (s *Service) CategoryFor(signals []models.Signal) Category {
	for _, sig := range signals {
		if module := signalModule(sig); module != "" {
			cat := Category(module)
			if _, ok := s.groups[cat]; ok {
				return cat
			}
		}
	}
	return CategoryDaily
}

func signalModule(sig models.Signal) string {
	if m, ok := sig.Data[models.DataModule].(string); ok && m != "" {
		return m
	}
	if i := strings.IndexByte(sig.Type, '_'); i > 0 {
		return sig.Type[:i]
	}
	return ""
}
