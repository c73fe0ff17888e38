// Package notify delivers completion notices to applicants. Delivery is best
// effort: callers hand a notification to a Notifier and never see the
// outcome of the remote delivery as their own failure.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"reviewline/internal/domain"
)

// Notifier delivers one notification.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, domain.Notification) error { return nil }

// Multi fans a notification out to every notifier concurrently and joins
// their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n domain.Notification) error {
	errs := make([]error, len(m))
	var g errgroup.Group
	for i, target := range m {
		g.Go(func() error {
			errs[i] = target.Notify(ctx, n)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ReviewCompleted builds the notice sent to an applicant once their
// submission has been reviewed.
func ReviewCompleted(sub domain.Submission, feedback []string) domain.Notification {
	name := strings.TrimSpace(sub.Name)
	if name == "" {
		name = "there"
	}
	return domain.Notification{
		Recipient: sub.Email,
		Subject:   "Your CV has been reviewed",
		Body:      fmt.Sprintf("Hi %s,\n\nYour CV has been reviewed. Feedback:\n\n%s", name, strings.Join(feedback, "\n")),
	}
}
