package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/docpackd/internal/logfields"
)

// RefreshNotification is the payload published by forges or CI hooks to
// request an out-of-cycle evaluation of a single branch.
type RefreshNotification struct {
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
}

// NotifyListener subscribes to refresh notifications on NATS and feeds them
// into the watcher. Evaluation semantics are identical to a scheduled cycle:
// frozen and active-build rules apply unchanged.
type NotifyListener struct {
	watcher *Watcher
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	logger  *slog.Logger
}

// NewNotifyListener connects to NATS. subject is the prefix; the listener
// subscribes to subject.> so per-branch subjects all arrive here.
func NewNotifyListener(w *Watcher, url, subject string) (*NotifyListener, error) {
	conn, err := nats.Connect(url, nats.Name("docpackd-watcher"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NotifyListener{
		watcher: w,
		conn:    conn,
		subject: subject,
		logger:  slog.Default(),
	}, nil
}

// Start begins consuming notifications until Stop is called.
func (l *NotifyListener) Start(ctx context.Context) error {
	sub, err := l.conn.Subscribe(l.subject+".>", func(msg *nats.Msg) {
		var notif RefreshNotification
		if err := json.Unmarshal(msg.Data, &notif); err != nil {
			l.logger.Warn("Malformed refresh notification", logfields.Error(err))
			return
		}
		if notif.Repository == "" || notif.Branch == "" {
			l.logger.Warn("Refresh notification missing repository or branch")
			return
		}
		l.logger.Info("Refresh notification received",
			logfields.Repository(notif.Repository),
			logfields.Branch(notif.Branch))
		l.watcher.Evaluate(ctx, notif.Repository, notif.Branch)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.subject, err)
	}
	l.sub = sub
	l.logger.Info("Listening for refresh notifications", slog.String("subject", l.subject+".>"))
	return nil
}

// Stop drains the subscription and closes the connection.
func (l *NotifyListener) Stop() {
	if l.sub != nil {
		_ = l.sub.Drain()
	}
	l.conn.Close()
}
