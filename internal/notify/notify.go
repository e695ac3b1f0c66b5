// Package notify routes notifications to delivery channels by target prefix.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"deal_notifier/internal/model"
)

// ErrNoRoute is returned when no notifier accepts a delivery target.
var ErrNoRoute = errors.New("no notifier for target")

// Notifier delivers one notification.
type Notifier interface {
	Send(ctx context.Context, n model.Notification) error
}

type route struct {
	prefix   string
	notifier Notifier
}

// Router sends each notification to the notifier registered for the
// longest matching target prefix, or to the fallback.
type Router struct {
	routes   []route
	fallback Notifier
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{}
}

// Handle registers n for targets starting with prefix.
func (r *Router) Handle(prefix string, n Notifier) *Router {
	r.routes = append(r.routes, route{prefix: prefix, notifier: n})
	return r
}

// Fallback sets the notifier for targets no prefix matches.
func (r *Router) Fallback(n Notifier) *Router {
	r.fallback = n
	return r
}

// Send implements Notifier.
func (r *Router) Send(ctx context.Context, n model.Notification) error {
	var best *route
	for i := range r.routes {
		rt := &r.routes[i]
		if strings.HasPrefix(n.DeliveryTarget, rt.prefix) && (best == nil || len(rt.prefix) > len(best.prefix)) {
			best = rt
		}
	}
	switch {
	case best != nil:
		return best.notifier.Send(ctx, n)
	case r.fallback != nil:
		return r.fallback.Send(ctx, n)
	default:
		return fmt.Errorf("%w %q", ErrNoRoute, n.DeliveryTarget)
	}
}

// Log writes notifications to a logger instead of delivering them.
type Log struct {
	log *slog.Logger
}

// NewLog creates a Log notifier.
func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

// Send implements Notifier.
func (l *Log) Send(ctx context.Context, n model.Notification) error {
	l.log.InfoContext(ctx, "notification",
		"target", n.DeliveryTarget,
		"title", n.Title,
		"link", n.Link,
		"keywords", n.Keywords,
		"mentions", n.Mentions,
	)
	return nil
}
