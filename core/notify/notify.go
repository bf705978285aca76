// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package notify publishes configuration change events and distributes model cache invalidations
// between replicas.
package notify

import (
	"context"
	"errors"
)

// EventType is the type of a change event
type EventType string

// all event types
const (
	EventConfigReplaced   EventType = "config.replaced"
	EventPackageInstalled EventType = "package.installed"
)

// Event describes a configuration change
type Event struct {
	Type      EventType `json:"type"`
	PackageID string    `json:"package_id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Version   int64     `json:"version"`
}

// Notifier receives configuration change events
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Nop is a notifier that drops every event
type Nop struct{}

// Notify does nothing
func (Nop) Notify(ctx context.Context, event Event) error {
	return nil
}

// Multi forwards events to all its notifiers
type Multi []Notifier

// Notify forwards the event to all notifiers and returns their joined errors
func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps all events in memory
type Recorder struct {
	Events []Event
}

// Notify records the event
func (r *Recorder) Notify(ctx context.Context, event Event) error {
	r.Events = append(r.Events, event)
	return nil
}
