// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

// Package sync2 provides a controllable recurring task, used for background
// refresh loops.
package sync2

import (
	"context"
	"time"
)

// Cycle implements a recurring event with support for manual triggering and
// early shutdown. The function runs once immediately when Run is called.
type Cycle struct {
	interval time.Duration

	ticker  *time.Ticker
	control chan interface{}
	quit    chan struct{}
}

type (
	cycleStop    struct{}
	cycleTrigger struct {
		done chan struct{}
	}
)

// NewCycle creates a cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	return &Cycle{interval: interval}
}

// SetInterval changes the interval. Only valid before Run.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	cycle.interval = interval
}

func (cycle *Cycle) sendControl(message interface{}) {
	select {
	case cycle.control <- message:
	case <-cycle.quit:
	}
}

// Run calls fn immediately, then every interval, until fn errors, Stop is
// called, or ctx is canceled.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cycle.quit = make(chan struct{})
	defer close(cycle.quit)

	cycle.ticker = time.NewTicker(cycle.interval)
	defer cycle.ticker.Stop()
	cycle.control = make(chan interface{})

	if err := fn(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-cycle.ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}

		case message := <-cycle.control:
			switch message := message.(type) {
			case cycleStop:
				return nil

			case cycleTrigger:
				if err := fn(ctx); err != nil {
					return err
				}
				if message.done != nil {
					close(message.done)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop stops the cycle permanently.
func (cycle *Cycle) Stop() {
	cycle.sendControl(cycleStop{})
}

// Trigger runs the function out of schedule without waiting for completion.
func (cycle *Cycle) Trigger() {
	cycle.sendControl(cycleTrigger{})
}

// TriggerWait runs the function out of schedule and waits for it to finish.
func (cycle *Cycle) TriggerWait() {
	done := make(chan struct{})
	cycle.sendControl(cycleTrigger{done})
	select {
	case <-done:
	case <-cycle.quit:
	}
}
