// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

// Package testcontext provides a context for tests that tracks goroutines and
// temporary directories.
package testcontext

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 3 * time.Minute

// Context extends context.Context with a goroutine group and temp dirs.
type Context struct {
	context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	test   testing.TB

	once      sync.Once
	directory string
}

// New creates a new test context with a default timeout.
func New(test testing.TB) *Context {
	parent, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	group, ctx := errgroup.WithContext(parent)
	return &Context{
		Context: ctx,
		cancel:  cancel,
		group:   group,
		test:    test,
	}
}

// Go runs fn in a goroutine tracked by the context.
func (ctx *Context) Go(fn func() error) {
	ctx.test.Helper()
	ctx.group.Go(fn)
}

// Check calls fn and fails the test on error.
func (ctx *Context) Check(fn func() error) {
	ctx.test.Helper()
	if err := fn(); err != nil {
		ctx.test.Fatal(err)
	}
}

// Dir returns a directory path inside a per-test temp dir.
func (ctx *Context) Dir(subs ...string) string {
	ctx.test.Helper()

	ctx.once.Do(func() {
		var err error
		ctx.directory, err = os.MkdirTemp("", ctx.test.Name())
		if err != nil {
			ctx.test.Fatal(err)
		}
	})

	dir := filepath.Join(append([]string{ctx.directory}, subs...)...)
	if err := os.MkdirAll(dir, 0744); err != nil {
		ctx.test.Fatal(err)
	}
	return dir
}

// File returns a file path inside a per-test temp dir.
func (ctx *Context) File(subs ...string) string {
	ctx.test.Helper()

	if len(subs) == 0 {
		ctx.test.Fatal("expected at least one argument")
	}
	dir := ctx.Dir(subs[:len(subs)-1]...)
	return filepath.Join(dir, subs[len(subs)-1])
}

// Cleanup cancels the context, waits for tracked goroutines, and removes
// temporary directories.
func (ctx *Context) Cleanup() {
	ctx.test.Helper()

	ctx.cancel()
	err := ctx.group.Wait()
	if err != nil && err != context.Canceled {
		ctx.test.Fatal(err)
	}
	if ctx.directory != "" {
		if err := os.RemoveAll(ctx.directory); err != nil {
			ctx.test.Fatal(err)
		}
	}
}
