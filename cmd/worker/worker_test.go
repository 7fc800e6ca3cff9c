package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/unclebandit/mailleopard-backend/internal/logger"
)

func TestSchedulePurge(t *testing.T) {
	var calls int
	var gotAge time.Duration
	purge := func(_ context.Context, userID *int64, olderThan time.Duration) (int64, error) {
		calls++
		gotAge = olderThan
		if userID != nil {
			t.Errorf("scheduled purge must cover every account")
		}
		return 3, nil
	}

	c := cron.New()
	if err := schedulePurge(c, "0 3 * * *", 30*24*time.Hour, purge, logger.Nop()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries := c.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 scheduled job, got %d", len(entries))
	}
	entries[0].Job.Run()
	if calls != 1 {
		t.Errorf("expected purge to run once, got %d", calls)
	}
	if gotAge != 30*24*time.Hour {
		t.Errorf("expected retention 720h, got %s", gotAge)
	}
}

func TestSchedulePurgeDisabled(t *testing.T) {
	c := cron.New()
	purge := func(context.Context, *int64, time.Duration) (int64, error) {
		return 0, errors.New("should not run")
	}
	if err := schedulePurge(c, "0 3 * * *", 0, purge, logger.Nop()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.Entries()) != 0 {
		t.Errorf("expected no scheduled job when retention is disabled")
	}
}

func TestSchedulePurgeInvalidSpec(t *testing.T) {
	c := cron.New()
	purge := func(context.Context, *int64, time.Duration) (int64, error) { return 0, nil }
	if err := schedulePurge(c, "every night", time.Hour, purge, logger.Nop()); err == nil {
		t.Errorf("expected an error for an invalid schedule")
	}
}
