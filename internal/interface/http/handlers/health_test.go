package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthChecker_NoChecks(t *testing.T) {
	status := NewHealthChecker("v1").Check(context.Background())
	assert.True(t, status.Healthy)
	assert.True(t, status.Ready)
	assert.Equal(t, "v1", status.Version)
	assert.Empty(t, status.Checks)
}

func TestHealthChecker_AggregatesFailures(t *testing.T) {
	c := NewHealthChecker("")
	c.AddCheck("db", func(context.Context) error { return nil })
	c.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	c.AddCheck("broker", func(context.Context) error { return errors.New("down") })

	status := c.Check(context.Background())
	assert.False(t, status.Healthy)
	assert.False(t, status.Ready)
	assert.Equal(t, "failing: broker, redis", status.Message)
	assert.True(t, status.Checks["db"].Healthy)
	assert.Equal(t, "connection refused", status.Checks["redis"].Message)

	c.RemoveCheck("redis")
	c.RemoveCheck("broker")
	assert.True(t, c.Check(context.Background()).Ready)
}

type slowPinger struct{}

func (slowPinger) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestHealthChecker_TimesOutSlowChecks(t *testing.T) {
	c := NewHealthChecker("")
	c.SetTimeout(20 * time.Millisecond)
	c.AddCheck("slow", PingCheck(slowPinger{}))

	status := c.Check(context.Background())
	assert.False(t, status.Ready)
	assert.Contains(t, status.Checks["slow"].Message, "deadline exceeded")
}
