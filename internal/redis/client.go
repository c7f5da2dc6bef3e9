// Package redis connects to the Redis instance shared by the schedule locks
// and the session cache.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

// Client wraps a go-redis client.
type Client struct {
	*redis.Client
}

// NewClient parses redisURL and checks the server answers.
func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// LockKey names the mutual exclusion key of a schedule.
func LockKey(scheduleID string) string {
	return fmt.Sprintf("scheduler:lock:%s", scheduleID)
}

// SessionMonthKey names the cached session list of a patient for one month.
func SessionMonthKey(patientID string, month time.Time) string {
	return fmt.Sprintf("sessions:%s:%s", patientID, month.Format("2006-01"))
}
