// Package cache is a Redis-backed read cache for the hot dashboard queries:
// project progress and agent statistics. Entries are short-lived and
// invalidated eagerly on task outcome events; the orchestration core never
// reads through it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgeworks/forge/internal/events"
	"github.com/forgeworks/forge/internal/metrics"
	"github.com/forgeworks/forge/pkg/models"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache wraps a Redis client with the forge key schema.
type Cache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.Metrics
}

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// New connects to Redis and verifies the connection. Metrics are optional.
func New(ctx context.Context, cfg Config, m *metrics.Metrics) (*Cache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	log.Printf("[Cache] Connected to redis at %s (ttl %v)", cfg.Addr, cfg.TTL)
	return &Cache{client: client, ttl: cfg.TTL, metrics: m}, nil
}

func progressKey(projectID string) string { return "forge:progress:" + projectID }
func statsKey(agentID string) string      { return "forge:agentstats:" + agentID }

// GetProgress returns the cached progress for a project, or ErrMiss.
func (c *Cache) GetProgress(ctx context.Context, projectID string) (*models.Progress, error) {
	var p models.Progress
	if err := c.get(ctx, progressKey(projectID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetProgress caches the progress for a project.
func (c *Cache) SetProgress(ctx context.Context, projectID string, p *models.Progress) {
	c.set(ctx, progressKey(projectID), p)
}

// GetAgentStats returns the cached statistics for an agent, or ErrMiss.
func (c *Cache) GetAgentStats(ctx context.Context, agentID string) (*models.AgentStats, error) {
	var s models.AgentStats
	if err := c.get(ctx, statsKey(agentID), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SetAgentStats caches the statistics for an agent.
func (c *Cache) SetAgentStats(ctx context.Context, agentID string, s *models.AgentStats) {
	c.set(ctx, statsKey(agentID), s)
}

// InvalidateProject drops the cached progress for a project.
func (c *Cache) InvalidateProject(ctx context.Context, projectID string) {
	if err := c.client.Del(ctx, progressKey(projectID)).Err(); err != nil {
		log.Printf("[Cache] Failed to invalidate progress for %s: %v", projectID, err)
	}
}

// InvalidateAgent drops the cached statistics for an agent.
func (c *Cache) InvalidateAgent(ctx context.Context, agentID string) {
	if err := c.client.Del(ctx, statsKey(agentID)).Err(); err != nil {
		log.Printf("[Cache] Failed to invalidate stats for %s: %v", agentID, err)
	}
}

// Invalidator returns an event handler that drops affected entries as task
// and agent events flow past. Subscribe it on the event bus.
func (c *Cache) Invalidator(ctx context.Context) func(events.Event) {
	return func(e events.Event) {
		if e.ProjectID != "" {
			c.InvalidateProject(ctx, e.ProjectID)
		}
		if e.AgentID != "" {
			c.InvalidateAgent(ctx, e.AgentID)
		}
	}
}

// Health pings the Redis server.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client.
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) get(ctx context.Context, key string, out interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.miss()
		return ErrMiss
	}
	if err != nil {
		c.miss()
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.miss()
		return fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	c.hit()
	return nil
}

func (c *Cache) set(ctx context.Context, key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[Cache] Failed to marshal %s: %v", key, err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		log.Printf("[Cache] Failed to set %s: %v", key, err)
	}
}

func (c *Cache) hit() {
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
}

func (c *Cache) miss() {
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}
}
