package kafka

import "time"

type Config struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool

	// DedupeWindow drops repeat events for a key seen this recently.
	DedupeWindow time.Duration
	DedupeSize   int
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = "taz-zone-registered"
	}
	if c.GroupID == "" {
		c.GroupID = "taz-flow-warmup"
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 3 * time.Second
	}
	if c.RebalanceTimeout <= 0 {
		c.RebalanceTimeout = 30 * time.Second
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = time.Minute
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = 4096
	}
	return c
}
