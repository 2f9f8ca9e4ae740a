// Package queue defines the wire contract for fetch jobs and the interfaces the
// broker backends satisfy. Backends live in subpackages (memory, pubsub, amqp)
// so the rest of the application stays independent of any specific broker.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/serial-crawler/internal/fiction"
)

const (
	// DefaultExchange is the direct-routed exchange jobs are published to.
	DefaultExchange = "spider_exchange"
	// DefaultQueue is the durable queue workers consume from.
	DefaultQueue = "standard"
	// DefaultRoutingKey binds DefaultQueue to DefaultExchange.
	DefaultRoutingKey = "requests"
	// ContentType is attached to every published job.
	ContentType = "application/json"
)

// Config names the broker topology shared by publishers and consumers.
type Config struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// WithDefaults fills empty fields with the standard topology names.
func (c Config) WithDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.RoutingKey == "" {
		c.RoutingKey = DefaultRoutingKey
	}
	return c
}

// Backend is a broker connection able to both publish and consume jobs.
type Backend interface {
	fiction.JobPublisher
	fiction.JobSubscriber
	Close() error
}

// Encode serializes a job for the wire. Content is always cleared so fetched
// bodies never travel through the broker.
func Encode(job fiction.FetchJob) ([]byte, error) {
	job.Content = ""
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode fetch job: %w", err)
	}
	return body, nil
}

// Decode parses a message body into a job. Bodies missing the fields a worker
// needs to act on are rejected.
func Decode(body []byte) (fiction.FetchJob, error) {
	var job fiction.FetchJob
	if err := json.Unmarshal(body, &job); err != nil {
		return fiction.FetchJob{}, fmt.Errorf("decode fetch job: %w", err)
	}
	if job.Site == "" || job.SourceURL == "" {
		return fiction.FetchJob{}, fmt.Errorf("decode fetch job: missing site or source_url")
	}
	return job, nil
}
