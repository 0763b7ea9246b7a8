// Package ingest feeds facts published by upstream services into the event
// store.
//
// Each metric family has its own topic. A message is committed once its fact
// is recorded or rejected as invalid. Transient store failures leave it
// uncommitted and are retried with backoff. Any other store failure stops
// that family's consumer on the uncommitted message, and the family is
// reported unavailable; the other families keep going. A family whose topic
// cannot be read is reported unavailable until a fetch succeeds again.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/audira/catalog-metrics/pkg/eventstore"
	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/audira/catalog-metrics/pkg/observability"
	"github.com/audira/catalog-metrics/pkg/upstream"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// Reader is the part of *kafka.Reader the consumer uses
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig names the brokers, consumer group and per-family topics
type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topics  map[upstream.Family]string
}

// DefaultTopics maps each family to its topic
func DefaultTopics() map[upstream.Family]string {
	return map[upstream.Family]string{
		upstream.FamilyPlays:     "catalog.plays",
		upstream.FamilyRatings:   "ratings.facts",
		upstream.FamilyCommerce:  "commerce.facts",
		upstream.FamilyCommunity: "community.facts",
	}
}

// NewKafkaReader opens a consumer-group reader for one topic
func NewKafkaReader(cfg KafkaConfig, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		SessionTimeout: 30 * time.Second,
		StartOffset:    kafka.FirstOffset,
	})
}

type source struct {
	family upstream.Family
	reader Reader
}

// Consumer drains one reader per family into the store
type Consumer struct {
	store   eventstore.Store
	logger  *observability.Logger
	metrics *observability.Metrics

	// newBackOff builds the policy used between failed fetches and appends
	newBackOff func() backoff.BackOff

	mu      sync.RWMutex
	sources []source
	lastErr map[upstream.Family]error
}

// NewConsumer creates a consumer without readers
func NewConsumer(store eventstore.Store, logger *observability.Logger, m *observability.Metrics) *Consumer {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Consumer{
		store:   store,
		logger:  logger.WithField("component", "ingest"),
		metrics: m,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		lastErr: make(map[upstream.Family]error),
	}
}

// AddReader attaches the reader for a family's topic
func (c *Consumer) AddReader(family upstream.Family, r Reader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, source{family: family, reader: r})
	sort.SliceStable(c.sources, func(i, j int) bool { return c.sources[i].family < c.sources[j].family })
}

// Run consumes every reader until ctx is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.RLock()
	sources := append([]source(nil), c.sources...)
	c.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sources {
		g.Go(func() error {
			defer observability.RecoverPanic(c.logger, "ingest "+string(s.family))
			return c.consume(gctx, s)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) consume(ctx context.Context, s source) error {
	logger := c.logger.WithField("family", string(s.family))
	logger.Info("Consumer started")
	fetchBackOff := c.newBackOff()

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Consumer stopped")
				return nil
			}
			c.setErr(s.family, err)
			wait := fetchBackOff.NextBackOff()
			logger.WithError(err).Warnf("Fetch failed, retrying in %s", wait)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		fetchBackOff.Reset()
		c.setErr(s.family, nil)

		handle := func() error {
			err := c.Handle(ctx, s.reader, msg)
			if err != nil && (ctx.Err() != nil || !metrics.IsRetryable(err)) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, wait time.Duration) {
			logger.WithError(err).WithField("offset", msg.Offset).Warnf("Failed to record fact, retrying in %s", wait)
		}
		if err := backoff.RetryNotify(handle, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.setErr(s.family, err)
			logger.WithError(err).WithFields(map[string]interface{}{
				"topic":     msg.Topic,
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Error("Cannot record fact, consumer stopped")
			return nil
		}
	}
}

// Handle records the fact carried by msg and commits it. Invalid facts are
// logged and committed so they are not redelivered. Any returned error means
// the message was left uncommitted.
func (c *Consumer) Handle(ctx context.Context, r Reader, msg kafka.Message) error {
	fact, err := DecodeFact(msg.Value)
	if err == nil {
		if fact.ID == uuid.Nil {
			fact.ID = MessageFactID(msg.Topic, msg.Partition, msg.Offset)
		}
		err = c.store.Append(ctx, fact)
		c.metrics.ObserveAppend(fact.Kind, err)
	} else {
		c.metrics.ObserveAppend(metrics.Kind("unknown"), err)
	}

	switch {
	case err == nil:
	case errors.Is(err, metrics.ErrInvalidFact):
		c.logger.WithError(err).WithFields(map[string]interface{}{
			"topic":     msg.Topic,
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Warn("Skipping invalid fact")
	default:
		return err
	}

	if err := r.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit offset %d: %w: %v", msg.Offset, metrics.ErrUpstreamUnavailable, err)
	}
	return nil
}

func (c *Consumer) setErr(family upstream.Family, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr[family] = err
}

// Check implements upstream.Availability. A family is unavailable while its
// last fetch failed.
func (c *Consumer) Check(_ context.Context, family upstream.Family) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.lastErr[family]; err != nil {
		return fmt.Errorf("%s: %w: %v", family, metrics.ErrUpstreamUnavailable, err)
	}
	return nil
}

// Close closes every reader
func (c *Consumer) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var errs []error
	for _, s := range c.sources {
		if err := s.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.family, err))
		}
	}
	return errors.Join(errs...)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
