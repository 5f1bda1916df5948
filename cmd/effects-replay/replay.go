package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// replayHandler разбирает одно сообщение DLQ и, если execute, применяет его.
// handled=false означает, что сообщение пропущено; ошибка прерывает replay.
type replayHandler interface {
	Handle(ctx context.Context, msg *sarama.ConsumerMessage, execute bool) (handled bool, err error)
}

// errSkip помечает сообщение, которое нельзя разобрать: оно пропускается с предупреждением.
type errSkip struct {
	reason error
}

func (e errSkip) Error() string { return e.reason.Error() }

func (e errSkip) Unwrap() error { return e.reason }

type partitionStats struct {
	processed int
	replayed  int
	skipped   int
}

func (s *partitionStats) add(other partitionStats) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.skipped += other.skipped
}

// offsetWindow — полуинтервал [from, to) оффсетов, который читается из партиции.
type offsetWindow struct {
	from int64
	to   int64
}

func (w offsetWindow) empty() bool { return w.to <= w.from }

func (w offsetWindow) last(offset int64) bool { return offset+1 >= w.to }

func runReplay(ctx context.Context, cfg config, client offsetClient, consumer partitionConsumerSource, handler replayHandler) error {
	switch {
	case client == nil || consumer == nil:
		return errors.New("kafka client and consumer are required")
	case handler == nil:
		return errors.New("replay handler is required")
	}

	partitions, err := client.Partitions(cfg.sourceTopic)
	if err != nil {
		return fmt.Errorf("get partitions for topic %s: %w", cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.sourceTopic).Warn("source topic has no partitions")
		return nil
	}

	var total partitionStats
	for _, partition := range slices.Sorted(slices.Values(partitions)) {
		budget := cfg.limit - total.processed
		if budget <= 0 {
			break
		}
		stats, err := processPartition(ctx, consumer, client, handler, cfg, partition, budget)
		if err != nil {
			return err
		}
		total.add(stats)
	}

	log.WithFields(log.Fields{
		"mode":      replayMode(cfg.execute),
		"source":    cfg.source,
		"processed": total.processed,
		"replayed":  total.replayed,
		"skipped":   total.skipped,
	}).Info("effects replay finished")
	return nil
}

func replayMode(execute bool) string {
	if execute {
		return "execute"
	}
	return "dry-run"
}

// resolveWindow читает границы партиции; при fromNewest окно сужается до limit последних записей.
func resolveWindow(client offsetClient, cfg config, partition int32, limit int) (offsetWindow, error) {
	oldest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return offsetWindow{}, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return offsetWindow{}, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}

	window := offsetWindow{from: oldest, to: newest}
	if cfg.fromNewest {
		window.from = max(oldest, newest-int64(limit))
	}
	return window, nil
}

func processPartition(
	ctx context.Context,
	consumer partitionConsumerSource,
	client offsetClient,
	handler replayHandler,
	cfg config,
	partition int32,
	limit int,
) (partitionStats, error) {
	var stats partitionStats
	if limit <= 0 {
		return stats, nil
	}

	window, err := resolveWindow(client, cfg, partition, limit)
	if err != nil || window.empty() {
		return stats, err
	}

	pc, err := consumer.ConsumePartition(cfg.sourceTopic, partition, window.from)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(cfg.idleTimeout)
	defer idle.Stop()

	consumerErrs := pc.Errors()
	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()

		case <-idle.C:
			return stats, nil

		case consumerErr, ok := <-consumerErrs:
			if !ok {
				consumerErrs = nil
				continue
			}
			if consumerErr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, consumerErr)
			}

		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= window.to {
				return stats, nil
			}
			idle.Reset(cfg.idleTimeout)

			stats.processed++
			if err := stats.apply(ctx, handler, msg, cfg.execute); err != nil {
				return stats, err
			}
			if window.last(msg.Offset) {
				return stats, nil
			}
		}
	}
	return stats, nil
}

// apply прогоняет сообщение через handler и учитывает результат; errSkip не прерывает партицию.
func (s *partitionStats) apply(ctx context.Context, handler replayHandler, msg *sarama.ConsumerMessage, execute bool) error {
	handled, err := handler.Handle(ctx, msg, execute)

	var skip errSkip
	switch {
	case errors.As(err, &skip):
		s.skipped++
		log.WithError(err).WithFields(log.Fields{
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Warn("skip unsupported dlq message")
	case err != nil:
		return fmt.Errorf("replay partition %d offset %d: %w", msg.Partition, msg.Offset, err)
	case handled:
		s.replayed++
	default:
		s.skipped++
	}
	return nil
}
