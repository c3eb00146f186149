package store

import (
	"context"

	"github.com/eigerco/rangekv/pkg/db"
)

// BatchStats summarises a finished batch job.
type BatchStats struct {
	// Chunks received from the channel.
	Chunks int
	// Written counts pairs in committed chunks.
	Written int
	// Skipped counts pairs dropped because they were malformed or the
	// engine refused them.
	Skipped int
	// Abandoned counts chunks whose transaction could not be opened or
	// committed.
	Abandoned int
}

// BatchJob is a running Batch.
type BatchJob struct {
	done  chan struct{}
	stats BatchStats
}

// Wait blocks until the job has consumed its channel and returns the stats.
func (j *BatchJob) Wait() BatchStats {
	<-j.done
	return j.stats
}

// Batch writes every chunk received from chunks in its own internal write
// transaction until the channel is closed or ctx is cancelled. Bad pairs are
// logged and skipped so the rest of their chunk is still written.
func (d *DB) Batch(ctx context.Context, chunks <-chan []KeyValue) *BatchJob {
	job := &BatchJob{done: make(chan struct{})}
	go func() {
		defer close(job.done)
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-chunks:
				if !ok {
					return
				}
				job.stats.Chunks++
				d.writeChunk(ctx, chunk, &job.stats)
			}
		}
	}()
	return job
}

func (d *DB) writeChunk(ctx context.Context, chunk []KeyValue, stats *BatchStats) {
	if err := d.env.sched.Acquire(ctx, 1); err != nil {
		stats.Abandoned++
		return
	}
	defer d.env.sched.Release(1)

	t, _, err := d.begin(nil, true)
	if err != nil {
		d.logger.Error().Err(err).Int("items", len(chunk)).Msg("batch chunk abandoned")
		stats.Abandoned++
		return
	}

	written, skipped := 0, 0
	_ = t.do(func(inner db.Tx) error {
		for i, kv := range chunk {
			if !kv.valid() {
				d.logger.Error().Str("tx", t.ID()).Int("item", i).Hex("key", kv.key).Msg("skipping malformed batch item")
				skipped++
				continue
			}
			if err := d.space.Put(inner, kv.key, kv.value); err != nil {
				d.logger.Error().Err(err).Str("tx", t.ID()).Hex("key", kv.key).Msg("skipping batch item")
				skipped++
				continue
			}
			written++
		}
		return nil
	})
	stats.Skipped += skipped

	if err := t.Commit(); err != nil {
		d.logger.Error().Err(err).Str("tx", t.ID()).Int("items", len(chunk)).Msg("batch chunk abandoned")
		stats.Abandoned++
		return
	}
	stats.Written += written
}
