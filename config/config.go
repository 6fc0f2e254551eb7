// Package config holds the operational tunables for the stream state
// machine: memory caps, batch sizes and timeouts that spec.md leaves as
// policy knobs rather than fixed constants. Loaded from YAML, matching the
// broader example corpus's preference for a declarative ops config file
// over hardcoded constants.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Tunables are the knobs referenced throughout stream/active.go and
// stream/passive.go.
type Tunables struct {
	// ReadyQueueByteCap is the per-stream ready-queue memory cap; exceeding
	// it triggers StreamEnd(Slow) per spec.md §4.2 failure handling.
	ReadyQueueByteCap int `yaml:"readyQueueByteCap"`
	// BackfillBudgetBytes is the producer-wide backfill buffering budget
	// shared across all ActiveStreams (spec.md §4.2 back-pressure policy).
	BackfillBudgetBytes int `yaml:"backfillBudgetBytes"`
	// CheckpointBatchSize bounds how many items inMemoryPhase draws from the
	// checkpoint cursor per snapshot batch.
	CheckpointBatchSize int `yaml:"checkpointBatchSize"`
	// BackfillScanBatchSize is loaded but not read by ActiveStream or the
	// backfill Scheduler: a single Manager.Schedule scan request covers its
	// whole backfill window.
	BackfillScanBatchSize int `yaml:"backfillScanBatchSize"`
	// TakeoverMaxTime bounds the SetVBucketState(pending)/(active) handoff;
	// exceeding it emits StreamEnd(Closed) per spec.md §4.2.
	TakeoverMaxTime time.Duration `yaml:"takeoverMaxTime"`
	// PassiveBufferByteCap bounds PassiveStream.buffer: a data message that
	// arrives once the buffer holds this many bytes ends the stream with
	// reason Slow.
	PassiveBufferByteCap int `yaml:"passiveBufferByteCap"`
	// PassiveApplyBatchBytes is loaded but not read by PassiveStream:
	// ProcessBufferedMessages takes its per-call bound from its maxBytes
	// argument.
	PassiveApplyBatchBytes int `yaml:"passiveApplyBatchBytes"`
}

// Default returns conservative tunables suitable for tests and local runs.
func Default() Tunables {
	return Tunables{
		ReadyQueueByteCap:      64 << 20,
		BackfillBudgetBytes:    16 << 20,
		CheckpointBatchSize:    1024,
		BackfillScanBatchSize:  4096,
		TakeoverMaxTime:        30 * time.Second,
		PassiveBufferByteCap:   32 << 20,
		PassiveApplyBatchBytes: 1 << 20,
	}
}

// Load reads Tunables from a YAML file at path, filling any field absent
// from the file with Default()'s value.
func Load(path string) (Tunables, error) {
	var t = Default()

	var f, err = os.Open(path)
	if err != nil {
		return t, errors.WithMessage(err, "opening config file")
	}
	defer f.Close()

	if err = yaml.NewDecoder(f).Decode(&t); err != nil {
		return t, errors.WithMessage(err, "decoding config file")
	}
	return t, nil
}
