// Package commandlog is the partitioned, append-only command log. Each stream is split into a fixed number
// of partitions; a command goes to the partition its routing key hashes to, and each partition is drained
// in order by exactly one goroutine.
package commandlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"identity-session-core/internal/command"
	"identity-session-core/internal/partition"
	"identity-session-core/internal/telemetry"
)

var (
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("command log is closed")
	// ErrUnknownStream is returned for a stream the log was not built with.
	ErrUnknownStream = errors.New("unknown command stream")
)

// Handler applies one command. It runs on the partition's goroutine; it must not call back into Append
// for the same partition.
type Handler func(ctx context.Context, cmd command.Command)

// Journal durably records accepted commands. A command is applied only after its record is written.
type Journal interface {
	Record(ctx context.Context, env command.Envelope) error
	Close() error
}

// Options configures a Log. Zero values take defaults.
type Options struct {
	Partitions int
	QueueSize  int
	Journal    Journal
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

const (
	defaultPartitions = 16
	defaultQueueSize  = 1024
)

type entry struct {
	ctx context.Context
	cmd command.Command
	// journaled, when set, carries the journal result; the worker applies the command only on nil.
	journaled chan error
}

type part struct {
	// mu keeps journal order and queue order identical for one partition.
	mu    sync.Mutex
	queue chan entry
}

// Log accepts commands and hands them to a Handler, one goroutine per partition.
type Log struct {
	handler Handler
	journal Journal
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time

	streams map[command.Stream][]*part

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New builds a Log for the identity and session streams and starts its partition workers.
func New(handler Handler, opts Options) *Log {
	if opts.Partitions <= 0 {
		opts.Partitions = defaultPartitions
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &Log{
		handler: handler,
		journal: opts.Journal,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
		streams: make(map[command.Stream][]*part, 2),
	}
	for _, s := range []command.Stream{command.StreamIdentity, command.StreamSession} {
		parts := make([]*part, opts.Partitions)
		for i := range parts {
			parts[i] = &part{queue: make(chan entry, opts.QueueSize)}
			l.wg.Add(1)
			go l.run(s, i, parts[i])
		}
		l.streams[s] = parts
	}
	return l
}

// Append validates cmd and enqueues it on its partition. It returns once the command is accepted,
// never after it is applied; callers that need the result poll a query.
func (l *Log) Append(ctx context.Context, cmd command.Command) error {
	if cmd == nil {
		return fmt.Errorf("%w: nil command", command.ErrInvalid)
	}
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", command.ErrInvalid, cmd.Type(), err)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	parts, ok := l.streams[cmd.Stream()]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStream, cmd.Stream())
	}
	p := parts[partition.Of(cmd.RoutingKey(), len(parts))]

	var env command.Envelope
	e := entry{ctx: context.WithoutCancel(ctx), cmd: cmd}
	if l.journal != nil {
		var err error
		if env, err = command.Wrap(cmd, l.now().UTC()); err != nil {
			return err
		}
		e.journaled = make(chan error, 1)
	}

	// The slot is taken before the journal write so a caller that gives up on a full queue leaves
	// nothing journaled. The worker holds the entry until the write settles.
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case p.queue <- e:
	case <-ctx.Done():
		return ctx.Err()
	}
	if e.journaled != nil {
		err := l.journal.Record(ctx, env)
		e.journaled <- err
		if err != nil {
			return fmt.Errorf("journal %s: %w", cmd.Type(), err)
		}
	}
	l.metrics.CommandAppended(ctx, string(cmd.Stream()), string(cmd.Type()))
	return nil
}

// Submit decodes fields into the command named typ and appends it to stream.
func (l *Log) Submit(ctx context.Context, stream command.Stream, typ command.Type, fields map[string]any) error {
	cmd, err := command.Decode(typ, fields)
	if err != nil {
		return err
	}
	if cmd.Stream() != stream {
		return fmt.Errorf("%w: %s on %s", command.ErrStreamMismatch, typ, stream)
	}
	return l.Append(ctx, cmd)
}

// Close stops accepting commands, waits for every queued command to be applied, then closes the journal.
// Safe to call more than once.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, parts := range l.streams {
		for _, p := range parts {
			close(p.queue)
		}
	}
	l.mu.Unlock()

	l.wg.Wait()
	if l.journal != nil {
		if err := l.journal.Close(); err != nil {
			l.logger.Error("command journal close failed", "error", err)
			return err
		}
	}
	return nil
}

func (l *Log) run(stream command.Stream, index int, p *part) {
	defer l.wg.Done()
	for e := range p.queue {
		l.apply(stream, index, e)
	}
}

func (l *Log) apply(stream command.Stream, index int, e entry) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("command handler panicked",
				"stream", stream, "partition", index, "type", e.cmd.Type(), "panic", r)
		}
	}()
	if e.journaled != nil {
		if err := <-e.journaled; err != nil {
			l.logger.Warn("command dropped, journal write failed",
				"stream", stream, "partition", index, "type", e.cmd.Type(), "error", err)
			return
		}
	}
	l.handler(e.ctx, e.cmd)
}
