package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/wellrelay/compressors"
	"github.com/INLOpen/wellrelay/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrBatchRejected is wrapped by every error caused by a negative ack.
var ErrBatchRejected = errors.New("batch rejected by remote")

// DefaultBatchDelay separates consecutive batches of one run.
const DefaultBatchDelay = 500 * time.Millisecond

// settleTimeout bounds the bookkeeping done after a batch was acknowledged.
const settleTimeout = 10 * time.Second

// settleContext returns a context for post-ack work that ignores the
// cancellation of ctx but keeps its values.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	WellID int64
	Codec  *compressors.Codec
	// BatchDelay is waited between two batches of the same run. Zero or
	// negative disables the wait.
	BatchDelay time.Duration
	// After is the timer used for BatchDelay. Defaults to time.After.
	After   func(time.Duration) <-chan time.Time
	Metrics *Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Pipeline serialises, compresses and sends batches with acknowledgement.
type Pipeline struct {
	wellID     int64
	codec      *compressors.Codec
	batchDelay time.Duration
	after      func(time.Duration) <-chan time.Time
	metrics    *Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	p := &Pipeline{
		wellID:     opts.WellID,
		codec:      opts.Codec,
		batchDelay: opts.BatchDelay,
		after:      opts.After,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		logger:     opts.Logger,
	}
	if p.codec == nil {
		p.codec = compressors.NewCodec(nil)
	}
	if p.after == nil {
		p.after = time.After
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(false, "")
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer("wellrelay/replication")
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p.logger = p.logger.With("component", "BatchTransferPipeline")
	return p
}

// Job describes one transfer run over records of type T.
type Job[T any] struct {
	// Name labels the run in logs and spans.
	Name      string
	Event     string
	BatchSize int
	Fetch     func(ctx context.Context) ([]T, error)
	// OnAck runs after each acknowledged batch. Its context outlives the
	// run's cancellation. An error aborts the run.
	OnAck func(ctx context.Context, batch []T) error
	// Extra is appended to the event arguments after the payload.
	Extra []any
}

// Batches splits records into ceil(len/size) consecutive slices of at most
// size elements. A non-positive size yields a single batch.
func Batches[T any](records []T, size int) [][]T {
	if len(records) == 0 {
		return nil
	}
	if size <= 0 || size >= len(records) {
		return [][]T{records}
	}
	out := make([][]T, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		out = append(out, records[start:end])
	}
	return out
}

// Run fetches the job's records and sends them in ascending batches. The
// first failed batch ends the run; nothing is retried within it.
func Run[T any](ctx context.Context, p *Pipeline, ch core.Channel, job Job[T]) (err error) {
	ctx, span := p.tracer.Start(ctx, "Pipeline.Run", trace.WithAttributes(
		attribute.String("job", job.Name),
		attribute.String("event", job.Event),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	records, err := job.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("%s: failed to fetch records: %w", job.Name, err)
	}
	if len(records) == 0 {
		p.logger.Info("No data to transfer", "job", job.Name)
		return nil
	}

	batches := Batches(records, job.BatchSize)
	span.SetAttributes(attribute.Int("records", len(records)), attribute.Int("batches", len(batches)))
	p.logger.Debug("Transferring records", "job", job.Name, "records", len(records), "batches", len(batches))

	for i, batch := range batches {
		if i > 0 {
			if err := p.pause(ctx); err != nil {
				return err
			}
		}
		if err := p.Send(ctx, ch, job.Event, batch, job.Extra...); err != nil {
			return fmt.Errorf("%s: batch %d/%d (%d records): %w", job.Name, i+1, len(batches), len(batch), err)
		}
		p.metrics.RecordsSentTotal.Add(int64(len(batch)))
		if job.OnAck != nil {
			ackCtx, cancel := settleContext(ctx)
			err := job.OnAck(ackCtx, batch)
			cancel()
			if err != nil {
				return fmt.Errorf("%s: batch %d/%d acknowledged but post-processing failed: %w", job.Name, i+1, len(batches), err)
			}
		}
	}
	p.logger.Info("Transfer complete", "job", job.Name, "records", len(records), "batches", len(batches))
	return nil
}

// Send encodes v and sends it on event as (wellID, payload, extra...),
// waiting for the ack.
func (p *Pipeline) Send(ctx context.Context, ch core.Channel, event string, v any, extra ...any) error {
	payload, err := p.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	args := make([]any, 0, 2+len(extra))
	args = append(args, p.wellID, payload)
	args = append(args, extra...)

	start := time.Now()
	ack, err := ch.RequestWithAck(ctx, event, args...)
	p.metrics.ObserveAck(time.Since(start))
	if err != nil {
		p.metrics.SendErrorsTotal.Add(1)
		return fmt.Errorf("send %s: %w", event, err)
	}
	if !ack.OK() {
		p.metrics.BatchesRejectedTotal.Add(1)
		return fmt.Errorf("%w: %s on %s", ErrBatchRejected, ack, event)
	}
	p.metrics.BatchesSentTotal.Add(1)
	p.metrics.PayloadBytesTotal.Add(int64(len(payload)))
	return nil
}

func (p *Pipeline) pause(ctx context.Context) error {
	if p.batchDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.after(p.batchDelay):
		return nil
	}
}
