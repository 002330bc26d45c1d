package replication

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/INLOpen/wellrelay/core"
)

// FailedBuffer forwards live samples and keeps the ones the destination did
// not acknowledge, resending them later in pages.
type FailedBuffer struct {
	wellID     int64
	endpoint   string
	repo       core.SourceRepository
	pipeline   *Pipeline
	batchSize  int
	remoteSave bool
	metrics    *Metrics
	logger     *slog.Logger
}

// FailedBufferOptions configures a FailedBuffer.
type FailedBufferOptions struct {
	WellID int64
	// Endpoint is the destination identity failed records are stored under.
	Endpoint   string
	BatchSize  int
	RemoteSave bool
}

func NewFailedBuffer(opts FailedBufferOptions, repo core.SourceRepository, p *Pipeline, logger *slog.Logger) *FailedBuffer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &FailedBuffer{
		wellID:     opts.WellID,
		endpoint:   opts.Endpoint,
		repo:       repo,
		pipeline:   p,
		batchSize:  opts.BatchSize,
		remoteSave: opts.RemoteSave,
		metrics:    p.metrics,
		logger:     logger.With("component", "FailedDeliveryBuffer", "endpoint", opts.Endpoint),
	}
}

// DeliverLive reads the latest sample and forwards it. The local channel gets
// a plain emit when connected. The destination gets an acknowledged send when
// connected; a failed send, or a disconnected destination, stores the sample
// as a failed record instead.
func (b *FailedBuffer) DeliverLive(ctx context.Context, local, dest core.Channel) error {
	sample, err := b.repo.GetLatestSample(ctx)
	if err != nil {
		return fmt.Errorf("failed to read latest sample: %w", err)
	}
	if sample == nil {
		b.logger.Debug("No live sample available")
		return nil
	}
	b.metrics.LiveSamplesTotal.Add(1)

	if local != nil && local.Connected() {
		if err := local.Emit(ctx, EventProcessSample, b.wellID, sample.Payload()); err != nil {
			b.logger.Warn("Failed to emit live sample locally", "error", err)
		} else {
			b.metrics.LiveEmitsTotal.Add(1)
		}
	}

	if dest != nil && dest.Connected() {
		err := b.pipeline.Send(ctx, dest, EventProcessSample, sample, b.remoteSave)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn("Live sample not delivered, buffering", "code", sample.Code, "error", err)
	}
	return b.save(ctx, sample)
}

func (b *FailedBuffer) save(ctx context.Context, sample *core.LiveSample) error {
	rec := core.FailedRecord{
		Code:       sample.Code,
		Timestamp:  sample.Timestamp,
		ServerInfo: b.endpoint,
	}
	if err := b.repo.SaveFailedRecord(ctx, rec); err != nil {
		return fmt.Errorf("failed to save failed record %d: %w", sample.Code, err)
	}
	b.metrics.FailedSavedTotal.Add(1)
	return nil
}

// Resend delivers pending failed records on process-batch. It sends at most
// ceil(pending/batch) pages, always reading from offset zero because every
// acknowledged page is deleted before the next read, even when ctx is
// cancelled after the ack. Any failure ends the cycle and leaves the
// remaining records for the next one.
func (b *FailedBuffer) Resend(ctx context.Context, ch core.Channel) error {
	count, err := b.repo.CountFailedRecords(ctx, b.endpoint)
	if err != nil {
		return fmt.Errorf("failed to count failed records: %w", err)
	}
	if count == 0 {
		b.logger.Info("No data to resend")
		return nil
	}

	pages := (count + b.batchSize - 1) / b.batchSize
	b.logger.Info("Resending failed records", "count", count, "pages", pages)
	for i := 0; i < pages; i++ {
		if i > 0 {
			if err := b.pipeline.pause(ctx); err != nil {
				return err
			}
		}
		page, err := b.repo.GetFailedRecordsPage(ctx, b.endpoint, 0, b.batchSize)
		if err != nil {
			return fmt.Errorf("failed to read failed records page %d/%d: %w", i+1, pages, err)
		}
		if len(page) == 0 {
			break
		}
		if err := b.pipeline.Send(ctx, ch, EventProcessBatch, page); err != nil {
			return fmt.Errorf("resend page %d/%d (%d records): %w", i+1, pages, len(page), err)
		}
		delCtx, cancel := settleContext(ctx)
		err = b.repo.DeleteFailedRecords(delCtx, b.endpoint, page)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to delete resent page %d/%d: %w", i+1, pages, err)
		}
		b.metrics.FailedResentTotal.Add(int64(len(page)))
	}
	return nil
}
