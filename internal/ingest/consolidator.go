package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/ingestion-runtime/internal/telemetry"
)

// Result messages returned to the scheduler.
const (
	MsgNoFragments    = "No fragments to consolidate."
	MsgNoValidEntries = "No valid entries found in fragments."
)

const (
	epochTimestamp = "1970-01-01T00:00:00Z"
	archiveLayout  = "2006-01-02_15-04-05"
)

// ConsolidatorConfig controls the object layout and rotation threshold.
type ConsolidatorConfig struct {
	FragmentsPrefix string
	ProcessedPrefix string
	ArchivePrefix   string
	MasterLog       string
	MaxLogSizeKB    int
	ReadConcurrency int
	// Topic receives a Report after each run that consumed fragments. Empty disables it.
	Topic string
}

// Report summarises one consolidation run.
type Report struct {
	Message   string `json:"message"`
	Processed int    `json:"processed"`
	Entries   int    `json:"entries"`
	Rotated   bool   `json:"rotated"`
	Archive   string `json:"archive,omitempty"`
}

// Consolidator folds fragments into the master log. Runs are serialised.
type Consolidator struct {
	store     ObjectStore
	publisher Publisher
	clock     Clock
	cfg       ConsolidatorConfig
	logger    *zap.Logger

	mu sync.Mutex
}

// NewConsolidator constructs a Consolidator. publisher may be nil.
func NewConsolidator(
	store ObjectStore,
	publisher Publisher,
	clock Clock,
	cfg ConsolidatorConfig,
	logger *zap.Logger,
) *Consolidator {
	if cfg.FragmentsPrefix == "" {
		cfg.FragmentsPrefix = "fragments/"
	}
	if cfg.ProcessedPrefix == "" {
		cfg.ProcessedPrefix = "processed/"
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "archive/"
	}
	if cfg.MasterLog == "" {
		cfg.MasterLog = "master_log.json"
	}
	if cfg.MaxLogSizeKB <= 0 {
		cfg.MaxLogSizeKB = 200
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consolidator{
		store:     store,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

type fragment struct {
	name      string
	entry     json.RawMessage
	timestamp string
}

// Consolidate runs one pass. Errors mean the master log was not updated.
func (c *Consolidator) Consolidate(ctx context.Context) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := otel.Tracer("ingest").Start(ctx, "consolidate")
	defer span.End()

	report, err := c.consolidate(ctx)
	if err != nil {
		span.RecordError(err)
		telemetry.ObserveConsolidation("error", 0)
		return Report{}, err
	}
	span.SetAttributes(
		attribute.Int("consolidation.processed", report.Processed),
		attribute.Bool("consolidation.rotated", report.Rotated),
	)
	return report, nil
}

func (c *Consolidator) consolidate(ctx context.Context) (Report, error) {
	if c.store == nil {
		return Report{}, ErrNotConfigured
	}

	names, err := c.store.List(ctx, c.cfg.FragmentsPrefix)
	if err != nil {
		return Report{}, fmt.Errorf("list fragments: %w", err)
	}
	if len(names) == 0 {
		c.logger.Info(MsgNoFragments)
		telemetry.ObserveConsolidation("empty", 0)
		return Report{Message: MsgNoFragments}, nil
	}

	existing, generation, err := c.readMasterLog(ctx)
	if err != nil {
		return Report{}, err
	}

	fragments, err := c.readFragments(ctx, names)
	if err != nil {
		return Report{}, err
	}
	if len(fragments) == 0 {
		c.logger.Info(MsgNoValidEntries)
		telemetry.ObserveConsolidation("empty", 0)
		return Report{Message: MsgNoValidEntries}, nil
	}
	sort.SliceStable(fragments, func(a, b int) bool {
		return fragments[a].timestamp < fragments[b].timestamp
	})
	newEntries := make([]json.RawMessage, len(fragments))
	for idx, f := range fragments {
		newEntries[idx] = f.entry
	}

	current, err := json.Marshal(nonNil(existing))
	if err != nil {
		return Report{}, fmt.Errorf("encode master log: %w", err)
	}
	rotate := float64(len(current))/1024 > float64(c.cfg.MaxLogSizeKB)
	merged := newEntries
	if !rotate {
		merged = append(nonNil(existing), newEntries...)
	}

	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return Report{}, fmt.Errorf("encode master log: %w", err)
	}
	if err := c.store.Write(ctx, c.cfg.MasterLog, "application/json", out, generation); err != nil {
		if errors.Is(err, ErrPreconditionFailed) {
			c.logger.Error("master log modified unexpectedly, aborting", zap.Int64("generation", generation))
			return Report{}, fmt.Errorf("%w: %w", ErrConcurrentModification, err)
		}
		return Report{}, fmt.Errorf("write master log: %w", err)
	}

	report := Report{Entries: len(newEntries), Rotated: rotate}
	if rotate {
		report.Archive = c.archive(ctx, existing)
	}

	report.Processed = c.moveFragments(ctx, fragments)
	report.Message = fmt.Sprintf("Consolidation complete. Processed %d fragments.", report.Processed)
	telemetry.ObserveConsolidation("ok", report.Processed)
	c.logger.Info("consolidation complete",
		zap.Int("processed", report.Processed),
		zap.Int("entries", report.Entries),
		zap.Bool("rotated", report.Rotated),
	)

	c.notify(ctx, report)
	return report, nil
}

// readMasterLog returns the current entries and the generation to match on
// write. A missing log yields generation 0; a corrupt one keeps its generation.
func (c *Consolidator) readMasterLog(ctx context.Context) ([]json.RawMessage, int64, error) {
	data, generation, err := c.store.Read(ctx, c.cfg.MasterLog)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.logger.Info("master log not found, a new one will be created")
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("read master log: %w", err)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil || entries == nil {
		c.logger.Warn("master log is not a list, treating it as corrupt", zap.Error(err))
		return nil, generation, nil
	}
	return entries, generation, nil
}

func (c *Consolidator) readFragments(ctx context.Context, names []string) ([]fragment, error) {
	results := make([]*fragment, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ReadConcurrency)
	for idx, name := range names {
		if strings.HasSuffix(name, "/") {
			continue
		}
		g.Go(func() error {
			data, _, err := c.store.Read(gctx, name)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return fmt.Errorf("read fragment %s: %w", name, ctxErr)
				}
				c.logger.Warn("error reading fragment, skipping", zap.String("fragment", name), zap.Error(err))
				return nil
			}
			entry, ok := parseEntry(data)
			if !ok {
				c.logger.Warn("fragment is not a JSON object, skipping", zap.String("fragment", name))
				return nil
			}
			ts, ok := entryTimestamp(entry)
			if !ok {
				ts = epochTimestamp
			}
			results[idx] = &fragment{name: name, entry: entry, timestamp: ts}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]fragment, 0, len(results))
	for _, f := range results {
		if f != nil {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (c *Consolidator) archive(ctx context.Context, entries []json.RawMessage) string {
	name := c.cfg.ArchivePrefix + "master_log_" + c.clock.Now().UTC().Format(archiveLayout) + ".json"
	data, err := json.MarshalIndent(nonNil(entries), "", "  ")
	if err == nil {
		err = c.store.Write(ctx, name, "application/json", data, Unconditional)
	}
	if err != nil {
		c.logger.Warn("failed to upload archive file", zap.String("archive", name), zap.Error(err))
		return ""
	}
	c.logger.Info("master log rotated", zap.String("archive", name), zap.Int("entries", len(entries)))
	return name
}

// moveFragments copies consumed fragments under the processed prefix, then
// deletes the originals. It returns how many were moved.
func (c *Consolidator) moveFragments(ctx context.Context, fragments []fragment) int {
	names := make([]string, len(fragments))
	for idx, f := range fragments {
		names[idx] = f.name
		dst := c.cfg.ProcessedPrefix + strings.TrimPrefix(f.name, c.cfg.FragmentsPrefix)
		if err := c.store.Copy(ctx, f.name, dst); err != nil {
			c.logger.Error("fragment cleanup failed, duplicates will occur on next run",
				zap.String("fragment", f.name), zap.Error(err))
			return 0
		}
	}
	if err := c.store.Delete(ctx, names...); err != nil {
		c.logger.Error("fragment cleanup failed, duplicates will occur on next run", zap.Error(err))
		return 0
	}
	return len(names)
}

func (c *Consolidator) notify(ctx context.Context, report Report) {
	if c.publisher == nil || c.cfg.Topic == "" {
		return
	}
	id, err := c.publisher.Publish(ctx, c.cfg.Topic, report)
	if err != nil {
		c.logger.Warn("failed to publish consolidation report", zap.String("topic", c.cfg.Topic), zap.Error(err))
		return
	}
	c.logger.Debug("consolidation report published", zap.String("message_id", id))
}

func parseEntry(data []byte) (json.RawMessage, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, false
	}
	return json.RawMessage(data), true
}

func nonNil(entries []json.RawMessage) []json.RawMessage {
	if entries == nil {
		return []json.RawMessage{}
	}
	return entries
}
