// Package main is the entry point for the Archiver Lambda function.
//
// The Archiver exports settled credit transactions older than the retention
// window to S3 as zstd-compressed NDJSON, one object per run. The credit
// ledger is append-only, so exported rows are immutable and the export is
// safe to re-run: objects are keyed by run ID and never overwritten.
//
// Handler flow:
//  1. Parse ExportPayload from EventBridge and determine the reference time.
//  2. Page through transactions older than the cutoff in keyset order.
//  3. Encode each page as NDJSON through a zstd stream.
//  4. Upload the compressed stream to the archive bucket.
//
// The pager and encoder run concurrently in an errgroup: paging waits on the
// database while encoding is CPU-bound, so overlapping them keeps the run
// short enough for a Lambda timeout.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"entitlements/internal/config"
	"entitlements/internal/db"
	"entitlements/internal/types"
)

const (
	// exportChannelDepth buffers one page between the pager and the encoder.
	exportChannelDepth = 1

	// keyPrefix namespaces export objects within the archive bucket.
	keyPrefix = "ledger-exports"

	contentType = "application/zstd"
)

// TransactionLister pages through credit transactions older than a cutoff.
// db.LedgerRepo satisfies this.
type TransactionLister interface {
	ListOlderThan(ctx context.Context, cutoff time.Time, after time.Time, afterID string, limit int) ([]types.CreditTransaction, error)
}

// ObjectStore abstracts the S3 PutObject operation for testability.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Exporter streams old ledger rows into a compressed S3 object.
type Exporter struct {
	lister    TransactionLister
	store     ObjectStore
	bucket    string
	retention time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewExporter wires an Exporter from its collaborators and archive settings.
func NewExporter(lister TransactionLister, store ObjectStore, cfg config.ArchiveConfig, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		lister:    lister,
		store:     store,
		bucket:    cfg.Bucket,
		retention: cfg.Retention,
		batchSize: cfg.BatchSize,
		logger:    logger,
	}
}

// Export writes all transactions created before now minus the retention
// window to a single S3 object. It returns the number of rows exported.
// A run with no eligible rows uploads nothing.
func (e *Exporter) Export(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-e.retention)

	pages := make(chan []types.CreditTransaction, exportChannelDepth)

	var buf bytes.Buffer
	encoder, err := zstd.NewWriter(&buf)
	if err != nil {
		return 0, fmt.Errorf("creating zstd encoder: %w", err)
	}

	exported := 0
	g, gCtx := errgroup.WithContext(ctx)

	// Pager: walk the ledger in (created_at, id) keyset order.
	g.Go(func() error {
		defer close(pages)

		var after time.Time
		var afterID string
		for {
			page, err := e.lister.ListOlderThan(gCtx, cutoff, after, afterID, e.batchSize)
			if err != nil {
				return fmt.Errorf("listing transactions before %s: %w", cutoff.Format(time.RFC3339), err)
			}
			if len(page) == 0 {
				return nil
			}

			select {
			case pages <- page:
			case <-gCtx.Done():
				return gCtx.Err()
			}

			last := page[len(page)-1]
			after = last.CreatedAt
			afterID = last.ID

			if len(page) < e.batchSize {
				return nil
			}
		}
	})

	// Encoder: NDJSON rows through the zstd stream.
	g.Go(func() error {
		enc := json.NewEncoder(encoder)
		for page := range pages {
			for _, txn := range page {
				if err := enc.Encode(txn); err != nil {
					return fmt.Errorf("encoding transaction %s: %w", txn.ID, err)
				}
				exported++
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		encoder.Close()
		return 0, err
	}
	if err := encoder.Close(); err != nil {
		return 0, fmt.Errorf("flushing zstd stream: %w", err)
	}

	if exported == 0 {
		e.logger.InfoContext(ctx, "no transactions eligible for export",
			"cutoff", cutoff.Format(time.RFC3339),
		)
		return 0, nil
	}

	key := fmt.Sprintf("%s/%s/transactions-%s.ndjson.zst",
		keyPrefix, now.UTC().Format("2006/01/02"), uuid.New().String())

	_, err = e.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(e.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(buf.Len())),
	})
	if err != nil {
		return 0, fmt.Errorf("uploading export object %s: %w", key, err)
	}

	e.logger.InfoContext(ctx, "ledger export uploaded",
		"key", key,
		"rows", exported,
		"compressed_bytes", buf.Len(),
		"cutoff", cutoff.Format(time.RFC3339),
	)

	return exported, nil
}

// ExportPayload is the EventBridge invocation payload. ReferenceTime
// overrides the wall clock for backfills and tests.
type ExportPayload struct {
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// Handler holds the dependencies for the archiver Lambda handler.
type Handler struct {
	Exporter *Exporter
	Logger   *slog.Logger
}

// Handle runs one export and reports the row count in the result string.
func (h *Handler) Handle(ctx context.Context, payload ExportPayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	logger.InfoContext(ctx, "archiver invoked",
		"reference_time", now.Format(time.RFC3339),
	)

	rows, err := h.Exporter.Export(ctx, now)
	if err != nil {
		logger.ErrorContext(ctx, "ledger export failed", "error", err)
		return "", fmt.Errorf("exporting ledger: %w", err)
	}

	return fmt.Sprintf("export complete: %d rows", rows), nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if cfg.Archive.Bucket == "" {
		logger.Error("ARCHIVE_BUCKET is not configured, refusing to start")
		os.Exit(1)
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to connect database", "error", err)
		os.Exit(1)
	}

	awsOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.EndpointURL != "" {
		awsOpts = append(awsOpts, awsconfig.WithBaseEndpoint(cfg.AWS.EndpointURL))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		logger.Error("failed to load AWS configuration", "error", err)
		os.Exit(1)
	}

	exporter := NewExporter(
		db.NewLedgerRepo(pool),
		s3.NewFromConfig(awsCfg),
		cfg.Archive,
		logger,
	)

	logger.Info("archiver initialized",
		"bucket", cfg.Archive.Bucket,
		"retention", cfg.Archive.Retention.String(),
		"batch_size", cfg.Archive.BatchSize,
	)

	lambda.Start((&Handler{Exporter: exporter, Logger: logger}).Handle)
}
