package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

// RoundArchiveStore is the read surface the archiver needs. The settlement
// stores satisfy it.
type RoundArchiveStore interface {
	ListDistributedBefore(ctx context.Context, before time.Time, afterID uint64, limit int) ([]domain.Round, error)
	ListWagers(ctx context.Context, roundID uint64) ([]domain.Wager, error)
}

// BlobStore is the writer plus the existence check used to skip rounds that
// were exported by an earlier run.
type BlobStore interface {
	domain.BlobWriter
	Exists(ctx context.Context, path string) (bool, error)
}

const (
	defaultBatchSize   = 200
	archiveContentType = "application/x-ndjson"
)

// ArchiveImpl implements domain.Archiver by exporting every distributed
// round, together with its wagers, as one JSONL object per round.
//
// Rounds stay in the primary store; they are permanent records and the
// export is a copy.
type ArchiveImpl struct {
	blobs     BlobStore
	rounds    RoundArchiveStore
	audit     domain.AuditStore
	batchSize int
	logger    *slog.Logger
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(blobs BlobStore, rounds RoundArchiveStore, audit domain.AuditStore, logger *slog.Logger) *ArchiveImpl {
	return &ArchiveImpl{
		blobs:     blobs,
		rounds:    rounds,
		audit:     audit,
		batchSize: defaultBatchSize,
		logger:    logger.With(slog.String("component", "round_archiver")),
	}
}

// WithBatchSize sets how many rounds are fetched per store query.
func (a *ArchiveImpl) WithBatchSize(n int) *ArchiveImpl {
	if n > 0 {
		a.batchSize = n
	}
	return a
}

// ArchiveRounds uploads every distributed round that ended before the cutoff
// and has no archive object yet. It returns the number of rounds uploaded.
func (a *ArchiveImpl) ArchiveRounds(ctx context.Context, before time.Time) (int64, error) {
	var (
		count   int64
		skipped int64
		afterID uint64
	)
	for {
		rounds, err := a.rounds.ListDistributedBefore(ctx, before, afterID, a.batchSize)
		if err != nil {
			return count, fmt.Errorf("s3blob: archive rounds query: %w", err)
		}
		for _, r := range rounds {
			afterID = r.ID
			path := archivePath(r)

			exists, err := a.blobs.Exists(ctx, path)
			if err != nil {
				return count, fmt.Errorf("s3blob: archive round %d: %w", r.ID, err)
			}
			if exists {
				skipped++
				continue
			}

			wagers, err := a.rounds.ListWagers(ctx, r.ID)
			if err != nil {
				return count, fmt.Errorf("s3blob: archive round %d wagers: %w", r.ID, err)
			}
			buf, err := marshalJSONL(roundRecords(r, wagers))
			if err != nil {
				return count, fmt.Errorf("s3blob: archive round %d marshal: %w", r.ID, err)
			}
			if err := a.upload(ctx, path, buf); err != nil {
				return count, fmt.Errorf("s3blob: archive round %d upload: %w", r.ID, err)
			}
			count++
		}
		if len(rounds) < a.batchSize {
			break
		}
	}

	a.logger.InfoContext(ctx, "rounds archived",
		slog.Int64("uploaded", count),
		slog.Int64("skipped", skipped),
		slog.Time("before", before),
	)
	if count == 0 {
		return 0, nil
	}
	if err := a.audit.Log(ctx, "archive.rounds", map[string]any{
		"count":   count,
		"last_id": afterID,
		"before":  before.Format(time.RFC3339),
	}); err != nil {
		a.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
	return count, nil
}

// upload switches to a multipart upload once the object outgrows one part.
func (a *ArchiveImpl) upload(ctx context.Context, path string, buf []byte) error {
	if int64(len(buf)) >= minPartSize {
		return a.blobs.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	}
	return a.blobs.Put(ctx, path, bytes.NewReader(buf), archiveContentType)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the object key for a round, partitioned by the
// year-month of its end time.
//
//	archive/rounds/2026-10/round-000000000042.jsonl
func archivePath(r domain.Round) string {
	return fmt.Sprintf("archive/rounds/%s/round-%012d.jsonl", r.EndTime.UTC().Format("2006-01"), r.ID)
}

// archiveRecord is one JSONL line. The first line of an object is the round,
// every following line one of its wagers.
type archiveRecord struct {
	Kind string `json:"kind"`

	RoundID          uint64 `json:"round_id"`
	PredictionID     uint64 `json:"prediction_id,omitempty"`
	PredictedValue   string `json:"predicted_value,omitempty"`
	ReferenceAtStart string `json:"reference_at_start,omitempty"`
	ReferenceAtEnd   string `json:"reference_at_end,omitempty"`
	Confidence       uint8  `json:"confidence,omitempty"`
	StartTime        string `json:"start_time,omitempty"`
	EndTime          string `json:"end_time,omitempty"`
	ForecastCorrect  *bool  `json:"forecast_correct,omitempty"`
	FeePercent       *uint8 `json:"fee_percent,omitempty"`
	TotalCorrect     string `json:"total_correct,omitempty"`
	TotalIncorrect   string `json:"total_incorrect,omitempty"`
	AnalysisRef      string `json:"analysis_ref,omitempty"`

	Participant string `json:"participant,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Side        string `json:"side,omitempty"`
	Claimed     *bool  `json:"claimed,omitempty"`
	PlacedAt    string `json:"placed_at,omitempty"`
}

func roundRecords(r domain.Round, wagers []domain.Wager) []archiveRecord {
	correct, fee := r.ForecastCorrect, r.FeePercent
	records := make([]archiveRecord, 0, len(wagers)+1)
	records = append(records, archiveRecord{
		Kind:             "round",
		RoundID:          r.ID,
		PredictionID:     r.PredictionID,
		PredictedValue:   r.PredictedValue.Dec(),
		ReferenceAtStart: r.ReferenceAtStart.Dec(),
		ReferenceAtEnd:   r.ReferenceAtEnd.Dec(),
		Confidence:       r.Confidence,
		StartTime:        r.StartTime.UTC().Format(time.RFC3339),
		EndTime:          r.EndTime.UTC().Format(time.RFC3339),
		ForecastCorrect:  &correct,
		FeePercent:       &fee,
		TotalCorrect:     r.TotalCorrect.Dec(),
		TotalIncorrect:   r.TotalIncorrect.Dec(),
		AnalysisRef:      r.AnalysisRef,
	})
	for _, w := range wagers {
		claimed := w.Claimed
		records = append(records, archiveRecord{
			Kind:        "wager",
			RoundID:     w.RoundID,
			Participant: w.Participant.Hex(),
			Amount:      w.Amount.Dec(),
			Side:        string(w.Side),
			Claimed:     &claimed,
			PlacedAt:    w.PlacedAt.UTC().Format(time.RFC3339),
		})
	}
	return records
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
