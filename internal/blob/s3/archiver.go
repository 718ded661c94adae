package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/duelpool/duelpool/internal/domain"
)

// Narrow store interfaces required by the archiver. The Postgres stores
// satisfy these implicitly; the archiver only needs the time-ranged queries
// it actually calls.

// MarketArchiveStore provides read access to settled markets for archival.
type MarketArchiveStore interface {
	ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Market, error)
}

// PositionArchiveStore provides read access to a market's positions.
type PositionArchiveStore interface {
	ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Position, error)
}

// AuditArchiveStore extends read access with pruning of exported entries.
type AuditArchiveStore interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
	Log(ctx context.Context, event string, detail map[string]any) error
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// settledRecord is the JSONL archive record: a settled market with every
// position staked on it, so a single line fully reconstructs the market's
// outcome.
type settledRecord struct {
	Market    domain.Market     `json:"market"`
	Positions []domain.Position `json:"positions"`
}

// Archiver implements domain.Archiver by exporting cold records (settled
// markets and aged audit entries) as JSONL objects in blob storage.
//
// Settled markets stay in the primary store after export: they remain
// claimable indefinitely. Audit entries are pruned once exported.
type Archiver struct {
	writer    domain.BlobWriter
	markets   MarketArchiveStore
	positions PositionArchiveStore
	audit     AuditArchiveStore
}

// NewArchiver creates an Archiver over the given writer and stores.
func NewArchiver(
	writer domain.BlobWriter,
	markets MarketArchiveStore,
	positions PositionArchiveStore,
	audit AuditArchiveStore,
) *Archiver {
	return &Archiver{
		writer:    writer,
		markets:   markets,
		positions: positions,
		audit:     audit,
	}
}

// ArchiveSettledMarkets exports every market settled strictly before the
// cutoff, each with its full position list, to
// archive/markets/YYYY-MM.jsonl. Returns the number of markets exported.
func (a *Archiver) ArchiveSettledMarkets(ctx context.Context, before time.Time) (int64, error) {
	markets, err := a.markets.ListSettledBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive markets query: %w", err)
	}
	if len(markets) == 0 {
		return 0, nil
	}

	records := make([]settledRecord, 0, len(markets))
	for _, m := range markets {
		positions, err := a.positions.ListByMarket(ctx, m.ID, domain.ListOpts{})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive positions for market %s: %w", m.ID, err)
		}
		records = append(records, settledRecord{Market: m, Positions: positions})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive markets marshal: %w", err)
	}

	path := archivePath("markets", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive markets upload: %w", err)
	}

	count := int64(len(records))

	if err := a.audit.Log(ctx, "archive.markets", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive markets audit log: %w", err)
	}

	return count, nil
}

// ArchiveAuditLog exports audit entries older than the cutoff to
// archive/audit/YYYY-MM.jsonl and prunes them from the primary store once
// the upload succeeds. Returns the number of entries exported.
func (a *Archiver) ArchiveAuditLog(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.List(ctx, domain.ListOpts{Until: &before})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	// Prune only after the upload is durable.
	if _, err := a.audit.DeleteBefore(ctx, before); err != nil {
		return int64(len(entries)), fmt.Errorf("s3blob: archive audit prune: %w", err)
	}

	return int64(len(entries)), nil
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises records as newline-delimited JSON.
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

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)
