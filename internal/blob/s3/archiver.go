package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 16 * 1024 * 1024
)

// ArchiveImpl implements domain.Archiver. It exports the event history of
// settled auctions to archive/auction_events/YYYY-MM.jsonl, records the run
// in the audit log and only then prunes the exported rows.
type ArchiveImpl struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	events domain.EventArchiveStore
	audit  domain.AuditStore
}

// NewArchiver creates an ArchiveImpl. audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, events domain.EventArchiveStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{writer: writer, reader: reader, events: events, audit: audit}
}

// ArchiveAuctionEvents archives and prunes events of auctions that ended
// before the cutoff. A month file that already exists is appended to, so
// repeated runs within one month never drop history.
func (a *ArchiveImpl) ArchiveAuctionEvents(ctx context.Context, before time.Time) (int64, error) {
	events, err := a.events.ListSettledBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive auction events query: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(events)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive auction events marshal: %w", err)
	}

	path := archivePath("auction_events", before)
	existing, err := a.existing(ctx, path)
	if err != nil {
		return 0, err
	}
	payload := append(existing, buf...)

	if len(payload) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(payload), jsonlContentType)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(payload), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive auction events upload: %w", err)
	}

	count := int64(len(events))
	maxSeq := events[len(events)-1].Seq
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.auction_events", map[string]any{
			"path":    path,
			"count":   count,
			"max_seq": maxSeq,
			"before":  before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive auction events audit log: %w", err)
		}
	}

	if _, err := a.events.DeleteSettledBefore(ctx, before, maxSeq); err != nil {
		return count, fmt.Errorf("s3blob: archive auction events prune: %w", err)
	}
	return count, nil
}

func (a *ArchiveImpl) existing(ctx context.Context, path string) ([]byte, error) {
	rc, err := a.reader.Get(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("s3blob: archive read existing %s: %w", path, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("s3blob: archive read existing %s: %w", path, err)
	}
	return data, nil
}

// archivePath partitions archives by the cutoff's year and month:
//
//	archive/auction_events/2026-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

// marshalJSONL encodes one compact JSON value per line.
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

var _ domain.Archiver = (*ArchiveImpl)(nil)
