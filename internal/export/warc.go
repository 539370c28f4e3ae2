// Package export writes alternative on-disk renditions of an archive.
package export

import (
	"fmt"
	"io"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/trenchlabs/trench/internal/archive"
	"github.com/trenchlabs/trench/internal/assetstore"
	"github.com/trenchlabs/trench/internal/id/uuid"
)

// WARCWriter emits the capture set as WARC-style response records: one
// record per unique stored blob, in URL order. The output is readable by
// common WARC tooling but does not chase full conformance (no request
// records, no digests).
type WARCWriter struct {
	store  *assetstore.Store
	idGen  *uuid.Generator
	logger *zap.Logger
}

// NewWARCWriter builds a WARCWriter over an opened asset store.
func NewWARCWriter(store *assetstore.Store, logger *zap.Logger) *WARCWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WARCWriter{store: store, idGen: uuid.New(), logger: logger}
}

// Export writes every non-broken, non-deduplicated asset of man to w.
// Deduplicated records point at a blob already emitted under its first URL.
func (e *WARCWriter) Export(w io.Writer, man archive.ArchiveManifest) error {
	records := make([]archive.AssetRecord, 0, len(man.Assets))
	for _, rec := range man.Assets {
		if rec.Broken() || rec.Deduplicated {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].URL < records[j].URL })

	date := man.Created.UTC().Format(time.RFC3339)
	for _, rec := range records {
		body, err := e.store.Get(rec.ContentHash)
		if err != nil {
			e.logger.Warn("blob missing during export",
				zap.String("url", rec.URL),
				zap.String("hash", rec.ContentHash),
				zap.Error(err))
			continue
		}
		if err := e.writeRecord(w, rec, body, date); err != nil {
			return err
		}
	}
	return nil
}

func (e *WARCWriter) writeRecord(w io.Writer, rec archive.AssetRecord, body []byte, date string) error {
	recordID, err := e.idGen.NewID()
	if err != nil {
		return fmt.Errorf("record id: %w", err)
	}
	mime := rec.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	header := fmt.Sprintf("WARC/1.0\r\n"+
		"WARC-Type: response\r\n"+
		"WARC-Record-ID: <urn:uuid:%s>\r\n"+
		"WARC-Date: %s\r\n"+
		"WARC-Target-URI: %s\r\n"+
		"Content-Type: %s\r\n"+
		"Content-Length: %d\r\n\r\n",
		recordID, date, rec.URL, mime, len(body))
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("write record header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write record body: %w", err)
	}
	if _, err := io.WriteString(w, "\r\n\r\n"); err != nil {
		return fmt.Errorf("write record trailer: %w", err)
	}
	return nil
}
