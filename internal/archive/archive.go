// Package archive keeps raw worker batch bodies for replay and audit.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
)

// Archiver writes batch bodies to a blob store. Failures are logged only.
type Archiver struct {
	blobs  crawl.BlobStore
	prefix string
	clock  crawl.Clock
	logger *zap.Logger
}

// New builds an Archiver rooted at prefix.
func New(blobs crawl.BlobStore, prefix string, clock crawl.Clock, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{blobs: blobs, prefix: prefix, clock: clock, logger: logger}
}

// ObjectPath is batches/{job_id}/{batch_index}-{unix}.json under the prefix.
func (a *Archiver) ObjectPath(jobID string, batchIndex int) string {
	name := fmt.Sprintf("%d-%d.json", batchIndex, a.clock.Now().Unix())
	return path.Join(a.prefix, "batches", jobID, name)
}

// Archive stores body; it never returns an error to the ingestion path.
func (a *Archiver) Archive(ctx context.Context, jobID string, batchIndex int, body []byte) {
	objectPath := a.ObjectPath(jobID, batchIndex)
	uri, err := a.blobs.PutObject(ctx, objectPath, "application/json", bytes.NewReader(body))
	if err != nil {
		a.logger.Warn("archive batch",
			zap.String("job_id", jobID),
			zap.Int("batch_index", batchIndex),
			zap.Error(err),
		)
		return
	}
	a.logger.Debug("batch archived", zap.String("job_id", jobID), zap.String("uri", uri))
}
