package upload

import (
	"context"

	"defectcam/internal/logger"
)

// DiscardIngestor drops every snapshot; used with the "none" backend so the
// rate limit and record keeping still run without a remote store
type DiscardIngestor struct{}

func (DiscardIngestor) Name() string { return "none" }

func (DiscardIngestor) Ingest(_ context.Context, u *Upload) (Reference, error) {
	logger.Debug(logTag, "Discarded %d byte snapshot for %s", len(u.JPEG), u.Event.Label)
	return Reference{}, nil
}

var _ Ingestor = DiscardIngestor{}
