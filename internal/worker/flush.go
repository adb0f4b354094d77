package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/pom-harvester/internal/harvest"
	"github.com/JakeFAU/pom-harvester/internal/metrics"
)

// FlushResult reports how a flush went.
type FlushResult struct {
	Persisted int
	Failed    int
	// Fallback is set when the bulk insert failed and rows were written one
	// at a time.
	Fallback bool
}

// Flush persists docs with one bulk insert. If that fails every document is
// retried on its own; documents that still fail are logged and dropped, so
// one bad row never costs the rest of the batch.
func Flush(ctx context.Context, session harvest.Session, docs []harvest.FetchedDocument, logger *zap.Logger) FlushResult {
	if len(docs) == 0 {
		return FlushResult{}
	}
	err := session.WriteBatch(ctx, docs)
	metrics.ObserveWrite("bulk", err)
	if err == nil {
		return FlushResult{Persisted: len(docs)}
	}
	logger.Warn("bulk insert failed, falling back to single-row inserts",
		zap.Int("documents", len(docs)),
		zap.Error(err),
	)

	result := FlushResult{Fallback: true}
	for _, doc := range docs {
		err := session.WriteOne(ctx, doc)
		metrics.ObserveWrite("single", err)
		if err != nil {
			result.Failed++
			logger.Error("insert failed, skipping document",
				zap.Int64("version_id", doc.VersionID),
				zap.Error(err),
			)
			continue
		}
		result.Persisted++
	}
	return result
}
