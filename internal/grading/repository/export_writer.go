package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"gradeflow/internal/common/storage"
	"gradeflow/internal/grading/model"
	appErr "gradeflow/pkg/errors"
	"gradeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// ExportWriter serializes export artifacts into object storage.
type ExportWriter struct {
	storage storage.ObjectStorage
	bucket  string
}

// NewExportWriter creates a writer targeting the given bucket.
func NewExportWriter(st storage.ObjectStorage, bucket string) *ExportWriter {
	return &ExportWriter{storage: st, bucket: bucket}
}

// WriteExport stores the artifact as JSON under exports/{runId}.json and
// returns the object key.
func (w *ExportWriter) WriteExport(ctx context.Context, artifact model.ExportArtifact) (string, error) {
	if artifact.RunID == "" {
		return "", appErr.ValidationError("run_id", "required")
	}

	payload, err := json.Marshal(artifact)
	if err != nil {
		return "", fmt.Errorf("marshal export artifact failed: %w", err)
	}

	key := fmt.Sprintf("exports/%s.json", artifact.RunID)
	reader := io.NopCloser(bytes.NewReader(payload))
	if err := w.storage.PutObject(ctx, w.bucket, key, reader, int64(len(payload)), "application/json"); err != nil {
		return "", appErr.Wrapf(err, appErr.ExportFailed, "failed to store export for run %s", artifact.RunID)
	}

	logger.Info(ctx, "export artifact written",
		zap.String("run_id", artifact.RunID),
		zap.String("key", key),
		zap.Int("students", len(artifact.StudentResults)),
	)
	return key, nil
}
