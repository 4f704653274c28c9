package impact

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var seriesHeader = []string{"run_id", "started_at", "status", "duration_seconds", "phase"}

// Rows renders the report's run series as a table, header first. Undefined
// durations are empty cells.
func Rows(r Report) [][]string {
	data := make([][]string, 0, len(r.Series)+1)
	data = append(data, seriesHeader)
	for _, p := range r.Series {
		data = append(data, []string{
			p.RunID,
			p.StartedAt.UTC().Format(time.RFC3339),
			string(p.Status),
			formatOptional(p.DurationSeconds),
			string(p.Phase),
		})
	}
	return data
}

// Export writes the report as "csv" (the run series) or "json" (the whole
// report).
func Export(w io.Writer, r Report, format string) error {
	switch format {
	case "csv":
		writer := csv.NewWriter(w)
		if err := writer.WriteAll(Rows(r)); err != nil {
			return fmt.Errorf("failed to write CSV: %w", err)
		}
		return nil
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(r)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// pathSafe keeps pipeline ids from escaping the report directory.
var pathSafe = strings.NewReplacer("/", "_", `\`, "_")

// SaveReport writes the report into dir under a timestamped name and returns
// the file path.
func SaveReport(dir string, r Report, format string, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if format != "csv" && format != "json" {
		return "", fmt.Errorf("unsupported format: %s", format)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	timestamp := r.ComputedAt.UTC().Format("20060102_150405")
	filename := fmt.Sprintf("pipetune_impact_%s_%s.%s", pathSafe.Replace(r.PipelineConfigID), timestamp, format)
	fullPath := filepath.Join(dir, filename)

	file, err := os.Create(fullPath)
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Warn("failed to close report file", zap.String("path", fullPath), zap.Error(closeErr))
		}
	}()

	if err := Export(file, r, format); err != nil {
		return "", err
	}
	return fullPath, nil
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
