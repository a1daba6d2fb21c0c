package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/extraction-bench/constants"
	"github.com/joseph-ayodele/extraction-bench/internal/entity"
)

const (
	jobsSheet       = "Jobs"
	comparisonSheet = "Comparison"
	payloadExcerpt  = 200
)

// JobLister is the read side of the orchestrator.
type JobLister interface {
	ListAllJobs(ctx context.Context) ([]*entity.ProcessingJob, error)
	ListJobsForFilename(ctx context.Context, filename string) ([]*entity.ProcessingJob, error)
}

// Service renders job history as XLSX workbooks.
type Service struct {
	jobs   JobLister
	logger *slog.Logger
}

func NewService(jobs JobLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, logger: logger}
}

// ExportJobsXLSX returns a workbook with every job (or only those for
// filename). With a filename it also adds a Comparison sheet: one row per
// top-level result field, one column per target, using each target's latest
// completed job.
func (s *Service) ExportJobsXLSX(ctx context.Context, filename string) ([]byte, error) {
	start := time.Now()

	var (
		jobs []*entity.ProcessingJob
		err  error
	)
	if filename == "" {
		jobs, err = s.jobs.ListAllJobs(ctx)
	} else {
		jobs, err = s.jobs.ListJobsForFilename(ctx, filename)
	}
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName("Sheet1", jobsSheet); err != nil {
		return nil, err
	}
	if err := writeJobs(f, jobs); err != nil {
		return nil, err
	}

	fields := 0
	if filename != "" {
		if fields, err = writeComparison(f, jobs); err != nil {
			return nil, err
		}
	}
	idx, _ := f.GetSheetIndex(jobsSheet)
	f.SetActiveSheet(idx)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"filename", filename,
		"rows", len(jobs),
		"compared_fields", fields,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func writeJobs(f *excelize.File, jobs []*entity.ProcessingJob) error {
	headers := []string{"Created", "Job ID", "Filename", "Target", "Status", "Duration (ms)", "Error", "Result"}
	if err := f.SetSheetRow(jobsSheet, "A1", &headers); err != nil {
		return err
	}
	for i, j := range jobs {
		errMsg := ""
		if j.ErrorMessage != nil {
			errMsg = *j.ErrorMessage
		}
		row := []any{
			j.CreatedAt.UTC().Format(time.RFC3339),
			j.ID,
			j.Filename,
			j.TargetID,
			string(j.Status),
			j.DurationMs,
			errMsg,
			truncate(string(j.ResultPayload), payloadExcerpt),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(jobsSheet, cell, &row); err != nil {
			return err
		}
	}

	_ = f.SetColWidth(jobsSheet, "A", "A", 22) // created
	_ = f.SetColWidth(jobsSheet, "B", "B", 38) // id
	_ = f.SetColWidth(jobsSheet, "C", "D", 24)
	_ = f.SetColWidth(jobsSheet, "E", "F", 14)
	_ = f.SetColWidth(jobsSheet, "G", "H", 60)
	return f.SetPanes(jobsSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

// writeComparison returns the number of field rows written.
func writeComparison(f *excelize.File, jobs []*entity.ProcessingJob) (int, error) {
	latest := map[string]map[string]json.RawMessage{}
	for _, j := range jobs { // newest first
		if j.Status != constants.JobStatusCompleted {
			continue
		}
		if _, seen := latest[j.TargetID]; seen {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(j.ResultPayload, &obj); err != nil {
			obj = map[string]json.RawMessage{"(result)": j.ResultPayload}
		}
		latest[j.TargetID] = obj
	}

	if _, err := f.NewSheet(comparisonSheet); err != nil {
		return 0, err
	}

	targetIDs := make([]string, 0, len(latest))
	var fields []string
	for id, obj := range latest {
		targetIDs = append(targetIDs, id)
		for k := range obj {
			if !slices.Contains(fields, k) {
				fields = append(fields, k)
			}
		}
	}
	slices.Sort(targetIDs)
	slices.Sort(fields)

	header := append([]any{"Field"}, toAny(targetIDs)...)
	if err := f.SetSheetRow(comparisonSheet, "A1", &header); err != nil {
		return 0, err
	}
	for r, field := range fields {
		row := []any{field}
		for _, id := range targetIDs {
			row = append(row, cellValue(latest[id][field]))
		}
		cell, _ := excelize.CoordinatesToCellName(1, r+2)
		if err := f.SetSheetRow(comparisonSheet, cell, &row); err != nil {
			return 0, err
		}
	}
	_ = f.SetColWidth(comparisonSheet, "A", "A", 28)
	return len(fields), nil
}

// cellValue renders scalars natively and nested values as JSON text.
func cellValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	switch x := v.(type) {
	case nil:
		return ""
	case string, float64, bool:
		return x
	default:
		return truncate(string(raw), payloadExcerpt)
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// truncate caps s at n bytes, never splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut, marker := n-1, "…"
	if n <= 1 {
		cut, marker = n, ""
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}
