package quarantine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

const exportSheet = "Quarantine"

var exportHeader = []any{
	"ID", "Entity Type", "Entity ID", "Status", "Priority", "Reason",
	"Errors", "Resolution Steps", "Quarantined At", "Quarantined By",
	"Reviewed At", "Reviewed By", "Resolution Notes",
}

// ExportXLSX writes every record matching filter as a spreadsheet.
func (s *Service) ExportXLSX(ctx context.Context, filter models.QuarantineFilter, w io.Writer) error {
	recs, _, err := s.store.ListQuarantine(ctx, filter, 0, 0)
	if err != nil {
		return fmt.Errorf("list quarantine: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName(f.GetSheetName(0), exportSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(exportSheet, "A1", &exportHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, rec := range recs {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := exportRow(rec)
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if err := f.SetPanes(exportSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func exportRow(rec models.QuarantineRecord) []any {
	messages := make([]string, 0, len(rec.Errors))
	var steps []string
	for _, e := range rec.Errors {
		msg := e.Message
		if e.Field != "" {
			msg = e.Field + ": " + msg
		}
		messages = append(messages, msg)
		steps = append(steps, e.ResolutionSteps...)
	}
	reviewedAt := ""
	if rec.ReviewedAt != nil {
		reviewedAt = rec.ReviewedAt.Format(time.RFC3339)
	}
	return []any{
		rec.ID, string(rec.EntityType), rec.EntityID, string(rec.Status), string(rec.Priority), rec.Reason,
		strings.Join(messages, "\n"), strings.Join(steps, "\n"), rec.QuarantinedAt.Format(time.RFC3339), rec.QuarantinedBy,
		reviewedAt, rec.ReviewedBy, rec.ResolutionNotes,
	}
}
