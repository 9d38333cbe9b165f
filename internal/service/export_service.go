package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-timetable-api/internal/models"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
	"github.com/noah-isme/sma-timetable-api/pkg/export"
)

// ExportFormat selects the rendered document type.
type ExportFormat string

const (
	ExportFormatCSV ExportFormat = "csv"
	ExportFormatPDF ExportFormat = "pdf"
)

var exportHeaders = []string{"Class", "Day", "Period", "Lesson", "Double"}

type slotSource interface {
	GetSlots(ctx context.Context, schoolID, versionName string) ([]models.TimetableSlotDetail, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, opts export.PDFOptions) ([]byte, error)
}

// ExportDocument is a rendered timetable ready to stream.
type ExportDocument struct {
	Content     []byte
	ContentType string
	Filename    string
}

// ExportService renders committed timetable versions.
type ExportService struct {
	slots  slotSource
	csv    csvRenderer
	pdf    pdfRenderer
	title  string
	logger *zap.Logger
	now    func() time.Time
}

// NewExportService constructs an ExportService.
func NewExportService(slots slotSource, csv csvRenderer, pdf pdfRenderer, title string, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	if strings.TrimSpace(title) == "" {
		title = "Timetable"
	}
	return &ExportService{slots: slots, csv: csv, pdf: pdf, title: title, logger: logger, now: time.Now}
}

// ParseExportFormat normalises a user supplied format, defaulting to CSV.
func ParseExportFormat(raw string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ExportFormatCSV:
		return ExportFormatCSV, nil
	case ExportFormatPDF:
		return ExportFormatPDF, nil
	default:
		return "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", raw))
	}
}

// ExportVersion renders the slot set of a version.
func (s *ExportService) ExportVersion(ctx context.Context, schoolID, versionName string, format ExportFormat) (*ExportDocument, error) {
	slots, err := s.slots.GetSlots(ctx, schoolID, versionName)
	if err != nil {
		return nil, err
	}
	data := timetableDataset(slots)

	base := exportFilename(versionName)
	switch format {
	case ExportFormatCSV, "":
		content, err := s.csv.Render(data)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv export")
		}
		return &ExportDocument{Content: content, ContentType: "text/csv", Filename: base + ".csv"}, nil
	case ExportFormatPDF:
		opts := export.PDFOptions{
			Title:     fmt.Sprintf("%s - %s", s.title, versionName),
			Subtitle:  fmt.Sprintf("%d slots, generated %s", len(slots), s.now().UTC().Format("2006-01-02 15:04 MST")),
			Landscape: true,
		}
		content, err := s.pdf.Render(data, opts)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf export")
		}
		return &ExportDocument{Content: content, ContentType: "application/pdf", Filename: base + ".pdf"}, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
}

func timetableDataset(slots []models.TimetableSlotDetail) export.Dataset {
	ordered := make([]models.TimetableSlotDetail, len(slots))
	copy(ordered, slots)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.ClassName != b.ClassName {
			return a.ClassName < b.ClassName
		}
		if da, db := dayRank(a.Day), dayRank(b.Day); da != db {
			return da < db
		}
		if a.Day != b.Day {
			return a.Day < b.Day
		}
		return a.PeriodNumber < b.PeriodNumber
	})

	rows := make([]map[string]string, 0, len(ordered))
	for _, slot := range ordered {
		rows = append(rows, map[string]string{
			"Class":  slot.ClassName,
			"Day":    slot.Day,
			"Period": strconv.Itoa(slot.PeriodNumber),
			"Lesson": slot.LessonName,
			"Double": doubleMarker(slot),
		})
	}
	return export.Dataset{Headers: exportHeaders, Rows: rows, GroupBy: "Class"}
}

func doubleMarker(slot models.TimetableSlotDetail) string {
	switch {
	case slot.IsDoubleStart && slot.IsDoubleEnd:
		return "start/end"
	case slot.IsDoubleStart:
		return "start"
	case slot.IsDoubleEnd:
		return "end"
	default:
		return ""
	}
}

var weekdayOrder = map[string]int{
	"monday": 1, "mon": 1, "senin": 1,
	"tuesday": 2, "tue": 2, "selasa": 2,
	"wednesday": 3, "wed": 3, "rabu": 3,
	"thursday": 4, "thu": 4, "kamis": 4,
	"friday": 5, "fri": 5, "jumat": 5,
	"saturday": 6, "sat": 6, "sabtu": 6,
	"sunday": 7, "sun": 7, "minggu": 7,
}

// dayRank orders known weekday names; unknown names sort after them.
func dayRank(day string) int {
	if rank, ok := weekdayOrder[strings.ToLower(strings.TrimSpace(day))]; ok {
		return rank
	}
	return len(weekdayOrder)
}

func exportFilename(versionName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(versionName)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "timetable"
	}
	return "timetable-" + b.String()
}
