package export

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
)

const summarySheet = "Oversikt"

// ProgressXLSX writes a summary sheet and one sheet per fylke.
func ProgressXLSX(w io.Writer, plan planner.ProgressPlan) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	header := []any{"Fylke", "Vann", "Utført vann", "Tonn", "Utført tonn", "Gjenstår tonn", "Prosent"}
	if err := f.SetSheetRow(summarySheet, "A1", &header); err != nil {
		return err
	}
	_ = f.SetCellStyle(summarySheet, "A1", "G1", bold)
	row := 2
	for _, fp := range plan.Fylker {
		if err := f.SetSheetRow(summarySheet, cell(1, row), totalsRow(fp.Fylke, fp.Totals)); err != nil {
			return err
		}
		row++
	}
	if err := f.SetSheetRow(summarySheet, cell(1, row), totalsRow("Totalt", plan.Overall)); err != nil {
		return err
	}
	_ = f.SetCellStyle(summarySheet, cell(1, row), cell(7, row), bold)

	used := map[string]bool{summarySheet: true}
	for _, fp := range plan.Fylker {
		name := sheetName(fp.Fylke, used)
		if _, err := f.NewSheet(name); err != nil {
			return err
		}
		cols := []any{"Prioritet", "Kode", "Landingsplass", "Vann", "Kommune", "Tonn", "Avstand km", "Utført"}
		if err := f.SetSheetRow(name, "A1", &cols); err != nil {
			return err
		}
		_ = f.SetCellStyle(name, "A1", "H1", bold)
		r := 2
		for _, lp := range fp.Landingsplasser {
			if len(lp.Vann) == 0 {
				values := []any{lp.Priority, lp.Code, lp.Name, "", lp.Kommune, 0, "", yesNo(lp.Done)}
				if err := f.SetSheetRow(name, cell(1, r), &values); err != nil {
					return err
				}
				r++
				continue
			}
			for _, v := range lp.Vann {
				var dist any = ""
				if v.DistanceKM != nil {
					dist = *v.DistanceKM
				}
				values := []any{lp.Priority, lp.Code, lp.Name, v.Name, v.Kommune, v.Tonn, dist, yesNo(v.Done)}
				if err := f.SetSheetRow(name, cell(1, r), &values); err != nil {
					return err
				}
				r++
			}
		}
	}

	if len(plan.Unassigned) > 0 {
		name := sheetName("Uten landingsplass", used)
		if _, err := f.NewSheet(name); err != nil {
			return err
		}
		cols := []any{"Vann", "Fylke", "Kommune", "Tonn", "Utført"}
		if err := f.SetSheetRow(name, "A1", &cols); err != nil {
			return err
		}
		for i, v := range plan.Unassigned {
			values := []any{v.Name, v.Fylke, v.Kommune, v.Tonn, yesNo(v.Done)}
			if err := f.SetSheetRow(name, cell(1, i+2), &values); err != nil {
				return err
			}
		}
	}

	f.SetActiveSheet(0)
	_, err = f.WriteTo(w)
	return err
}

func totalsRow(label string, t planner.Totals) *[]any {
	return &[]any{label, t.VannCount, t.DoneVannCount, t.TotalTonn, t.DoneTonn, t.RemainingTonn, t.PercentTonn}
}

func cell(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}

func yesNo(b bool) string {
	if b {
		return "Ja"
	}
	return "Nei"
}

// sheetName makes a unique sheet name within Excel's 31 character limit.
func sheetName(s string, used map[string]bool) string {
	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]:*?/\`, r) {
			return '-'
		}
		return r
	}, strings.TrimSpace(s))
	if s == "" {
		s = "Ukjent"
	}
	if r := []rune(s); len(r) > 28 {
		s = string(r[:28])
	}
	name := s
	for i := 2; used[name]; i++ {
		name = fmt.Sprintf("%s %d", s, i)
	}
	used[name] = true
	return name
}

// ErrNoVannRows is returned when an import sheet has a header but no data.
var ErrNoVannRows = errors.New("sheet contains no water bodies")

// ImportIssue reports a skipped spreadsheet row.
type ImportIssue struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

var headerAliases = map[string]string{
	"navn":       "name",
	"name":       "name",
	"vann":       "name",
	"fylke":      "fylke",
	"kommune":    "kommune",
	"lat":        "lat",
	"latitude":   "lat",
	"breddegrad": "lat",
	"lon":        "lon",
	"lng":        "lon",
	"longitude":  "lon",
	"lengdegrad": "lon",
	"tonn":       "tonn",
	"tonnasje":   "tonn",
	"kalk":       "tonn",
	"kommentar":  "comment",
	"comment":    "comment",
}

// ParseVannSheet reads water bodies from the first sheet of an XLSX file.
// Columns are matched by header; rows that fail to parse are skipped and
// reported.
func ParseVannSheet(r io.Reader) ([]planner.Vann, []ImportIssue, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, nil, errors.New("no worksheet found")
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, errors.New("worksheet is empty")
	}

	cols := map[string]int{}
	for i, h := range rows[0] {
		if key, ok := headerAliases[strings.ToLower(strings.TrimSpace(h))]; ok {
			if _, seen := cols[key]; !seen {
				cols[key] = i
			}
		}
	}
	if _, ok := cols["name"]; !ok {
		return nil, nil, errors.New("missing column navn")
	}

	var (
		out    []planner.Vann
		issues []ImportIssue
	)
	for i, row := range rows[1:] {
		rowNo := i + 2
		get := func(key string) string {
			idx, ok := cols[key]
			if !ok || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}
		name := get("name")
		if name == "" {
			if strings.TrimSpace(strings.Join(row, "")) != "" {
				issues = append(issues, ImportIssue{Row: rowNo, Reason: "missing name"})
			}
			continue
		}
		v := planner.Vann{
			Name:    name,
			Fylke:   get("fylke"),
			Kommune: get("kommune"),
			Comment: get("comment"),
		}
		var bad string
		if v.Latitude, bad = parseNumber(get("lat"), "lat"); bad == "" {
			if v.Longitude, bad = parseNumber(get("lon"), "lon"); bad == "" {
				v.Tonn, bad = parseNumber(get("tonn"), "tonn")
			}
		}
		if bad != "" {
			issues = append(issues, ImportIssue{Row: rowNo, Reason: bad})
			continue
		}
		if err := planner.Validate(v); err != nil {
			issues = append(issues, ImportIssue{Row: rowNo, Reason: err.Error()})
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, issues, ErrNoVannRows
	}
	return out, issues, nil
}

// parseNumber accepts both "1.5" and "1,5". Empty cells are zero.
func parseNumber(s, field string) (float64, string) {
	if s == "" {
		return 0, ""
	}
	s = strings.ReplaceAll(strings.ReplaceAll(s, " ", ""), ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Sprintf("invalid %s %q", field, s)
	}
	return v, ""
}
