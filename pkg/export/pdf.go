package export

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/go-pdf/fpdf"

	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
)

// PDFOptions configures the progress report.
type PDFOptions struct {
	Title string
	// MapURL, when set, is printed as a QR code in the header.
	MapURL string
	// IncludeVann lists each water body under its landing site.
	IncludeVann bool
}

const (
	pageMargin = 12.0
	rowHeight  = 6.0
)

var lpColumns = []struct {
	title string
	width float64
	align string
}{
	{"Prio", 12, "C"},
	{"Kode", 22, "L"},
	{"Navn", 58, "L"},
	{"Vann", 18, "R"},
	{"Tonn", 24, "R"},
	{"Utført tonn", 26, "R"},
	{"Status", 26, "C"},
}

// ProgressPDF renders plan as a tabular A4 report grouped by fylke.
func ProgressPDF(w io.Writer, plan planner.ProgressPlan, opt PDFOptions) error {
	title := opt.Title
	if title == "" {
		title = "Fremdriftsplan kalking"
		if plan.Year > 0 {
			title = fmt.Sprintf("%s %d", title, plan.Year)
		}
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)
	pdf.SetTitle(title, true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFooterFunc(func() {
		pdf.SetY(-10)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 5, tr(fmt.Sprintf("%s  -  generert %s  -  side %d",
			plan.Prefix, plan.GeneratedAt.Format("02.01.2006 15:04"), pdf.PageNo())), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	if opt.MapURL != "" {
		var buf bytes.Buffer
		if err := QRPNG(&buf, opt.MapURL, QROptions{SizePx: 256}); err != nil {
			return fmt.Errorf("qr: %w", err)
		}
		pdf.RegisterImageOptionsReader("map-qr", fpdf.ImageOptions{ImageType: "PNG"}, &buf)
		pdf.ImageOptions("map-qr", 210-pageMargin-28, pageMargin, 28, 28, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, opt.MapURL)
	}

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(150, 9, tr(title), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(150, 6, tr(totalsLine(plan.Overall)), "", 1, "L", false, 0, "")
	if opt.MapURL != "" {
		pdf.SetY(pageMargin + 30)
	} else {
		pdf.Ln(4)
	}

	for _, fp := range plan.Fylker {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.SetFillColor(225, 235, 215)
		pdf.CellFormat(0, 8, tr(fp.Fylke), "", 1, "L", true, 0, "")
		pdf.SetFont("Helvetica", "", 9)
		pdf.CellFormat(0, 5, tr(totalsLine(fp.Totals)), "", 1, "L", false, 0, "")
		tableHeader(pdf, tr)

		for _, lp := range fp.Landingsplasser {
			status := "Gjenstår"
			if lp.Done {
				status = "Utført"
			}
			prio := ""
			if lp.Priority > 0 {
				prio = fmt.Sprintf("%d", lp.Priority)
			}
			cells := []string{
				prio,
				lp.Code,
				lp.Name,
				fmt.Sprintf("%d/%d", lp.DoneVannCount, lp.VannCount),
				formatTonn(lp.TotalTonn),
				formatTonn(lp.DoneTonn),
				status,
			}
			pdf.SetFont("Helvetica", "", 9)
			for i, c := range lpColumns {
				pdf.CellFormat(c.width, rowHeight, tr(truncate(cells[i], int(c.width/1.8))), "1", 0, c.align, false, 0, "")
			}
			pdf.Ln(-1)

			if opt.IncludeVann {
				pdf.SetFont("Helvetica", "", 8)
				for _, v := range lp.Vann {
					mark := " "
					if v.Done {
						mark = "x"
					}
					line := fmt.Sprintf("[%s] %s (%s) %s t", mark, v.Name, v.Kommune, formatTonn(v.Tonn))
					if v.DistanceKM != nil {
						line += fmt.Sprintf(", %.1f km", *v.DistanceKM)
					}
					pdf.CellFormat(12, 5, "", "", 0, "L", false, 0, "")
					pdf.CellFormat(0, 5, tr(line), "", 1, "L", false, 0, "")
				}
			}
		}
		pdf.Ln(4)
	}

	if len(plan.Unassigned) > 0 {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(0, 8, tr("Vann uten landingsplass"), "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 9)
		for _, v := range plan.Unassigned {
			pdf.CellFormat(0, 5, tr(fmt.Sprintf("%s, %s (%s): %s t", v.Name, v.Kommune, v.Fylke, formatTonn(v.Tonn))), "", 1, "L", false, 0, "")
		}
	}

	if err := pdf.Error(); err != nil {
		return err
	}
	return pdf.Output(w)
}

func tableHeader(pdf *fpdf.Fpdf, tr func(string) string) {
	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetFillColor(240, 240, 240)
	for _, c := range lpColumns {
		pdf.CellFormat(c.width, rowHeight, tr(c.title), "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)
}

func totalsLine(t planner.Totals) string {
	return fmt.Sprintf("%d av %d vann utført, %s av %s tonn (%.0f %%)",
		t.DoneVannCount, t.VannCount, formatTonn(t.DoneTonn), formatTonn(t.TotalTonn), t.PercentTonn)
}

// formatTonn prints one decimal with a comma, as Norwegian readers expect.
func formatTonn(v float64) string {
	return strings.Replace(fmt.Sprintf("%.1f", v), ".", ",", 1)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 1 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
