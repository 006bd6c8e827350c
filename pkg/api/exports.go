package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mvds-io/NextKalk-sub000/pkg/export"
	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
)

func exportFilename(plan planner.ProgressPlan, ext string) string {
	if plan.Year > 0 {
		return fmt.Sprintf("fremdriftsplan-%d.%s", plan.Year, ext)
	}
	return fmt.Sprintf("fremdriftsplan-%s.%s", plan.Prefix, ext)
}

// renderExport builds a file under the heavy limiter and sends it as an
// attachment. Rendering into a buffer first keeps errors reportable as JSON.
func (s *Server) renderExport(w http.ResponseWriter, r *http.Request, ext, contentType string, render func(*bytes.Buffer, planner.ProgressPlan) error) {
	permit, err := s.Heavy.Acquire(r.Context(), clientIP(r), RequestHeavy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer permit.Release()

	plan, err := s.progressPlan(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := render(&buf, plan); err != nil {
		s.writeError(w, r, fmt.Errorf("render %s: %w", ext, err))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportFilename(plan, ext)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleProgressPDF(w http.ResponseWriter, r *http.Request) {
	opts := export.PDFOptions{
		MapURL:      s.PublicURL,
		IncludeVann: r.URL.Query().Get("detail") != "0",
	}
	s.renderExport(w, r, "pdf", "application/pdf", func(buf *bytes.Buffer, plan planner.ProgressPlan) error {
		return export.ProgressPDF(buf, plan, opts)
	})
}

func (s *Server) handleProgressXLSX(w http.ResponseWriter, r *http.Request) {
	s.renderExport(w, r, "xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		func(buf *bytes.Buffer, plan planner.ProgressPlan) error {
			return export.ProgressXLSX(buf, plan)
		})
}

// handleQRPNG encodes ?u= (or the referring page) as a QR image.
func (s *Server) handleQRPNG(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("u")
	if u == "" {
		u = r.Referer()
	}
	if u == "" {
		u = s.PublicURL
	}
	if u == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		u = scheme + "://" + r.Host + "/"
	}
	opt := export.DefaultQROptions()
	if size, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil {
		opt.SizePx = size
	}

	var buf bytes.Buffer
	if err := export.QRPNG(&buf, u, opt); err != nil {
		if errors.Is(err, export.ErrQRPayloadTooLong) {
			err = badRequest("%v", err)
		}
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Disposition", "inline; filename=\"qr.png\"")
	_, _ = buf.WriteTo(w)
}
