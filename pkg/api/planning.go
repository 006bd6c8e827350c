package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/mvds-io/NextKalk-sub000/pkg/export"
	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
)

// parseFilter reads fylke, status, q and bbox=minLon,minLat,maxLon,maxLat.
func parseFilter(r *http.Request) (planner.Filter, error) {
	q := r.URL.Query()
	f := planner.Filter{
		Fylke:  q.Get("fylke"),
		Status: planner.ParseStatus(q.Get("status")),
		Query:  q.Get("q"),
	}
	if raw := strings.TrimSpace(q.Get("bbox")); raw != "" {
		parts := strings.Split(raw, ",")
		vals := make([]float64, 0, len(parts))
		for _, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return planner.Filter{}, badRequest("invalid bbox")
			}
			vals = append(vals, v)
		}
		b, ok := planner.ParseBBox(vals)
		if !ok {
			return planner.Filter{}, badRequest("invalid bbox")
		}
		f.Bound = &b
	}
	return f, nil
}

func (s *Server) cachedJSON(ctx context.Context, key string, build func(context.Context) (any, error)) ([]byte, error) {
	return s.Cache.Get(ctx, key, func(ctx context.Context) ([]byte, error) {
		v, err := build(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	prefix, _, err := s.tableSet(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := s.cachedJSON(r.Context(), cachePrefix(prefix)+"map|"+f.Key(), func(ctx context.Context) (any, error) {
		return s.Planner.MapPayload(ctx, prefix, f)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRawJSON(w, data)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	prefix, _, err := s.tableSet(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := s.cachedJSON(r.Context(), cachePrefix(prefix)+"summary", func(ctx context.Context) (any, error) {
		return s.Planner.Summary(ctx, prefix)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRawJSON(w, data)
}

func (s *Server) progressPlan(r *http.Request) (planner.ProgressPlan, error) {
	prefix, year, err := s.tableSet(r)
	if err != nil {
		return planner.ProgressPlan{}, err
	}
	f, err := parseFilter(r)
	if err != nil {
		return planner.ProgressPlan{}, err
	}
	return s.Planner.Progress(r.Context(), prefix, year, f)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	plan, err := s.progressPlan(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

type doneRequest struct {
	Done bool `json:"done"`
}

func (s *Server) handleVannDone(w http.ResponseWriter, r *http.Request) {
	s.toggleDone(w, r, func(ctx context.Context, prefix string, id int64, done bool) (any, error) {
		return s.Planner.SetVannDone(ctx, prefix, id, done, actor(r))
	})
}

func (s *Server) handleLandingsplassDone(w http.ResponseWriter, r *http.Request) {
	s.toggleDone(w, r, func(ctx context.Context, prefix string, id int64, done bool) (any, error) {
		return s.Planner.SetLandingsplassDone(ctx, prefix, id, done, actor(r))
	})
}

func (s *Server) toggleDone(w http.ResponseWriter, r *http.Request, set func(context.Context, string, int64, bool) (any, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	prefix, _, err := s.tableSet(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req doneRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	row, err := set(r.Context(), prefix, id, req.Done)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mutated(prefix)
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleAddAssociation(w http.ResponseWriter, r *http.Request) {
	prefix, _, err := s.tableSet(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var a planner.Association
	if err := decodeJSON(r, &a); err != nil {
		s.writeError(w, r, err)
		return
	}
	a.ID = 0
	created, err := s.Planner.AddAssociation(r.Context(), prefix, a, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mutated(prefix)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleRemoveAssociation(w http.ResponseWriter, r *http.Request) {
	prefix, _, err := s.tableSet(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	lpID, err1 := strconv.ParseInt(q.Get("landingsplassId"), 10, 64)
	vannID, err2 := strconv.ParseInt(q.Get("vannId"), 10, 64)
	if err1 != nil || err2 != nil || lpID <= 0 || vannID <= 0 {
		s.writeError(w, r, badRequest("landingsplassId and vannId are required"))
		return
	}
	if err := s.Planner.RemoveAssociation(r.Context(), prefix, lpID, vannID, actor(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mutated(prefix)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListVann(w http.ResponseWriter, r *http.Request) {
	prefix, _, err := s.tableSet(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := s.Planner.Repo.ListVann(r.Context(), prefix)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCreateVann(w http.ResponseWriter, r *http.Request) {
	prefix, _, err := s.tableSet(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var v planner.Vann
	if err := decodeJSON(r, &v); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.Planner.CreateVann(r.Context(), prefix, v, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mutated(prefix)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateVann(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	prefix, _, err := s.tableSet(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var v planner.Vann
	if err := decodeJSON(r, &v); err != nil {
		s.writeError(w, r, err)
		return
	}
	v.ID = id
	updated, err := s.Planner.UpdateVann(r.Context(), prefix, v, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mutated(prefix)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteVann(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	prefix, _, err := s.tableSet(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Planner.DeleteVann(r.Context(), prefix, id, actor(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mutated(prefix)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListLandingsplasser(w http.ResponseWriter, r *http.Request) {
	prefix, _, err := s.tableSet(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := s.Planner.Repo.ListLandingsplasser(r.Context(), prefix)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCreateLandingsplass(w http.ResponseWriter, r *http.Request) {
	prefix, _, err := s.tableSet(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var lp planner.Landingsplass
	if err := decodeJSON(r, &lp); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.Planner.CreateLandingsplass(r.Context(), prefix, lp, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mutated(prefix)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateLandingsplass(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	prefix, _, err := s.tableSet(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var lp planner.Landingsplass
	if err := decodeJSON(r, &lp); err != nil {
		s.writeError(w, r, err)
		return
	}
	lp.ID = id
	updated, err := s.Planner.UpdateLandingsplass(r.Context(), prefix, lp, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mutated(prefix)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteLandingsplass(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	prefix, _, err := s.tableSet(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Planner.DeleteLandingsplass(r.Context(), prefix, id, actor(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mutated(prefix)
	w.WriteHeader(http.StatusNoContent)
}

const maxImportBytes = 10 << 20

// handleImportVann takes a multipart "file" field holding an XLSX sheet.
func (s *Server) handleImportVann(w http.ResponseWriter, r *http.Request) {
	prefix, _, err := s.tableSet(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	permit, err := s.Heavy.Acquire(r.Context(), clientIP(r), RequestHeavy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer permit.Release()

	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, badRequest("multipart field \"file\" is required"))
		return
	}
	defer file.Close()

	rows, issues, err := export.ParseVannSheet(file)
	if err != nil {
		s.writeError(w, r, badRequest("%v", err))
		return
	}
	n, err := s.Planner.ImportVann(r.Context(), prefix, rows, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mutated(prefix)
	if issues == nil {
		issues = []export.ImportIssue{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"imported": n, "skipped": issues})
}
