package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/mvds-io/NextKalk-sub000/pkg/database"
	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
)

const maxDocumentBytes = 20 << 20

var documentTargets = map[string]bool{"vann": true, "landingsplass": true}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	prefix, _, err := s.tableSet(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	permit, err := s.Heavy.Acquire(r.Context(), clientIP(r), RequestGeneral)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer permit.Release()

	r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		s.writeError(w, r, badRequest("invalid upload: %v", err))
		return
	}
	targetType := r.FormValue("targetType")
	targetID, err := strconv.ParseInt(r.FormValue("targetId"), 10, 64)
	if !documentTargets[targetType] || err != nil || targetID <= 0 {
		s.writeError(w, r, badRequest("targetType (vann|landingsplass) and targetId are required"))
		return
	}
	targetName, err := s.Planner.TargetName(r.Context(), prefix, targetType, targetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, badRequest("multipart field \"file\" is required"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxDocumentBytes+1))
	if err != nil {
		s.writeError(w, r, badRequest("read upload: %v", err))
		return
	}
	if len(data) > maxDocumentBytes {
		s.writeError(w, r, badRequest("file larger than %d MB", maxDocumentBytes>>20))
		return
	}
	ct := header.Header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(header.Filename)); byExt != "" {
			ct = byExt
		} else {
			ct = http.DetectContentType(data)
		}
	}

	doc, err := s.Docs.SaveDocument(r.Context(), s.Blobs, database.Document{
		Prefix:      prefix,
		TargetType:  targetType,
		TargetID:    targetID,
		Filename:    header.Filename,
		ContentType: ct,
		UploadedBy:  actor(r),
	}, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Planner.Record(r.Context(), planner.LogEntry{
		Actor: actor(r), Action: "document_upload", TargetType: targetType, TargetID: targetID,
		TargetName: targetName, Details: doc.Filename, Prefix: prefix,
	}, planner.Event{Type: "document_added", Prefix: prefix, Entity: targetType, ID: targetID})
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	prefix, _, err := s.tableSet(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	targetType := r.URL.Query().Get("targetType")
	targetID, err := strconv.ParseInt(r.URL.Query().Get("targetId"), 10, 64)
	if !documentTargets[targetType] || err != nil {
		s.writeError(w, r, badRequest("targetType and targetId are required"))
		return
	}
	docs, err := s.Docs.ListDocuments(r.Context(), prefix, targetType, targetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []database.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, data, err := s.Docs.OpenDocument(r.Context(), s.Blobs, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	disposition := "attachment"
	if r.URL.Query().Get("inline") == "1" {
		disposition = "inline"
	}
	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": doc.Filename}))
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := s.Docs.GetDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Docs.DeleteDocument(r.Context(), s.Blobs, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Planner.Record(r.Context(), planner.LogEntry{
		Actor: actor(r), Action: "document_delete", TargetType: doc.TargetType, TargetID: doc.TargetID,
		Details: doc.Filename, Prefix: doc.Prefix,
	}, planner.Event{Type: "document_removed", Prefix: doc.Prefix, Entity: doc.TargetType, ID: doc.TargetID})
	w.WriteHeader(http.StatusNoContent)
}
