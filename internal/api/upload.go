package api

import (
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/rowsource"
)

const previewRows = 5

type previewResponse struct {
	Filename          string              `json:"filename"`
	TotalRows         int                 `json:"total_rows"`
	Columns           []string            `json:"columns"`
	PreviewRows       []map[string]string `json:"preview_rows"`
	SuggestedMappings model.ColumnMapping `json:"suggested_mappings"`
}

// handleUploadPreview parses an uploaded CSV or XLSX file (form field
// "file") and suggests a column mapping. Nothing is stored.
func (s *Server) handleUploadPreview(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close() //nolint:errcheck

	var table *rowsource.Table
	switch strings.ToLower(filepath.Ext(hdr.Filename)) {
	case ".csv":
		table, err = rowsource.ReadCSV(r.Context(), file)
	case ".xlsx":
		var data []byte
		if data, err = io.ReadAll(file); err == nil {
			table, err = rowsource.ReadXLSX(data, "")
		}
	default:
		writeError(w, http.StatusBadRequest, "only .csv and .xlsx files are allowed")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read file: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, previewResponse{
		Filename:          hdr.Filename,
		TotalRows:         len(table.Records),
		Columns:           table.Header,
		PreviewRows:       table.Preview(previewRows),
		SuggestedMappings: rowsource.SuggestMapping(table.Header),
	})
}
