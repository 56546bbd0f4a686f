package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/httputil"
)

const maxAuditLimit = 10000

var exportContentTypes = map[audit.ExportFormat]string{
	audit.ExportFormatJSON:   "application/json",
	audit.ExportFormatNDJSON: "application/x-ndjson",
	audit.ExportFormatCSV:    "text/csv",
}

// exportAudit handles GET /v1/audit
//
// Query parameters: format (json, ndjson, csv), event_type (repeatable or
// comma separated), user_id, since, until (RFC 3339) and limit.
func (s *Server) exportAudit(w http.ResponseWriter, r *http.Request) {
	filter, format, err := parseAuditQuery(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	body, err := audit.Export(s.audit.Search(filter), format)
	if err != nil {
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "failed to export audit events")
		return
	}
	w.Header().Set("Content-Type", exportContentTypes[format])
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func parseAuditQuery(r *http.Request) (audit.SearchFilter, audit.ExportFormat, error) {
	q := r.URL.Query()

	format := audit.ExportFormat(strings.ToLower(q.Get("format")))
	if format == "" {
		format = audit.ExportFormatJSON
	}
	if _, ok := exportContentTypes[format]; !ok {
		return audit.SearchFilter{}, "", fmt.Errorf("unsupported format: %s", format)
	}

	var filter audit.SearchFilter
	for _, v := range q["event_type"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.EventTypes = append(filter.EventTypes, audit.EventType(strings.ToUpper(t)))
			}
		}
	}
	filter.UserID = q.Get("user_id")

	var err error
	if filter.Since, err = httputil.ParseQueryTime(r, "since"); err != nil {
		return filter, "", err
	}
	if filter.Until, err = httputil.ParseQueryTime(r, "until"); err != nil {
		return filter, "", err
	}
	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", 1000); err != nil {
		return filter, "", err
	}
	if filter.Limit <= 0 || filter.Limit > maxAuditLimit {
		return filter, "", fmt.Errorf("limit must be between 1 and %d", maxAuditLimit)
	}
	return filter, format, nil
}
