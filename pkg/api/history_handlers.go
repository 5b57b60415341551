package api

import (
	"net/http"

	"github.com/hearthhq/hearth/pkg/history"
	"github.com/hearthhq/hearth/pkg/httputil"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

func (s *Server) historyFilter(w http.ResponseWriter, r *http.Request) (history.Filter, bool) {
	filter := history.Filter{
		JobName:  httputil.ParseQueryString(r, "job_name", ""),
		JobGroup: httputil.ParseQueryString(r, "job_group", ""),
	}

	from, err := httputil.ParseQueryTime(r, "from")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return filter, false
	}
	to, err := httputil.ParseQueryTime(r, "to")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return filter, false
	}
	filter.From = from
	filter.To = to
	return filter, true
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	filter, ok := s.historyFilter(w, r)
	if !ok {
		return
	}

	page, err := httputil.ParseQueryInt(r, "page", 1)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	size, err := httputil.ParseQueryInt(r, "size", defaultPageSize)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if page < 1 {
		httputil.WriteBadRequest(w, "page must be >= 1")
		return
	}
	if size < 1 || size > maxPageSize {
		httputil.WriteBadRequest(w, "size must be between 1 and 200")
		return
	}

	result, err := s.ledger.List(filter, page, size)
	if err != nil {
		s.log.Errorf("History listing failed: %v", err)
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

func (s *Server) jobStatistics(w http.ResponseWriter, r *http.Request) {
	filter, ok := s.historyFilter(w, r)
	if !ok {
		return
	}

	stats, err := s.ledger.Statistics(filter)
	if err != nil {
		s.log.Errorf("History statistics failed: %v", err)
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}

func (s *Server) recentFailures(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", defaultPageSize)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if limit < 1 || limit > maxPageSize {
		httputil.WriteBadRequest(w, "limit must be between 1 and 200")
		return
	}

	entries, err := s.ledger.ListRecentFailures(limit)
	if err != nil {
		s.log.Errorf("Recent failure listing failed: %v", err)
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"failures": entries,
	})
}
