// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tsgate/tsgate/internal/data_model"
	"github.com/tsgate/tsgate/internal/ingest"
	"github.com/tsgate/tsgate/internal/query"
	"github.com/tsgate/tsgate/internal/tscache"
)

const defaultSuggestMax = 25

// Handler owns the HTTP surface. One instance serves all requests.
type Handler struct {
	cfg      Config
	inserter *ingest.Inserter
	engine   *query.Engine
	tsc      *tscache.Cache
	opt      HandlerOptions
}

type HandlerOptions struct {
	Version string
	Slow    time.Duration // log queries slower than this, 0 disables
}

func NewHandler(cfg Config, inserter *ingest.Inserter, engine *query.Engine, tsc *tscache.Cache, opt HandlerOptions) *Handler {
	return &Handler{cfg: cfg, inserter: inserter, engine: engine, tsc: tsc, opt: opt}
}

// Routes builds the endpoint table.
func (h *Handler) Routes() *mux.Router {
	m := mux.NewRouter()
	r := Router{Handler: h, Router: m}
	r.Path("/api/put").Methods("POST").HandlerFunc((*RequestHandler).handlePut)
	r.Path("/api/query").Methods("POST").HandlerFunc((*RequestHandler).handleQuery)
	r.Path("/api/query/last").Methods("POST").HandlerFunc((*RequestHandler).handleQueryLast)
	r.Path("/api/search/lookup").Methods("POST").HandlerFunc((*RequestHandler).handleLookup)
	r.Path("/api/suggest").Methods("GET").HandlerFunc((*RequestHandler).handleSuggest)
	r.Path("/api/suggest/tagKeys/{metric}").Methods("GET").HandlerFunc((*RequestHandler).handleSuggestTagKeys)
	r.Path("/api/suggest/tagValues/{tagKey}").Methods("GET").HandlerFunc((*RequestHandler).handleSuggestTagValues)
	r.Path("/api/health").Methods("GET").HandlerFunc((*RequestHandler).handleHealth)
	r.Path("/api/version").Methods("GET").HandlerFunc((*RequestHandler).handleVersion)
	m.Path("/metrics").Handler(promhttp.Handler())
	return m
}

func (h *RequestHandler) handlePut(req *http.Request) {
	dec := json.NewDecoder(req.Body)
	dec.UseNumber()
	var dtos []DataPointDto
	if err := dec.Decode(&dtos); err != nil {
		h.replyBadRequest(fmt.Errorf("decode body: %w", err))
		return
	}
	points := make([]ingest.Point, len(dtos))
	for i := range dtos {
		p, err := dtos[i].ToPoint()
		if err != nil {
			h.replyBadRequest(err)
			return
		}
		points[i] = p
	}
	stats, err := h.inserter.InsertBatch(req.Context(), points)
	if err != nil {
		h.replyServerError(req, err)
		return
	}
	h.replyJSON(http.StatusOK, stats)
}

func (h *RequestHandler) handleQuery(req *http.Request) {
	started := time.Now()
	defer h.logSlow(started, h.opt.Slow)

	var dto QueryDto
	if err := json.NewDecoder(req.Body).Decode(&dto); err != nil {
		h.replyBadRequest(fmt.Errorf("decode body: %w", err))
		return
	}
	if !dto.Start.IsSet() {
		h.replyBadRequest(fmt.Errorf("query without a start time"))
		return
	}
	if len(dto.Queries) == 0 {
		h.replyBadRequest(fmt.Errorf("query without subqueries"))
		return
	}
	now := time.Now()
	tr := query.TimeRange{}
	var err error
	if tr.Start, err = dto.Start.Resolve(now); err != nil {
		h.replyBadRequest(err)
		return
	}
	if dto.End.IsSet() {
		if tr.End, err = dto.End.Resolve(now); err != nil {
			h.replyBadRequest(err)
			return
		}
		if !tr.End.After(tr.Start) {
			h.replyBadRequest(fmt.Errorf("query end is not after start"))
			return
		}
	}
	subs := make([]query.SubQuery, len(dto.Queries))
	for i := range dto.Queries {
		if subs[i], err = dto.Queries[i].ToSubQuery(); err != nil {
			h.replyBadRequest(err)
			return
		}
	}

	h.Header().Set("Content-Type", "application/json")
	if _, err := h.Write([]byte("[")); err != nil {
		return
	}
	first := true
	for _, sub := range subs {
		err := h.engine.QuerySeries(req.Context(), sub, tr, func(s query.Series) error {
			if !first {
				if _, err := h.Write([]byte(",")); err != nil {
					return err
				}
			}
			first = false
			if err := writeSeriesJSON(h, s); err != nil {
				return err
			}
			h.Flush()
			return nil
		})
		if err != nil {
			h.replyServerError(req, err)
			return
		}
	}
	_, _ = h.Write([]byte("]"))
}

func (h *RequestHandler) handleQueryLast(req *http.Request) {
	var dto LastQueryDto
	if err := json.NewDecoder(req.Body).Decode(&dto); err != nil {
		h.replyBadRequest(fmt.Errorf("decode body: %w", err))
		return
	}
	if len(dto.Queries) == 0 {
		h.replyBadRequest(fmt.Errorf("query without subqueries"))
		return
	}
	type lastPart struct {
		metric  string
		filters []*data_model.TagFilter
	}
	parts := make([]lastPart, len(dto.Queries))
	for i, qd := range dto.Queries {
		if qd.Metric == "" {
			h.replyBadRequest(fmt.Errorf("subquery without a metric"))
			return
		}
		parts[i].metric = qd.Metric
		for k, v := range qd.Tags {
			f, err := data_model.ParseTagFilter(k, v, false)
			if err != nil {
				h.replyBadRequest(err)
				return
			}
			parts[i].filters = append(parts[i].filters, f)
		}
	}
	backScan := time.Duration(dto.BackScan) * time.Hour

	h.Header().Set("Content-Type", "application/json")
	if _, err := h.Write([]byte("[")); err != nil {
		return
	}
	first := true
	enc := json.NewEncoder(nopNewline{h})
	for _, part := range parts {
		err := h.engine.QueryLast(req.Context(), part.metric, part.filters, backScan, func(lp query.LastPoint) error {
			if !first {
				if _, err := h.Write([]byte(",")); err != nil {
					return err
				}
			}
			first = false
			if err := enc.Encode(LastQueryResultDto{
				Metric:    lp.Metric,
				Timestamp: lp.TsMs,
				Value:     lp.Value,
				Tags:      lp.Tags,
			}); err != nil {
				return err
			}
			h.Flush()
			return nil
		})
		if err != nil {
			h.replyServerError(req, err)
			return
		}
	}
	_, _ = h.Write([]byte("]"))
}

func (h *RequestHandler) handleLookup(req *http.Request) {
	var dto LookupRequestDto
	if err := json.NewDecoder(req.Body).Decode(&dto); err != nil {
		h.replyBadRequest(fmt.Errorf("decode body: %w", err))
		return
	}
	if dto.Metric == "" {
		h.replyBadRequest(fmt.Errorf("lookup without a metric"))
		return
	}
	var filters []*data_model.TagFilter
	for _, tag := range dto.Tags {
		if tag.Key == "" {
			h.replyBadRequest(fmt.Errorf("lookup tag without a key"))
			return
		}
		f, err := data_model.ParseTagFilter(tag.Key, tag.Value, false)
		if err != nil {
			h.replyBadRequest(err)
			return
		}
		filters = append(filters, f)
	}
	metrics := []string{dto.Metric}
	if dto.Metric == "*" {
		metrics = h.tsc.MetricNames("", 0)
	}
	limit := dto.Limit
	if limit <= 0 {
		limit = defaultSuggestMax
	}

	h.Header().Set("Content-Type", "application/json")
	if _, err := h.Write([]byte(`{"results":[`)); err != nil {
		return
	}
	total := 0
	enc := json.NewEncoder(nopNewline{h})
	for _, metric := range metrics {
		tagsets := h.tsc.GetTagsets([]string{metric}, filters, false)
		for _, id := range sortedTagsetIDs(tagsets) {
			total++
			if total > limit {
				continue
			}
			if total > 1 {
				if _, err := h.Write([]byte(",")); err != nil {
					return
				}
			}
			if err := enc.Encode(LookupResultDto{Metric: metric, Tags: tagsets[id]}); err != nil {
				return
			}
		}
	}
	_, _ = h.Write([]byte(fmt.Sprintf(`],"totalResults":%d}`, total)))
}

func (h *RequestHandler) handleSuggest(req *http.Request) {
	kind := req.FormValue("type")
	prefix := req.FormValue("q")
	max := defaultSuggestMax
	if v := req.FormValue("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.replyBadRequest(fmt.Errorf("invalid max %q", v))
			return
		}
		max = n
	}
	var out []string
	switch kind {
	case "metrics":
		out = h.tsc.MetricNames(prefix, max)
	case "tagk":
		out = prefixFilter(h.tsc.Index().TagKeys(), prefix, max)
	case "tagv":
		out = prefixFilter(h.tsc.Index().AllTagValues(), prefix, max)
	default:
		h.replyBadRequest(fmt.Errorf("unknown suggest type %q", kind))
		return
	}
	h.replyStrings(out)
}

func (h *RequestHandler) handleSuggestTagKeys(req *http.Request) {
	metric := mux.Vars(req)["metric"]
	h.replyStrings(h.tsc.TagKeysForMetric(metric))
}

func (h *RequestHandler) handleSuggestTagValues(req *http.Request) {
	tagKey := mux.Vars(req)["tagKey"]
	h.replyStrings(h.tsc.Index().TagValues(tagKey))
}

func (h *RequestHandler) handleHealth(req *http.Request) {
	last := h.tsc.LastSuccessfulUpdate()
	staleAfter := 2 * h.cfg.TagsetCacheUpdateInterval
	h.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if last.IsZero() {
		h.WriteHeader(http.StatusServiceUnavailable)
		_, _ = h.Write([]byte("tagset cache never refreshed\n"))
		return
	}
	if age := time.Since(last); age > staleAfter {
		h.WriteHeader(http.StatusServiceUnavailable)
		_, _ = h.Write([]byte(fmt.Sprintf("tagset cache stale for %v\n", age.Truncate(time.Second))))
		return
	}
	_, _ = h.Write([]byte("OK\n"))
}

func (h *RequestHandler) handleVersion(req *http.Request) {
	h.replyJSON(http.StatusOK, map[string]string{"version": h.opt.Version})
}

func (h *RequestHandler) replyStrings(values []string) {
	if values == nil {
		values = []string{}
	}
	h.replyJSON(http.StatusOK, values)
}

func prefixFilter(values []string, prefix string, max int) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.HasPrefix(v, prefix) {
			out = append(out, v)
			if max > 0 && len(out) == max {
				break
			}
		}
	}
	return out
}

func sortedTagsetIDs(tagsets map[int32]data_model.Tags) []int32 {
	ids := make([]int32, 0, len(tagsets))
	for id := range tagsets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// nopNewline suppresses the trailing newline json.Encoder appends after
// every element, the stream writes its own separators.
type nopNewline struct{ w io.Writer }

func (n nopNewline) Write(b []byte) (int, error) {
	if len(b) == 1 && b[0] == '\n' {
		return 1, nil
	}
	return n.w.Write(b)
}
