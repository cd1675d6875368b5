package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"signpost-index/engine"
)

const defaultPreset = "equal"

func (s *Server) health(c *gin.Context) {
	ctx := c.Request.Context()
	body := gin.H{
		"status":            "ok",
		"scoring_available": s.eng.ScoringAvailable(),
	}
	if err := s.eng.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["database"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	if n, err := s.eng.PendingRecomputes(ctx); err == nil {
		body["pending_recomputes"] = n
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) now() time.Time { return time.Now().UTC() }

func (s *Server) getIndex(c *gin.Context) {
	asOf, err := engine.ParseAsOfDate(c.Query("date"), s.now())
	if err != nil {
		s.writeError(c, err)
		return
	}
	preset := strings.TrimSpace(c.DefaultQuery("preset", defaultPreset))
	var view engine.IndexView
	if strings.EqualFold(preset, engine.CustomPresetName) {
		var weights map[engine.Category]float64
		if weights, err = weightsFromQuery(c); err != nil {
			s.writeError(c, err)
			return
		}
		view, err = s.eng.GetCustomIndex(c.Request.Context(), weights, asOf)
	} else {
		view, err = s.eng.GetIndex(c.Request.Context(), preset, asOf)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// weightsFromQuery reads ?capabilities=0.3&agents=...; absent categories weigh 0.
func weightsFromQuery(c *gin.Context) (map[engine.Category]float64, error) {
	weights := make(map[engine.Category]float64, len(engine.Categories))
	for _, cat := range engine.Categories {
		raw := strings.TrimSpace(c.Query(string(cat)))
		if raw == "" {
			continue
		}
		w, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, &engine.ValidationError{Field: string(cat), Message: "weight must be a number"}
		}
		weights[cat] = w
	}
	return weights, nil
}

func (s *Server) indexHistory(c *gin.Context) {
	now := s.now()
	to, err := engine.ParseAsOfDate(c.Query("to"), now)
	if err != nil {
		s.writeError(c, err)
		return
	}
	from := to.AddDate(0, 0, -30)
	if raw := c.Query("from"); raw != "" {
		if from, err = engine.ParseAsOfDate(raw, now); err != nil {
			s.writeError(c, err)
			return
		}
	}
	hist, err := s.eng.History(c.Request.Context(), c.DefaultQuery("preset", defaultPreset), from, to)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": hist})
}

type computeRequest struct {
	Preset string `json:"preset"`
	Date   string `json:"date"`
}

func (s *Server) computeIndex(c *gin.Context) {
	var req computeRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	asOf, err := engine.ParseAsOfDate(req.Date, s.now())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if req.Preset == "" {
		req.Preset = defaultPreset
	}
	snap, err := s.eng.ComputeAndStore(c.Request.Context(), req.Preset, asOf)
	if err != nil {
		s.writeError(c, err)
		return
	}
	view, err := snap.View()
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.log.Info("snapshot computed on request", "preset", view.Preset, "as_of_date", view.AsOfDate, "actor", actorFrom(c))
	c.JSON(http.StatusOK, view)
}

func (s *Server) listPresets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"presets": s.eng.Presets().List()})
}

type presetRequest struct {
	Name    string             `json:"name" binding:"required"`
	Weights map[string]float64 `json:"weights" binding:"required"`
}

func (s *Server) registerPreset(c *gin.Context) {
	var req presetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body", err.Error())
		return
	}
	weights := make(map[engine.Category]float64, len(req.Weights))
	for k, w := range req.Weights {
		cat, err := engine.ParseCategory(k)
		if err != nil {
			s.writeError(c, err)
			return
		}
		weights[cat] = w
	}
	p, err := s.eng.Presets().Register(req.Name, weights)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.log.Info("preset registered", "preset", p.Name, "actor", actorFrom(c))
	c.JSON(http.StatusCreated, p)
}

func (s *Server) listSignposts(c *gin.Context) {
	sps, err := s.eng.Signposts(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signposts": sps})
}

func (s *Server) ingestEvent(c *gin.Context) {
	var in engine.EventInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "body", err.Error())
		return
	}
	ev, created, err := s.eng.IngestEvent(c.Request.Context(), in)
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"event": ev, "created": created})
}

func (s *Server) getEvent(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ev, err := s.eng.GetEvent(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

type retractRequest struct {
	Reason      string `json:"reason"`
	EvidenceURL string `json:"evidence_url"`
}

func (s *Server) retractEvent(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req retractRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	res, err := s.eng.RetractEvent(c.Request.Context(), id, engine.RetractionInput{
		Actor:       actorFrom(c),
		Reason:      req.Reason,
		EvidenceURL: req.EvidenceURL,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) proposeLink(c *gin.Context) {
	var in engine.CandidateLink
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "body", err.Error())
		return
	}
	out, err := s.eng.ProposeLink(c.Request.Context(), in)
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if out.Discarded {
		status = http.StatusOK
	}
	c.JSON(status, out)
}

type linkView struct {
	engine.EvidenceLink
	// CountsTowardIndex is the evidence gate evaluated on the link's current state.
	CountsTowardIndex bool `json:"counts_toward_index"`
}

func newLinkView(l engine.EvidenceLink) linkView {
	v := linkView{EvidenceLink: l}
	if l.Event != nil {
		v.CountsTowardIndex = engine.Qualifies(l, *l.Event)
	}
	return v
}

func (s *Server) getLink(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	link, err := s.eng.GetLink(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newLinkView(link))
}

func (s *Server) reviewQueue(c *gin.Context) {
	var f engine.QueueFilter
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := engine.ParseReviewStatus(part)
			if err != nil {
				s.writeError(c, err)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := c.Query("needs_review"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "needs_review", "must be true or false")
			return
		}
		f.NeedsReview = &b
	}
	for _, q := range []struct {
		name string
		dst  **float64
	}{{"min_confidence", &f.MinConfidence}, {"max_confidence", &f.MaxConfidence}} {
		raw := c.Query(q.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			badRequest(c, q.name, "must be a number")
			return
		}
		*q.dst = &v
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit", "must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	links, err := s.eng.ListReviewQueue(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]linkView, 0, len(links))
	for _, l := range links {
		out = append(out, newLinkView(l))
	}
	c.JSON(http.StatusOK, gin.H{"links": out, "count": len(out)})
}

func (s *Server) approveLink(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	res, err := s.eng.ApproveLink(c.Request.Context(), id, actorFrom(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type reviewNote struct {
	Reason string `json:"reason"`
	Note   string `json:"note"`
}

func (s *Server) rejectLink(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req reviewNote
	if !bindOptionalJSON(c, &req) {
		return
	}
	res, err := s.eng.RejectLink(c.Request.Context(), id, actorFrom(c), req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) flagLink(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req reviewNote
	if !bindOptionalJSON(c, &req) {
		return
	}
	res, err := s.eng.FlagLink(c.Request.Context(), id, actorFrom(c), req.Note)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) auditTrail(c *gin.Context) {
	subject := c.Param("subject")
	switch subject {
	case "link", "event":
	default:
		badRequest(c, "subject", "must be link or event")
		return
	}
	entries, err := s.eng.AuditTrail(c.Request.Context(), subject, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 0)
	if err != nil || id == 0 {
		badRequest(c, "id", "must be a positive integer")
		return 0, false
	}
	return uint(id), true
}

// bindOptionalJSON decodes the body when there is one. An empty body leaves
// dst untouched.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "body", err.Error())
		return false
	}
	return true
}
