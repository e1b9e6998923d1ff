package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/deskrec/deskrec/internal/metrics"
	"github.com/deskrec/deskrec/internal/session"
)

// Router provides embeddable HTTP handlers for controlling the recorder.
// Endpoints:
//
//	POST {basePath}/start       body: {"name": "..."}
//	POST {basePath}/stop
//	GET  {basePath}/status
//	GET  {basePath}/recoveries  sessions cut short by a crash
//	GET  {basePath}/metrics     prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sess      *session.Session
	outputDir string
	basePath  string
}

// NewRouter constructs a Router with configurable basePath.
// Example basePath: "/abc" results in /abc/start, /abc/stop, /abc/status.
func NewRouter(sess *session.Session, outputDir, basePath string) *Router {
	return &Router{sess: sess, outputDir: outputDir, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.GET("/status", r.handleStatus)
	group.GET("/recoveries", r.handleRecoveries)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, sess *session.Session, outputDir string) (*http.Server, error) {
	r := NewRouter(sess, outputDir, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type startReq struct {
	Name string `json:"name"`
}

func (r *Router) handleStart(c *gin.Context) {
	var req startReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name required"})
		return
	}
	if !isSafeName(req.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._ -] and no '..' or path separators"})
		return
	}
	if err := r.sess.Start(req.Name); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, session.ErrAlreadyRecording) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.sess.Status())
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.sess.Stop(); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.sess.Status())
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sess.Status())
}

func (r *Router) handleRecoveries(c *gin.Context) {
	found, err := session.FindIncomplete(r.outputDir)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if found == nil {
		found = []session.StateFile{}
	}
	writeJSON(c, http.StatusOK, found)
}
