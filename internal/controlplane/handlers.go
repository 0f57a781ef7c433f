package controlplane

import (
	"context"
	"net/http"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/openmined/portal/internal/registry"
	"github.com/openmined/portal/internal/version"
)

// Session is the part of a portal session the control plane exposes.
type Session interface {
	Key() string
	Dir() string
	IsReady() bool
	LogLen(ctx context.Context) (int, error)
	Tree() []registry.TreeEntry
	Size() int
	Errors() []*registry.Error
	Sync(ctx context.Context) []*registry.Transfer
	Download(ctx context.Context) []*registry.Transfer
	TransferStats() registry.TransferStats
}

type handler struct {
	session Session
	role    string
	// transfers outlive the request that started them
	baseCtx context.Context
}

func (h *handler) Status(c *gin.Context) {
	logLen, err := h.session.LogLen(c.Request.Context())
	if err != nil {
		c.Error(err)
		logLen = -1
	}

	stats := h.session.TransferStats()
	c.PureJSON(http.StatusOK, &StatusResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   version.Version,
		Revision:  version.Revision,
		Role:      h.role,
		Key:       h.session.Key(),
		Dir:       h.session.Dir(),
		Ready:     h.session.IsReady(),
		Entries:   h.session.Size(),
		LogLength: logLen,
		Errors:    len(h.session.Errors()),

		TotalBytes:     stats.TotalBytes,
		BytesPerSecond: stats.BytesPerSecond,
		Transferred:    humanize.Bytes(uint64(stats.TotalBytes)),
		Throughput:     humanize.Bytes(uint64(stats.BytesPerSecond)) + "/s",
	})
}

// Tree returns the rendered tree. ?match= filters entries by a doublestar
// glob on their path, e.g. "docs/**/*.md".
func (h *handler) Tree(c *gin.Context) {
	entries := h.session.Tree()

	if pattern := c.Query("match"); pattern != "" {
		if !doublestar.ValidatePattern(pattern) {
			c.PureJSON(http.StatusBadRequest, &ErrorResponse{Error: "invalid match pattern"})
			return
		}
		filtered := make([]registry.TreeEntry, 0, len(entries))
		for _, e := range entries {
			if ok, _ := doublestar.Match(pattern, e.Path); ok {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	c.PureJSON(http.StatusOK, &TreeResponse{Entries: entries})
}

func (h *handler) Errors(c *gin.Context) {
	errs := h.session.Errors()
	out := make([]ErrorEntry, 0, len(errs))
	for _, e := range errs {
		out = append(out, ErrorEntry{Source: string(e.Source), Message: e.Error()})
	}
	c.PureJSON(http.StatusOK, &ErrorsResponse{Errors: out})
}

func (h *handler) Sync(c *gin.Context) {
	h.transfer(c, "sync", h.session.Sync)
}

func (h *handler) Download(c *gin.Context) {
	h.transfer(c, "download", h.session.Download)
}

// transfer starts kind and answers immediately, or after completion with ?wait=true.
func (h *handler) transfer(c *gin.Context, kind string, start func(context.Context) []*registry.Transfer) {
	transfers := start(h.baseCtx)
	resp := &TransferResponse{Kind: kind, Transfers: len(transfers)}

	if c.Query("wait") != "true" {
		c.PureJSON(http.StatusAccepted, resp)
		return
	}

	resp.Waited = true
	for _, t := range transfers {
		select {
		case <-t.Done():
		case <-c.Request.Context().Done():
			return
		}
		if err := t.Err(); err != nil {
			resp.Errors = append(resp.Errors, t.Name+": "+err.Error())
		}
	}
	c.PureJSON(http.StatusOK, resp)
}
