// Package api is the HTTP front door: storage notifications, push
// deliveries from a message broker, uploads and job queries.
//
// Push endpoints answer 2xx for handled and ignored deliveries and 500 when
// the handler asks for redelivery.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/labeliq/internal/docstore"
	"github.com/roach88/labeliq/internal/engine"
	"github.com/roach88/labeliq/internal/ledger"
	"github.com/roach88/labeliq/internal/model"
	"github.com/roach88/labeliq/internal/queue"
)

// Engine is the part of the controller the API drives.
type Engine interface {
	queue.Handler
	HandleStorageEvent(ctx context.Context, ev engine.StorageEvent) (model.IngestOutcome, error)
	Job(ctx context.Context, jobID string) (model.Job, error)
	Report(ctx context.Context, jobID string) (model.ReportPayload, error)
}

// Options configure a Server.
type Options struct {
	// Input receives uploaded images and manifests.
	Input docstore.Store

	// IDs names uploaded jobs. Defaults to UUIDv7.
	IDs engine.IDGenerator

	// IngestUploads starts ingestion of an uploaded manifest directly,
	// for deployments without storage notifications.
	IngestUploads bool

	// MaxUploadBytes bounds a multipart upload. Zero means 32 MiB.
	MaxUploadBytes int64
}

// Server routes HTTP requests to the engine.
type Server struct {
	eng  Engine
	opts Options
	wg   sync.WaitGroup
}

// New creates a server.
func New(eng Engine, opts Options) *Server {
	if opts.IDs == nil {
		opts.IDs = engine.UUIDv7Generator{}
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	return &Server{eng: eng, opts: opts}
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	r.POST("/eventarc", s.handleStorageEvent)
	r.POST("/push/fan-out", s.handlePush(queue.TopicFanOut))
	r.POST("/push/group-done", s.handlePush(queue.TopicGroupDone))

	v1 := r.Group("/v1")
	v1.POST("/jobs", s.handleUpload)
	v1.GET("/jobs/:id", s.handleGetJob)
	v1.GET("/jobs/:id/report", s.handleGetReport)
	return r
}

// Wait blocks until background ingestion started by uploads has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// storageNotification accepts the bucket and name at the top level or
// under data, as different notification sources send them.
type storageNotification struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
	Data   *struct {
		Bucket string `json:"bucket"`
		Name   string `json:"name"`
	} `json:"data"`
}

func (s *Server) handleStorageEvent(c *gin.Context) {
	var n storageNotification
	if err := c.ShouldBindJSON(&n); err != nil {
		c.JSON(http.StatusOK, gin.H{"ignored": true, "reason": "invalid notification"})
		return
	}
	ev := engine.StorageEvent{Bucket: n.Bucket, Name: n.Name}
	if n.Data != nil {
		if ev.Bucket == "" {
			ev.Bucket = n.Data.Bucket
		}
		if ev.Name == "" {
			ev.Name = n.Data.Name
		}
	}
	if ev.Bucket == "" || ev.Name == "" {
		c.JSON(http.StatusOK, gin.H{"ignored": true, "reason": "missing bucket/name"})
		return
	}

	out, err := s.eng.HandleStorageEvent(c.Request.Context(), ev)
	if err != nil {
		s.fail(c, "ingest failed", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// pushEnvelope is the push subscription wrapper; Data is base64 in JSON.
type pushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
}

// handlePush accepts either a bare message or a push envelope.
func (s *Server) handlePush(topic string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var env pushEnvelope
		if json.Unmarshal(body, &env) == nil && len(env.Message.Data) > 0 {
			body = env.Message.Data
		}

		out, err := queue.Dispatch(c.Request.Context(), s.eng, topic, body)
		if errors.Is(err, queue.ErrPoison) {
			slog.Error("dropping poison push", "topic", topic, "error", err)
			c.JSON(http.StatusOK, gin.H{"ignored": true, "reason": err.Error()})
			return
		}
		if err != nil {
			s.fail(c, "handler failed", err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func (s *Server) handleUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid upload: %v", err)})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one file is required"})
		return
	}

	ctx := c.Request.Context()
	jobID := s.opts.IDs.Generate()
	prefix := "incoming/" + jobID
	images := make([]string, 0, len(files))
	for i, fh := range files {
		ext := path.Ext(fh.Filename)
		if ext == "" {
			ext = ".jpg"
		}
		key := fmt.Sprintf("%s/image_%d%s", prefix, i, ext)
		if err := s.putUpload(ctx, key, fh); err != nil {
			s.fail(c, "upload failed", err)
			return
		}
		images = append(images, key)
	}

	m := model.Manifest{
		JobID:           jobID,
		Images:          images,
		ProductMetadata: map[string]any{},
		Tags:            []string{},
		CreatedAt:       time.Now().UTC().Format(time.RFC3339),
	}
	// Unparseable form fields are dropped, not rejected.
	if raw := c.PostForm("product_metadata"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &m.ProductMetadata)
	}
	if raw := c.PostForm("tags"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &m.Tags)
	}
	manifestKey := prefix + "/" + engine.ManifestName
	if err := docstore.PutJSON(ctx, s.opts.Input, manifestKey, m); err != nil {
		s.fail(c, "upload failed", err)
		return
	}
	slog.Info("job uploaded", "job_id", jobID, "images", len(images))

	if s.opts.IngestUploads {
		ev := engine.StorageEvent{Bucket: s.opts.Input.Bucket(), Name: manifestKey}
		s.wg.Go(func() {
			if _, err := s.eng.HandleStorageEvent(context.WithoutCancel(ctx), ev); err != nil {
				slog.Error("background ingest failed", "job_id", jobID, "error", err)
			}
		})
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": model.StatusQueued, "images": len(images)})
}

func (s *Server) putUpload(ctx context.Context, key string, fh *multipart.FileHeader) error {
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	return s.opts.Input.Put(ctx, key, data, docstore.GuessMIME(key))
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.eng.Job(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		s.fail(c, "lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleGetReport(c *gin.Context) {
	report, err := s.eng.Report(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, engine.ErrReportNotReady):
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found yet"})
	case err != nil:
		s.fail(c, "lookup failed", err)
	default:
		c.JSON(http.StatusOK, report)
	}
}

func (s *Server) fail(c *gin.Context, msg string, err error) {
	slog.Error(msg, "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
