package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"book-translator/internal/pipeline"
	"book-translator/internal/tokenizer"
	"book-translator/internal/translate"
)

const maxUploadSize = 100 * 1024 * 1024 // 100MB

func (s *Server) handleTranslate(c *gin.Context) {
	file, err := c.FormFile("epub")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}

	if strings.ToLower(filepath.Ext(file.Filename)) != ".epub" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File must be an EPUB"})
		return
	}

	if file.Size > maxUploadSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File too large (max 100MB)"})
		return
	}

	targetLang := c.PostForm("target_lang")
	if targetLang == "" {
		targetLang = s.config.Translation.TargetLanguage
	}
	if targetLang == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_lang is required"})
		return
	}

	jobID := uuid.New().String()

	// Each job gets its own directory so uploads with the same filename
	// cannot clobber each other's snapshots or work directories.
	jobDir := filepath.Join(s.config.Server.UploadDir, jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		s.logger.Errorf("Failed to create job directory: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
		return
	}

	sourcePath := filepath.Join(jobDir, filepath.Base(file.Filename))
	if err := c.SaveUploadedFile(file, sourcePath); err != nil {
		s.logger.Errorf("Failed to save uploaded file: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
		return
	}

	job := &Job{
		ID:         jobID,
		Filename:   filepath.Base(file.Filename),
		TargetLang: targetLang,
		Status:     JobStatusRunning,
		StartedAt:  time.Now(),
	}
	s.jobs.add(job)

	go s.runJob(jobID, sourcePath, targetLang)

	s.logger.Infof("Accepted translation job %s for %s (target %s)", jobID, job.Filename, targetLang)

	c.JSON(http.StatusAccepted, gin.H{
		"id":           jobID,
		"status":       JobStatusRunning,
		"progress_url": fmt.Sprintf("/api/v1/progress/%s", jobID),
	})
}

func (s *Server) runJob(jobID, sourcePath, targetLang string) {
	orch, err := s.buildOrchestrator(jobID, targetLang)
	if err != nil {
		s.failJob(jobID, err)
		return
	}

	outPath, err := orch.Run(s.jobCtx, sourcePath)
	if err != nil {
		s.failJob(jobID, err)
		return
	}

	now := time.Now()
	s.jobs.update(jobID, func(job *Job) {
		job.Status = JobStatusCompleted
		job.OutputPath = outPath
		job.CompletedAt = &now
	})

	s.logger.Infof("Job %s completed: %s", jobID, outPath)
	s.wsHub.BroadcastLog("info", fmt.Sprintf("Job %s completed", jobID), "server")
	s.wsHub.BroadcastMessage(MessageTypeJobComplete, gin.H{
		"job_id":       jobID,
		"download_url": fmt.Sprintf("/api/v1/download/%s", jobID),
	})
}

func (s *Server) buildOrchestrator(jobID, targetLang string) (*pipeline.Orchestrator, error) {
	cfg := s.config

	translator, err := translate.New(translate.Options{
		Kind:        cfg.Translation.Backend,
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		SourceLang:  cfg.Translation.SourceLanguage,
		TargetLang:  targetLang,
		MaxTokens:   cfg.OpenAI.MaxTokens,
		Temperature: cfg.OpenAI.Temperature,
		MaxRetries:  cfg.Translation.MaxRetries,
		RetryDelay:  cfg.Translation.RetryDelay.Duration,
		Timeout:     cfg.OpenAI.Timeout.Duration,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create translator: %w", err)
	}

	if cfg.Translation.CacheDir != "" {
		cache, err := translate.NewCache(cfg.Translation.CacheDir, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open translation cache: %w", err)
		}
		translator = translate.WithCache(translator, cache, cfg.OpenAI.Model, targetLang, s.logger)
	}

	tok, err := tokenizer.New(cfg.Translation.Tokenizer, cfg.OpenAI.Model, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer: %w", err)
	}

	return pipeline.New(pipeline.Options{
		Translator:          translator,
		Tokenizer:           tok,
		TokenLimit:          cfg.Translation.TokenLimit,
		TargetLang:          targetLang,
		TokenLength:         cfg.Translation.TokenLength,
		BatchSize:           cfg.Translation.BatchSize,
		SkipTranslated:      cfg.Translation.SkipTranslated,
		TranslateAttributes: cfg.Translation.TranslateAttributes,
		OutputDir:           cfg.App.OutputDir,
		OnProgress:          s.progressHook(jobID),
	}, s.logger)
}

// progressHook mirrors pipeline progress into the job store and onto the
// WebSocket hub.
func (s *Server) progressHook(jobID string) func(pipeline.Progress) {
	return func(p pipeline.Progress) {
		s.jobs.update(jobID, func(job *Job) {
			job.Progress = p
		})

		s.wsHub.BroadcastMessage(MessageTypeJobProgress, JobProgressMessage{
			JobID:    jobID,
			Progress: p,
		})
	}
}

func (s *Server) failJob(jobID string, err error) {
	s.logger.Errorf("Job %s failed: %v", jobID, err)

	now := time.Now()
	s.jobs.update(jobID, func(job *Job) {
		job.Status = JobStatusFailed
		job.Error = err.Error()
		job.CompletedAt = &now
	})

	s.wsHub.BroadcastLog("error", fmt.Sprintf("Job %s failed: %v", jobID, err), "server")
	s.wsHub.BroadcastMessage(MessageTypeJobError, gin.H{
		"job_id": jobID,
		"error":  err.Error(),
	})
}

func (s *Server) handleJobs(c *gin.Context) {
	jobs := s.jobs.list()
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})

	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

func (s *Server) handleProgress(c *gin.Context) {
	job, ok := s.jobs.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	response := gin.H{
		"id":               job.ID,
		"filename":         job.Filename,
		"target_language":  job.TargetLang,
		"status":           job.Status,
		"progress":         job.Progress,
		"progress_percent": job.Progress.Percent(),
		"started_at":       job.StartedAt,
	}

	if job.Status == JobStatusCompleted {
		response["completed_at"] = job.CompletedAt
		response["download_url"] = fmt.Sprintf("/api/v1/download/%s", job.ID)
	}

	if job.Status == JobStatusFailed {
		response["error"] = job.Error
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleDownload(c *gin.Context) {
	job, ok := s.jobs.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	if job.Status != JobStatusCompleted || job.OutputPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Translation not completed"})
		return
	}

	if _, err := os.Stat(job.OutputPath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Output file no longer exists"})
		return
	}

	c.Header("Content-Description", "File Transfer")
	c.Header("Content-Transfer-Encoding", "binary")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(job.OutputPath)))
	c.Header("Content-Type", "application/epub+zip")

	c.File(job.OutputPath)
}

func (s *Server) handleLanguages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"languages": s.config.Translation.SupportedLangs,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"websocket_clients": s.wsHub.GetClientCount(),
	})
}
