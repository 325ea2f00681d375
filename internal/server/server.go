// Package server exposes the session core over HTTP. It is the thin
// facade an external viewer or capture front-end talks to; all avatar
// and media rendering happens elsewhere.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/avatarecho/internal/audio"
	"github.com/normanking/avatarecho/internal/bus"
	"github.com/normanking/avatarecho/internal/heygen"
	"github.com/normanking/avatarecho/internal/pipeline"
)

// Server wires the session client and pipeline behind HTTP routes
type Server struct {
	client   *heygen.Client
	pipe     *pipeline.Pipeline
	monitor  *heygen.RealtimeMonitor
	eventBus *bus.EventBus
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	avatarID string
	voiceID  string

	mu sync.Mutex
}

// New creates a server over the given core components
func New(client *heygen.Client, pipe *pipeline.Pipeline, monitor *heygen.RealtimeMonitor, eventBus *bus.EventBus, avatarID, voiceID string, logger zerolog.Logger) *Server {
	return &Server{
		client:   client,
		pipe:     pipe,
		monitor:  monitor,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		avatarID: avatarID,
		voiceID:  voiceID,
	}
}

// RegisterRoutes attaches all routes to the engine
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	api := r.Group("/api")
	{
		api.POST("/session/start", s.handleStart)
		api.POST("/session/stop", s.handleStop)
		api.POST("/speak", s.handleSpeak)
		api.GET("/avatars", s.handleAvatars)
		api.GET("/status", s.handleStatus)
		api.GET("/audio", s.handleAudioWS)
	}
}

type startRequest struct {
	AvatarID string `json:"avatar_id"`
	VoiceID  string `json:"voice_id"`
}

// handleStart runs the full session handshake and starts the pipeline.
// Starting while a session is live supersedes it.
func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	// Empty bodies are fine; the configured defaults apply.
	if err := c.ShouldBindJSON(&req); err != nil {
		req = startRequest{}
	}
	if req.AvatarID == "" {
		req.AvatarID = s.avatarID
	}
	if req.VoiceID == "" {
		req.VoiceID = s.voiceID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pipe.Running() {
		if err := s.pipe.Stop(c.Request.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("Pipeline stop before restart failed")
		}
		s.monitor.Close()
	}

	session, err := s.client.StartSession(c.Request.Context(), req.AvatarID, req.VoiceID)
	if err != nil {
		status := http.StatusBadGateway
		var protoErr *heygen.ProtocolError
		if errors.As(err, &protoErr) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if err := s.pipe.Start(session); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if session.RealtimeEndpoint != "" {
		if err := s.monitor.Watch(context.Background(), session, nil); err != nil {
			s.logger.Warn().Err(err).Msg("Realtime monitor unavailable")
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"context_id": session.ContextID,
		"state":      session.State,
		"viewer":     heygen.ViewerParamsFor(session),
	})
}

// handleStop tears down in order: drain loop, monitor, remote session.
func (s *Server) handleStop(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pipe.Stop(c.Request.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("Pipeline stop failed")
	}
	s.monitor.Close()

	if session := s.client.Current(); session != nil {
		s.client.StopSession(c.Request.Context(), session)
	}

	c.JSON(http.StatusOK, gin.H{"state": heygen.StateStopped})
}

type speakRequest struct {
	Text string `json:"text" binding:"required"`
}

// handleSpeak dispatches text directly, bypassing transcription.
func (s *Server) handleSpeak(c *gin.Context) {
	var req speakRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session := s.client.Current()
	if !session.Ready() {
		c.JSON(http.StatusConflict, gin.H{"error": "no ready session"})
		return
	}

	if err := s.client.Speak(c.Request.Context(), session, req.Text); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispatched": true})
}

func (s *Server) handleAvatars(c *gin.Context) {
	avatars, err := s.client.ListAvatars(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"avatars": avatars})
}

func (s *Server) handleStatus(c *gin.Context) {
	state := heygen.StateUninitialized
	contextID := ""
	if session := s.client.Current(); session != nil {
		state = session.State
		contextID = session.ContextID
	}

	events := s.eventBus.Recent(20)
	recent := make([]gin.H, 0, len(events))
	for _, e := range events {
		recent = append(recent, gin.H{
			"type": e.Type,
			"time": e.Time.Format(time.RFC3339Nano),
			"data": e.Data,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"session_state":     state,
		"context_id":        contextID,
		"pipeline_running":  s.pipe.Running(),
		"recent_events":     recent,
		"recent_utterances": s.pipe.History().Recent(10),
	})
}

// audioFrame is one capture frame pushed over the websocket.
type audioFrame struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCMBase64  string `json:"pcm"`
}

// handleAudioWS accepts a capture stream: one JSON frame per message.
// Ingest never blocks on transcription or dispatch, so the socket reader
// keeps pace with the device.
func (s *Server) handleAudioWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Audio websocket upgrade failed")
		return
	}
	defer conn.Close()

	s.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("Audio stream connected")

	for {
		var frame audioFrame
		if err := conn.ReadJSON(&frame); err != nil {
			s.logger.Debug().Err(err).Msg("Audio stream closed")
			return
		}

		raw, err := base64.StdEncoding.DecodeString(frame.PCMBase64)
		if err != nil || len(raw)%2 != 0 {
			// Malformed frames are dropped, never fatal.
			continue
		}

		samples := make([]int16, len(raw)/2)
		for i := range samples {
			samples[i] = int16(uint16(raw[i*2]) | uint16(raw[i*2+1])<<8)
		}

		s.pipe.Ingest(audio.Frame{
			Samples:    samples,
			SampleRate: frame.SampleRate,
			Channels:   frame.Channels,
			Timestamp:  time.Now(),
		})
	}
}
