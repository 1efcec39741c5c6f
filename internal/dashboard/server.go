// Package dashboard serves a small status API over HTTP: health, dispatcher
// load, and the active conversation list.
package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kanzaki/switchboard/internal/models"
	"github.com/kanzaki/switchboard/internal/opencode"
	"github.com/kanzaki/switchboard/internal/store"
)

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Store      *store.Store
	Dispatcher *opencode.Dispatcher
	Port       int
	Log        zerolog.Logger
}

// Start launches the dashboard HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Store == nil {
		return fmt.Errorf("dashboard: store is required")
	}
	if opts.Dispatcher == nil {
		return fmt.Errorf("dashboard: dispatcher is required")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts.Store, opts.Dispatcher)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	opts.Log.Info().Str("addr", addr).Msg("dashboard listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, st *store.Store, d *opencode.Dispatcher) {
	router.GET("/healthz", handleHealth())
	router.GET("/api/status", handleStatus(st, d))
	router.GET("/api/conversations", handleConversations(st))
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleStatus(st *store.Store, d *opencode.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		active, err := st.CountActive()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"active_conversations": active,
			"dispatcher": gin.H{
				"capacity":    d.Capacity(),
				"active":      d.Active(),
				"at_capacity": d.AtCapacity(),
			},
		})
	}
}

// conversationRow holds conversation data for display.
type conversationRow struct {
	ID                string    `json:"id"`
	SourceKey         string    `json:"source_key"`
	ExternalSessionID string    `json:"external_session_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func handleConversations(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		convs, err := st.ListActive()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		rows := make([]conversationRow, len(convs))
		for i, conv := range convs {
			rows[i] = toRow(conv)
		}
		c.JSON(http.StatusOK, gin.H{"conversations": rows})
	}
}

func toRow(conv models.Conversation) conversationRow {
	return conversationRow{
		ID:                conv.ID,
		SourceKey:         conv.SourceKey,
		ExternalSessionID: conv.ExternalSessionID,
		CreatedAt:         conv.CreatedAt,
		UpdatedAt:         conv.UpdatedAt,
	}
}
