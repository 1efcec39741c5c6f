package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kanzaki/switchboard/internal/models"
	"github.com/kanzaki/switchboard/internal/opencode"
	"github.com/kanzaki/switchboard/internal/store"
)

func newTestRouter(t *testing.T) (*gin.Engine, *store.Store) {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := gdb.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err := store.New(gdb, zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	d := opencode.NewDispatcher(opencode.DispatcherOpts{
		Command: "opencode", MaxConcurrent: 2, Log: zerolog.Nop(),
	})

	gin.SetMode(gin.TestMode)
	router := gin.New()
	registerRoutes(router, st, d)
	return router, st
}

func getJSON(t *testing.T, router *gin.Engine, path string, out interface{}) int {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("unmarshal %s response %q: %v", path, w.Body.String(), err)
		}
	}
	return w.Code
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)
	var body map[string]string
	if code := getJSON(t, router, "/healthz", &body); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["status"] != "ok" {
		t.Errorf(`status field = %q, want "ok"`, body["status"])
	}
}

func TestStatus(t *testing.T) {
	router, st := newTestRouter(t)
	if _, err := st.GetOrCreateActive("private:1"); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	if _, err := st.GetOrCreateActive("group:7"); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	var body struct {
		ActiveConversations int64 `json:"active_conversations"`
		Dispatcher          struct {
			Capacity   int64 `json:"capacity"`
			Active     int64 `json:"active"`
			AtCapacity bool  `json:"at_capacity"`
		} `json:"dispatcher"`
	}
	if code := getJSON(t, router, "/api/status", &body); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body.ActiveConversations != 2 {
		t.Errorf("active_conversations = %d, want 2", body.ActiveConversations)
	}
	if body.Dispatcher.Capacity != 2 {
		t.Errorf("capacity = %d, want 2", body.Dispatcher.Capacity)
	}
	if body.Dispatcher.Active != 0 || body.Dispatcher.AtCapacity {
		t.Errorf("dispatcher idle state = %+v, want active 0 and not at capacity", body.Dispatcher)
	}
}

func TestConversations(t *testing.T) {
	router, st := newTestRouter(t)
	conv, err := st.GetOrCreateActive("private:42")
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	if err := st.BindExternalSession(conv.ID, "ses_dash"); err != nil {
		t.Fatalf("bind session: %v", err)
	}

	var body struct {
		Conversations []conversationRow `json:"conversations"`
	}
	if code := getJSON(t, router, "/api/conversations", &body); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(body.Conversations) != 1 {
		t.Fatalf("conversations = %d, want 1", len(body.Conversations))
	}
	row := body.Conversations[0]
	if row.SourceKey != "private:42" || row.ExternalSessionID != "ses_dash" {
		t.Errorf("row = %+v, want private:42 bound to ses_dash", row)
	}
}
