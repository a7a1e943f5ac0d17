package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/BMABHINAV/Legal-Platform/internal/aiprov"
	"github.com/BMABHINAV/Legal-Platform/internal/auth"
	"github.com/BMABHINAV/Legal-Platform/internal/config"
	"github.com/BMABHINAV/Legal-Platform/internal/emergency"
	"github.com/BMABHINAV/Legal-Platform/internal/escrow"
	"github.com/BMABHINAV/Legal-Platform/internal/models"
	"github.com/BMABHINAV/Legal-Platform/internal/notify"
	"github.com/BMABHINAV/Legal-Platform/internal/scheduler"
	"github.com/BMABHINAV/Legal-Platform/internal/ws"
	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type nullSink struct{}

func (nullSink) Send(e notify.Event) error { return nil }

func newTestRouter(t *testing.T) (*gin.Engine, config.Config) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.EscrowAccount{}, &models.ScheduledJob{}, &models.EmergencyAlert{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Config{
		JWTSecret:             "test-secret",
		Env:                   "dev",
		AccessTokenTTLMinutes: 15,
		HeartbeatTimeout:      time.Minute,
		PresenceSweepEvery:    10 * time.Second,
		RoomGracePeriod:       2 * time.Minute,
		ReplayRetention:       64,
		SignalingRoomLimit:    2,
		EscrowAutoRelease:     7 * 24 * time.Hour,
		EmergencyStaleAfter:   24 * time.Hour,
		SchedulerTick:         5 * time.Second,
		JobMaxAttempts:        3,
		JobRetryBackoff:       30 * time.Second,
	}

	clk := clock.New()
	dispatcher := notify.NewDispatcher(nullSink{})
	t.Cleanup(dispatcher.Close)

	reg := ws.NewRegistry(clk, cfg)
	jobs := scheduler.New(db, clk, dispatcher, cfg.SchedulerTick, cfg.JobRetryBackoff, cfg.JobMaxAttempts)
	escrowSvc := escrow.NewService(db, jobs, dispatcher, clk, cfg.EscrowAutoRelease)
	emergencySvc := emergency.NewService(db, reg, jobs, dispatcher, clk, cfg.EmergencyStaleAfter)
	ai := aiprov.NewClient("", clk)

	h := NewHandler(escrowSvc, emergencySvc, reg, jobs, ai)
	gw := ws.NewGateway(reg, cfg)
	return SetupRouter(cfg, h, gw), cfg
}

func doJSON(t *testing.T, r *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", w.Code)
	}
}

func TestAssistantStatusUnconfigured(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/api/v1/assistant/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var st aiprov.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Provider != "none" || st.Available {
		t.Errorf("status = %+v, want unavailable/no provider", st)
	}
}

func TestEscrowRequiresAuth(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/api/v1/escrow", "", gin.H{"booking_id": "b1", "amount_paise": 1000})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create = %d, want 401", w.Code)
	}
}

func TestDevTokenMint(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/api/v1/auth/token", "", gin.H{"user_id": 1, "name": "alice", "role": "client"})
	if w.Code != http.StatusOK {
		t.Fatalf("mint = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.AccessToken == "" {
		t.Fatalf("mint response = %s", w.Body.String())
	}
}

// TestEscrowRESTFlow drives the escrow state machine end to end over
// HTTP: create, complete, dispute, then admin adjudication.
func TestEscrowRESTFlow(t *testing.T) {
	r, cfg := newTestRouter(t)

	user, err := auth.GenerateAccessToken(10, "alice", "client", cfg.JWTSecret, cfg.AccessTokenTTLMinutes)
	if err != nil {
		t.Fatalf("mint user token: %v", err)
	}
	admin, err := auth.GenerateAccessToken(99, "root", auth.RoleAdmin, cfg.JWTSecret, cfg.AccessTokenTTLMinutes)
	if err != nil {
		t.Fatalf("mint admin token: %v", err)
	}

	w := doJSON(t, r, http.MethodPost, "/api/v1/escrow", user, gin.H{
		"booking_id": "b1", "provider_id": 7, "amount_paise": 250000,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}

	// Duplicate bookings are rejected.
	w = doJSON(t, r, http.MethodPost, "/api/v1/escrow", user, gin.H{
		"booking_id": "b1", "provider_id": 7, "amount_paise": 250000,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate create = %d, want 409", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/api/v1/escrow/b1/complete", user, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("complete = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/api/v1/escrow/b1/dispute", user, gin.H{"reason": "no show"})
	if w.Code != http.StatusOK {
		t.Fatalf("dispute = %d: %s", w.Code, w.Body.String())
	}

	// Disputed funds can only be moved by an admin.
	w = doJSON(t, r, http.MethodPost, "/api/v1/escrow/b1/release", user, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-admin release = %d, want 403", w.Code)
	}
	w = doJSON(t, r, http.MethodPost, "/api/v1/escrow/b1/refund", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("admin refund = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/api/v1/escrow/b1", user, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d", w.Code)
	}
	var acct models.EscrowAccount
	if err := json.Unmarshal(w.Body.Bytes(), &acct); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if acct.State != models.EscrowRefunded {
		t.Errorf("final state = %s, want refunded", acct.State)
	}

	// Terminal state: further transitions conflict.
	w = doJSON(t, r, http.MethodPost, "/api/v1/escrow/b1/release", admin, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("release after refund = %d, want 409", w.Code)
	}
}

func TestReminderEndpointAdminOnly(t *testing.T) {
	r, cfg := newTestRouter(t)

	user, _ := auth.GenerateAccessToken(10, "alice", "client", cfg.JWTSecret, cfg.AccessTokenTTLMinutes)
	admin, _ := auth.GenerateAccessToken(99, "root", auth.RoleAdmin, cfg.JWTSecret, cfg.AccessTokenTTLMinutes)

	body := gin.H{"target_id": "booking-1", "run_at": time.Now().Add(time.Hour).Format(time.RFC3339)}
	w := doJSON(t, r, http.MethodPost, "/api/v1/jobs/reminder", user, body)
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-admin reminder = %d, want 403", w.Code)
	}
	w = doJSON(t, r, http.MethodPost, "/api/v1/jobs/reminder", admin, body)
	if w.Code != http.StatusOK {
		t.Fatalf("admin reminder = %d: %s", w.Code, w.Body.String())
	}
}

func TestUnknownRoomParticipants(t *testing.T) {
	r, cfg := newTestRouter(t)
	user, _ := auth.GenerateAccessToken(10, "alice", "client", cfg.JWTSecret, cfg.AccessTokenTTLMinutes)

	w := doJSON(t, r, http.MethodGet, "/api/v1/rooms/ghost/participants", user, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("participants of unknown room = %d, want 404", w.Code)
	}
}
