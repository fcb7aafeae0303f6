package http

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"anpr-edge/internal/config"
	"anpr-edge/internal/db"
	"anpr-edge/internal/domain/anpr"
	"anpr-edge/internal/frame"
	"anpr-edge/internal/repository"
	"anpr-edge/internal/service"
	"anpr-edge/internal/worker"
)

type fakeDetection struct {
	mu      sync.Mutex
	state   worker.State
	pauses  int
	resumes int
}

func (d *fakeDetection) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pauses++
	d.state = worker.StatePaused
}

func (d *fakeDetection) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumes++
	d.state = worker.StateRunning
}

func (d *fakeDetection) Stats() worker.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return worker.Stats{State: d.state}
}

type fakeFrames struct {
	available bool
	frame     *frame.Frame
}

func (f *fakeFrames) LatestFrame() (frame.Frame, bool) {
	if f.frame == nil {
		return frame.Frame{}, false
	}
	return f.frame.Clone(), true
}

func (f *fakeFrames) Available() bool { return f.available }

type fakeRecognizer struct {
	result *anpr.RecognitionResult
	seen   frame.Frame
	calls  int
}

func (r *fakeRecognizer) Process(_ context.Context, f frame.Frame) (*anpr.RecognitionResult, error) {
	r.calls++
	r.seen = f
	return r.result, nil
}

type testEnv struct {
	router     *gin.Engine
	auth       *Auth
	hub        *Hub
	gate       *service.GateService
	detection  *fakeDetection
	frames     *fakeFrames
	recognizer *fakeRecognizer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dbCfg := config.DatabaseConfig{Driver: config.DriverSQLite, Path: filepath.Join(t.TempDir(), "anpr.db")}
	reg := repository.NewRegistry(func() (*gorm.DB, error) { return db.Open(dbCfg, zerolog.Nop()) }, zerolog.Nop())
	t.Cleanup(func() { _ = reg.Close() })

	hub := NewHub([]string{"*"}, zerolog.Nop())
	gate := service.NewGateService(reg, nil, "plaza-07", zerolog.Nop(), hub)
	env := &testEnv{
		hub:        hub,
		gate:       gate,
		detection:  &fakeDetection{state: worker.StateRunning},
		frames:     &fakeFrames{},
		recognizer: &fakeRecognizer{},
	}

	httpCfg := config.HTTPConfig{
		JWTSecret:        "test-secret",
		OperatorUser:     "operator",
		OperatorPassword: "gatekeeper",
		TokenTTL:         time.Hour,
		CORSOrigins:      []string{"*"},
	}
	env.auth = NewAuth(httpCfg, zerolog.Nop())
	h := NewHandler(service.NewRegistryService(reg, zerolog.Nop()), gate, env.detection, env.frames, env.recognizer, hub, zerolog.Nop())
	env.router = NewRouter(h, env.auth, httpCfg, zerolog.Nop())
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) token(t *testing.T) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/auth/token", map[string]string{"username": "operator", "password": "gatekeeper"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data tokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.Token)
	return resp.Data.Token
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	env.frames.available = true

	w := env.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var health healthResponse
	decodeData(t, w, &health)
	assert.True(t, health.Camera)
	assert.True(t, health.Store)
	assert.Equal(t, worker.StateRunning, health.Detection)
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/auth/token", map[string]string{"username": "operator", "password": "nope"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/vehicles", map[string]string{"plate_number": "TN01AB1234", "owner_name": "Priya"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/detection/pause", nil, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token := env.token(t)
	env.auth.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	w = env.do(t, http.MethodPost, "/api/v1/detection/pause", nil, token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "token expired")
}

func TestVehicleEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	w := env.do(t, http.MethodPost, "/api/v1/vehicles", map[string]string{
		"plate_number": "tn01ab1234",
		"owner_name":   "Priya",
		"valid_until":  "2027-03-31",
	}, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created anpr.VehicleRecord
	decodeData(t, w, &created)
	assert.Equal(t, "TN01AB1234", created.PlateNumber)
	require.NotNil(t, created.ValidUntil)
	assert.Equal(t, "2027-03-31", created.ValidUntil.Format(time.DateOnly))

	w = env.do(t, http.MethodPost, "/api/v1/vehicles", map[string]string{"plate_number": "TN01AB1234", "owner_name": "Other"}, token)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/vehicles", map[string]string{"plate_number": "KA01AA0001", "owner_name": "X", "valid_until": "soon"}, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/vehicles", map[string]string{"owner_name": "X"}, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/vehicles/tn01ab1234", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/vehicles/TN01AB1234", map[string]string{"vehicle_type": "Van"}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated anpr.VehicleRecord
	decodeData(t, w, &updated)
	assert.Equal(t, "Van", updated.VehicleType)

	w = env.do(t, http.MethodPut, "/api/v1/vehicles/TN01AB1234", map[string]string{}, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/vehicles?q=pri", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []anpr.VehicleRecord
	decodeData(t, w, &list)
	assert.Len(t, list, 1)

	w = env.do(t, http.MethodDelete, "/api/v1/vehicles/TN01AB1234", nil, token)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/vehicles/TN01AB1234", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, "/api/v1/vehicles/TN01AB1234", nil, token)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDetectionControl(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	w := env.do(t, http.MethodPost, "/api/v1/detection/pause", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, worker.StatePaused, env.detection.Stats().State)

	w = env.do(t, http.MethodPost, "/api/v1/detection/resume", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, worker.StateRunning, env.detection.Stats().State)

	w = env.do(t, http.MethodGet, "/api/v1/detection/state", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var state detectionStateResponse
	decodeData(t, w, &state)
	assert.Equal(t, worker.StateRunning, state.Worker.State)
	assert.Nil(t, state.LastDecision)
}

func TestLatestFrame(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/camera/frame.jpg", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	env.frames.available = true
	w = env.do(t, http.MethodGet, "/api/v1/camera/frame.jpg", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	f := frame.New(32, 24, 3)
	env.frames.frame = &f
	w = env.do(t, http.MethodGet, "/api/v1/camera/frame.jpg", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))

	img, err := jpeg.Decode(w.Body)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())

	w = env.do(t, http.MethodGet, "/api/v1/camera/frame.jpg?width=16", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	img, err = jpeg.Decode(w.Body)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
	assert.Equal(t, 12, img.Bounds().Dy())

	w = env.do(t, http.MethodGet, "/api/v1/camera/frame.jpg?width=-3", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func uploadRequest(t *testing.T, token string) *http.Request {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 200, B: 200, A: 255})
		}
	}
	return uploadImage(t, token, img)
}

func uploadImage(t *testing.T, token string, img image.Image) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "car.png")
	require.NoError(t, err)
	require.NoError(t, png.Encode(part, img))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/recognize", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestRecognize(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	w := env.do(t, http.MethodPost, "/api/v1/vehicles", map[string]string{"plate_number": "TN01AB1234", "owner_name": "Priya"}, token)
	require.Equal(t, http.StatusCreated, w.Code)

	env.recognizer.result = &anpr.RecognitionResult{
		PlateCode:          "TN01AB1234",
		CombinedConfidence: 0.9,
		RecognizedAt:       time.Now().UTC(),
	}

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(t, token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp recognizeResponse
	decodeData(t, w, &resp)
	require.True(t, resp.Recognized)
	assert.Equal(t, anpr.StatusAllowed, resp.Decision.Event.Status)
	assert.True(t, resp.Decision.Logged)
	assert.Equal(t, 64, env.recognizer.seen.Width)
	assert.Equal(t, worker.StatePaused, env.detection.Stats().State, "upload pauses live detection")

	w = env.do(t, http.MethodGet, "/api/v1/detections?limit=10", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var events []anpr.DetectionEvent
	decodeData(t, w, &events)
	require.Len(t, events, 1)
	assert.Equal(t, "plaza-07", events[0].NodeID)

	w = env.do(t, http.MethodGet, "/api/v1/stats", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats anpr.Stats
	decodeData(t, w, &stats)
	assert.Equal(t, int64(1), stats.TotalDetections)

	env.recognizer.result = nil
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(t, token))
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &resp)
	assert.False(t, resp.Recognized)
}

func TestRecognize_RejectsOversizedDimensions(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	// a blank image this wide compresses to a few KiB of PNG
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadImage(t, token, image.NewGray(image.Rect(0, 0, maxUploadDimension+1, 1))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Zero(t, env.recognizer.calls)
	assert.Equal(t, worker.StateRunning, env.detection.Stats().State)
}

func TestRecognize_MissingFile(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/recognize", strings.NewReader(""))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDetections_BadQuery(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/detections?from=yesterday", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebsocketBroadcast(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	_, err = env.gate.HandleRecognition(context.Background(), anpr.RecognitionResult{PlateCode: "KA01ZZ0001", CombinedConfidence: 0.7})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var d anpr.AccessDecision
	require.NoError(t, json.Unmarshal(msg, &d))
	assert.Equal(t, "KA01ZZ0001", d.Event.PlateNumber)
	assert.Equal(t, anpr.StatusDenied, d.Event.Status)
}

func TestCorsConfig(t *testing.T) {
	assert.True(t, corsConfig([]string{"*"}).AllowAllOrigins)
	c := corsConfig([]string{"http://console.local"})
	assert.False(t, c.AllowAllOrigins)
	assert.Equal(t, []string{"http://console.local"}, c.AllowOrigins)
}
