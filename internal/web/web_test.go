package web

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epdframe/internal/battery"
	"epdframe/internal/config"
	"epdframe/internal/convert"
	"epdframe/internal/model"
	"epdframe/internal/plugin"
	"epdframe/internal/refresh"
	"epdframe/internal/state"
)

type fixture struct {
	srv     *Server
	cfg     *config.Config
	current string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Device.Width, cfg.Device.Height = 8, 6

	store, err := state.Open(cfg.Resolve(cfg.Paths.StateFile))
	require.NoError(t, err)
	reg := plugin.NewRegistry()
	reg.Register(plugin.ImageUploadID, plugin.NewImageUpload())
	conv := convert.NewConverter(cfg.DeviceModel())

	srv := NewServer(Deps{
		Config:    cfg,
		Store:     store,
		Registry:  reg,
		Converter: conv,
		Runner: &refresh.Runner{
			Store:     store,
			Registry:  reg,
			Converter: conv,
			Output:    cfg.Resolve(cfg.Paths.CurrentImage),
		},
		Battery: battery.New(context.Background(), cfg.Battery),
	})
	return &fixture{srv: srv, cfg: cfg, current: cfg.Resolve(cfg.Paths.CurrentImage)}
}

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func (f *fixture) writeCurrent(t *testing.T, data []byte, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.current, data, 0o644))
	require.NoError(t, os.Chtimes(f.current, mtime, mtime))
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

var red = color.NRGBA{R: 255, A: 255}

func TestCurrentImageMissing(t *testing.T) {
	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/current_image", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Image not found"}`, rec.Body.String())
}

func TestCurrentImagePacked(t *testing.T) {
	f := newFixture(t)
	mtime := time.Date(2025, 4, 1, 10, 30, 15, 0, time.UTC)
	f.writeCurrent(t, solidPNG(t, 8, 6, red), mtime)

	for _, format := range []string{"", "?format=raw", "?format=SPECTRA6"} {
		rec := f.do(httptest.NewRequest(http.MethodGet, "/api/current_image"+format, nil))
		require.Equal(t, http.StatusOK, rec.Code, format)
		assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
		assert.Equal(t, "24", rec.Header().Get("Content-Length"))
		assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
		assert.Equal(t, "Tue, 01 Apr 2025 10:30:15 GMT", rec.Header().Get("Last-Modified"))
		if diff := cmp.Diff(bytes.Repeat([]byte{0x44}, 24), rec.Body.Bytes()); diff != "" {
			t.Errorf("packed body (-want +got):\n%s", diff)
		}
	}
}

func TestCurrentImageConditional(t *testing.T) {
	f := newFixture(t)
	mtime := time.Date(2025, 4, 1, 10, 30, 15, 500, time.UTC)
	f.writeCurrent(t, solidPNG(t, 8, 6, red), mtime)

	req := httptest.NewRequest(http.MethodGet, "/api/current_image", nil)
	req.Header.Set("If-Modified-Since", "Tue, 01 Apr 2025 10:30:15 GMT")
	rec := f.do(req)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())

	req.Header.Set("If-Modified-Since", "Tue, 01 Apr 2025 10:30:14 GMT")
	assert.Equal(t, http.StatusOK, f.do(req).Code)

	req.Header.Set("If-Modified-Since", "yesterday")
	assert.Equal(t, http.StatusOK, f.do(req).Code)
}

func TestCurrentImagePNG(t *testing.T) {
	f := newFixture(t)
	data := solidPNG(t, 8, 6, red)
	f.writeCurrent(t, data, time.Now())

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/current_image?format=png", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, data, rec.Body.Bytes())

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/current_image?format=bmp", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCurrentImageErrors(t *testing.T) {
	f := newFixture(t)

	f.writeCurrent(t, []byte("not a png"), time.Now())
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/current_image", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "Failed to read image file.")

	f.writeCurrent(t, solidPNG(t, 10, 6, red), time.Now())
	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/current_image", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPreviewImage(t *testing.T) {
	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/preview_image", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.writeCurrent(t, solidPNG(t, 8, 6, color.NRGBA{R: 250, G: 250, B: 10, A: 255}), time.Now())
	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/preview_image", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 6), img.Bounds())
	r, g, b, _ := img.At(0, 0).RGBA()
	assert.Equal(t, [3]uint32{0xffff, 0xffff, 0}, [3]uint32{r, g, b})
}

func upload(t *testing.T, files map[string][]byte, instance string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if instance != "" {
		require.NoError(t, mw.WriteField("instance", instance))
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadRefreshDelete(t *testing.T) {
	f := newFixture(t)

	rec := f.do(upload(t, map[string][]byte{"../../Holiday Pic.PNG": solidPNG(t, 16, 12, red)}, ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	inst, err := f.srv.Store.Instance(plugin.ImageUploadID)
	require.NoError(t, err)
	files := inst.Settings.Strings(plugin.KeyImageFiles)
	require.Len(t, files, 1)
	assert.Equal(t, f.cfg.Resolve(f.cfg.Paths.ImageDir), filepath.Dir(files[0]))
	assert.True(t, strings.HasSuffix(files[0], "-Holiday_Pic.PNG"), files[0])

	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/refresh", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"instance_id":"image_upload"`)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/current_image", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, bytes.Repeat([]byte{0x44}, 24), rec.Body.Bytes())

	rec = f.do(httptest.NewRequest(http.MethodDelete, "/api/plugins/image_upload", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	_, err = os.Stat(files[0])
	assert.True(t, os.IsNotExist(err), "uploaded file is cleaned up")

	rec = f.do(httptest.NewRequest(http.MethodDelete, "/api/plugins/image_upload", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadRejects(t *testing.T) {
	f := newFixture(t)

	rec := f.do(upload(t, map[string][]byte{"doc.pdf": []byte("%PDF")}, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(upload(t, map[string][]byte{"fake.png": []byte("garbage")}, ""))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(upload(t, map[string][]byte{}, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "No images provided.")

	require.NoError(t, f.srv.Store.Put(state.Instance{ID: "cal", Plugin: "calendar"}))
	rec = f.do(upload(t, map[string][]byte{"a.png": solidPNG(t, 2, 2, red)}, "cal"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// gatedPlugin holds a cycle inside GenerateImage until release is closed.
type gatedPlugin struct {
	plugin.Plugin
	entered chan struct{}
	release chan struct{}
}

func (p gatedPlugin) GenerateImage(ctx context.Context, s plugin.Settings, dev model.Device) (image.Image, error) {
	close(p.entered)
	<-p.release
	return p.Plugin.GenerateImage(ctx, s, dev)
}

func TestUploadDuringRefreshIsKept(t *testing.T) {
	f := newFixture(t)
	rec := f.do(upload(t, map[string][]byte{"a.png": solidPNG(t, 8, 6, red)}, ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	gate := gatedPlugin{Plugin: plugin.NewImageUpload(), entered: make(chan struct{}), release: make(chan struct{})}
	f.srv.Registry.Register(plugin.ImageUploadID, gate)

	done := make(chan error, 1)
	go func() {
		_, err := f.srv.Runner.Cycle(context.Background())
		done <- err
	}()
	<-gate.entered

	rec = f.do(upload(t, map[string][]byte{"b.png": solidPNG(t, 8, 6, red)}, ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	close(gate.release)
	require.NoError(t, <-done)

	inst, err := f.srv.Store.Instance(plugin.ImageUploadID)
	require.NoError(t, err)
	files := inst.Settings.Strings(plugin.KeyImageFiles)
	require.Len(t, files, 2)
	assert.True(t, strings.HasSuffix(files[1], "-b.png"), files[1])
	assert.Equal(t, 0, inst.Settings.Int(plugin.KeyImageIndex, -1), "index from the one-image list the cycle saw")
}

func TestUploadRejectLeavesNoFiles(t *testing.T) {
	f := newFixture(t)
	dir := f.cfg.Resolve(f.cfg.Paths.ImageDir)

	rec := f.do(upload(t, map[string][]byte{
		"good.png": solidPNG(t, 2, 2, red),
		"bad.png":  []byte("garbage"),
	}, ""))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	entries, err := os.ReadDir(dir)
	if err == nil {
		assert.Empty(t, entries)
	} else {
		assert.True(t, os.IsNotExist(err), err)
	}
	_, err = f.srv.Store.Instance(plugin.ImageUploadID)
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestRefreshWithoutInstances(t *testing.T) {
	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/refresh", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/refresh", strings.NewReader(`{"id":"nope"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPluginsCRUDAndOrder(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/plugins", jsonBody(t, map[string]any{"plugin": "nope"})))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, id := range []string{"a", "b"} {
		rec = f.do(httptest.NewRequest(http.MethodPost, "/api/plugins",
			jsonBody(t, map[string]any{"id": id, "plugin": plugin.ImageUploadID, "settings": map[string]any{"randomize": true}})))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/plugins", jsonBody(t, map[string]any{"plugin": plugin.ImageUploadID})))
	require.Equal(t, http.StatusOK, rec.Code)
	var created state.Instance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.ID, "image_upload-"))

	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/plugin_order", strings.NewReader(`{"order":"b,a"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Order must be a list")

	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/plugin_order", strings.NewReader(`{"order":["ghost"]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/plugin_order", strings.NewReader(`{"order":["b","a"]}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/plugins", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list pluginsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, []string{plugin.ImageUploadID}, list.Plugins)
	var ids []string
	for _, in := range list.Instances {
		ids = append(ids, in.ID)
	}
	assert.Equal(t, []string{"b", "a", created.ID}, ids)
	assert.True(t, list.Instances[0].Settings.Bool("randomize"))
}

func TestBasicAuth(t *testing.T) {
	f := newFixture(t)
	f.cfg.BasicAuth = &config.BasicAuthConfig{Username: "frame", Password: "s3cret"}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/plugins", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/api/plugins", nil)
	req.SetBasicAuth("frame", "s3cret")
	assert.Equal(t, http.StatusOK, f.do(req).Code)
}

func TestBatteryAndStatic(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/battery", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"percent":100,"voltage_mv":0,"source":"mock"}`, rec.Body.String())

	rec = f.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<title>epdframe</title>")

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/nothing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}
