package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"epdframe/internal/config"
	"epdframe/internal/convert"
	appLog "epdframe/internal/log"
	"epdframe/internal/plugin"
	"epdframe/internal/refresh"
	"epdframe/internal/state"
)

// maxUploadSize caps one multipart upload request.
const maxUploadSize = 32 << 20

// uploadExts are the image types the decoder registry can read.
var uploadExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".tif": true, ".tiff": true,
}

type pluginsResponse struct {
	Plugins      []string         `json:"plugins"`
	Instances    []state.Instance `json:"instances"`
	LastRefresh  *time.Time       `json:"last_refresh,omitempty"`
	LastInstance string           `json:"last_instance,omitempty"`
}

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	resp := pluginsResponse{
		Plugins:   s.Registry.IDs(),
		Instances: s.Store.Instances(),
	}
	if at, id := s.Store.LastRefresh(); !at.IsZero() {
		resp.LastRefresh = &at
		resp.LastInstance = id
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSavePlugin creates or replaces an instance. A missing id is
// generated from the plugin name.
func (s *Server) handleSavePlugin(w http.ResponseWriter, r *http.Request) {
	var inst state.Instance
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&inst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if _, ok := s.Registry.Lookup(inst.Plugin); !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown plugin %q", inst.Plugin))
		return
	}
	if inst.ID == "" {
		inst.ID = inst.Plugin + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	if inst.Name == "" {
		inst.Name = inst.ID
	}
	if err := s.Store.Put(inst); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// handleDeletePlugin removes an instance and lets its plugin clean up
// files it owns.
func (s *Server) handleDeletePlugin(w http.ResponseWriter, r *http.Request) {
	removed, err := s.Store.Delete(r.PathValue("id"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	if p, ok := s.Registry.Lookup(removed.Plugin); ok {
		if c, ok := p.(plugin.Cleaner); ok {
			c.Cleanup(removed.Settings)
		}
	}
	writeSuccess(w)
}

func (s *Server) handlePluginOrder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Order json.RawMessage `json:"order"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	var order []string
	if err := json.Unmarshal(body.Order, &order); err != nil || order == nil {
		writeError(w, http.StatusBadRequest, "Order must be a list")
		return
	}
	if err := s.Store.SetOrder(order); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeSuccess(w)
}

// handleUpload stores uploaded images and appends them to an image_upload
// instance (form field "instance", default "image_upload", created on
// first use).
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload: "+err.Error())
		return
	}
	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "No images provided.")
		return
	}

	id := r.FormValue("instance")
	if id == "" {
		id = plugin.ImageUploadID
	}
	if inst, err := s.Store.Instance(id); err == nil && inst.Plugin != plugin.ImageUploadID {
		writeError(w, http.StatusBadRequest, notUploadInstance(id).Error())
		return
	}

	// Check every part before anything touches the disk.
	type part struct {
		name string
		data []byte
	}
	parts := make([]part, 0, len(files))
	for _, fh := range files {
		ext := strings.ToLower(filepath.Ext(fh.Filename))
		if !uploadExts[ext] {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("file type %q is not allowed", ext))
			return
		}
		data, err := readPart(fh)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
			appLog.Warn("upload rejected", err, "filename", fh.Filename)
			writeError(w, http.StatusUnprocessableEntity, "Failed to read image file.")
			return
		}
		parts = append(parts, part{name: sanitize(fh.Filename), data: data})
	}

	dir := s.Config.Resolve(s.Config.Paths.ImageDir)
	saved := make([]string, 0, len(parts))
	for _, p := range parts {
		path := filepath.Join(dir, strconv.FormatInt(time.Now().UnixNano(), 36)+"-"+p.name)
		if err := config.WriteFileAtomic(path, p.data, 0o644); err != nil {
			removeFiles(saved)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		saved = append(saved, path)
	}

	_, err := s.Store.Update(id, func(inst *state.Instance, found bool) error {
		if !found {
			inst.Plugin = plugin.ImageUploadID
			inst.Name = "Uploaded images"
		}
		if inst.Plugin != plugin.ImageUploadID {
			return notUploadInstance(id)
		}
		for _, path := range saved {
			plugin.AddImage(inst.Settings, path)
		}
		return nil
	})
	if err != nil {
		removeFiles(saved)
		status := errorStatus(err)
		if errors.Is(err, errNotUploadInstance) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	appLog.Info("images uploaded", "instance", id, "count", len(saved))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "instance": id, "files": saved})
}

var errNotUploadInstance = errors.New("not an image_upload instance")

func notUploadInstance(id string) error {
	return fmt.Errorf("instance %q is %w", id, errNotUploadInstance)
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// removeFiles deletes uploads that never made it into an instance.
func removeFiles(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			appLog.Warn("upload: removing orphaned file failed", convert.PartialWrite("remove upload", err), "path", p)
		}
	}
}

// sanitize keeps the base name of an uploaded file safe for the local
// filesystem.
func sanitize(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// handleRefresh runs one cycle synchronously. With {"id": "..."} that
// instance is shown without advancing the rotation.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh is not available")
		return
	}
	var body struct {
		ID string `json:"id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}

	var (
		rep refresh.Report
		err error
	)
	if body.ID != "" {
		rep, err = s.Runner.Show(r.Context(), body.ID)
	} else {
		rep, err = s.Runner.Cycle(r.Context())
	}
	if err != nil {
		appLog.Error("manual refresh failed", err, "id", body.ID)
		writeError(w, errorStatus(err), errorMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
