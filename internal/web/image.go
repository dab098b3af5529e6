package web

import (
	"bytes"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"

	"epdframe/internal/convert"
	appLog "epdframe/internal/log"
)

// handleCurrentImage serves the last fitted image to display clients.
//
// GET /api/current_image?format=spectra6|raw|png
//   - spectra6 (default) and raw: the packed 4bpp panel buffer
//   - png: the fitted image file as stored
//
// A matching If-Modified-Since yields 304 without touching the pipeline.
func (s *Server) handleCurrentImage(w http.ResponseWriter, r *http.Request) {
	path := s.Config.Resolve(s.Config.Paths.CurrentImage)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "Image not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	mtime := info.ModTime()
	if convert.NotModified(mtime, r.Header.Get("If-Modified-Since")) {
		w.Header().Set("Last-Modified", convert.LastModified(mtime))
		w.WriteHeader(http.StatusNotModified)
		return
	}

	format := strings.ToLower(r.URL.Query().Get("format"))
	switch format {
	case "", "spectra6", "raw":
		img, err := convert.DecodeFile(path)
		if err != nil {
			s.writePipelineError(w, err, path)
			return
		}
		res, err := s.Converter.Render(img)
		if err != nil {
			s.writePipelineError(w, err, path)
			return
		}
		h := w.Header()
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Content-Length", strconv.Itoa(len(res.Packed)))
		h.Set("Last-Modified", convert.LastModified(mtime))
		h.Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Packed)
	case "png":
		data, err := os.ReadFile(path)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h := w.Header()
		h.Set("Content-Type", "image/png")
		h.Set("Content-Length", strconv.Itoa(len(data)))
		h.Set("Last-Modified", convert.LastModified(mtime))
		h.Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	default:
		writeError(w, http.StatusBadRequest, "unknown format "+strconv.Quote(format))
	}
}

// handlePreviewImage renders the current image in palette colours, i.e.
// what the panel will actually show after dithering.
func (s *Server) handlePreviewImage(w http.ResponseWriter, r *http.Request) {
	path := s.Config.Resolve(s.Config.Paths.CurrentImage)
	img, err := convert.DecodeFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "Image not found")
			return
		}
		s.writePipelineError(w, err, path)
		return
	}
	res, err := s.Converter.Render(img)
	if err != nil {
		s.writePipelineError(w, err, path)
		return
	}

	var buf bytes.Buffer
	if err := convert.EncodePreview(&buf, res.Indexed); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) writePipelineError(w http.ResponseWriter, err error, path string) {
	appLog.Error("current image conversion failed", err, "path", path)
	writeError(w, errorStatus(err), errorMessage(err))
}
