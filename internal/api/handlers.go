package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/unicore-bridge/internal/bridge"
	"github.com/JakeFAU/unicore-bridge/internal/metrics"
	"github.com/JakeFAU/unicore-bridge/internal/publisher"
)

// Download status values of the drive and bucket routes.
const (
	statusSuccess = "success"
	statusWarning = "warning"
	statusError   = "error"
)

type cancelRequest struct {
	ResourceURL string `json:"resource_url"`
}

type driveRequest struct {
	JobURL string `json:"job_url"`
	File   string `json:"file"`
	Path   string `json:"path"`
}

type downloadStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) getSites(w http.ResponseWriter, r *http.Request) {
	client, err := s.clients.New(r.Context())
	if err == nil {
		var sites map[string]string
		sites, err = client.Sites(r.Context())
		if err == nil {
			s.writeJSON(w, http.StatusOK, map[string]any{"sites": sites, "message": ""})
			return
		}
	}
	s.writeJSON(w, bridge.HTTPStatus(err), map[string]any{"sites": map[string]string{}, "message": bridge.MessageOf(err)})
}

func (s *Server) getJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	site := query.Get("site")
	if site == "" {
		site = s.cfg.Unicore.DefaultSite
		s.logger.Warn("no site in query, using default", zap.String("site", site))
	}
	page := 1
	if raw := query.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeJSON(w, http.StatusBadRequest, map[string]any{
				"jobs":    []bridge.Job{},
				"message": fmt.Sprintf("Page %s is not valid!", raw),
			})
			return
		}
		page = n
	}

	client, err := s.clients.New(r.Context())
	if err != nil {
		s.writeJSON(w, bridge.HTTPStatus(err), map[string]any{"jobs": []bridge.Job{}, "message": bridge.MessageOf(err)})
		return
	}
	jobs, msg, err := client.ListJobs(r.Context(), site, page-1)
	if err != nil {
		s.writeJSON(w, bridge.HTTPStatus(err), map[string]any{"jobs": []bridge.Job{}, "message": bridge.MessageOf(err)})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "message": msg})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid JSON"})
		return
	}
	client, err := s.clients.New(r.Context())
	if err != nil {
		s.writeMessage(w, err)
		return
	}
	s.logger.Info("cancelling job", zap.String("job_url", req.ResourceURL))
	res, err := client.Cancel(r.Context(), req.ResourceURL)
	if err != nil {
		s.logger.Warn("cancel failed", zap.String("job_url", req.ResourceURL), zap.Error(err))
	}
	if err != nil || !res.Cancelled {
		s.writeJSON(w, http.StatusOK, map[string]string{"message": bridge.NotCancelledMessage})
		return
	}

	if res.Aborted {
		ev := publisher.NewEvent(publisher.EventJobCancelled, req.ResourceURL)
		ev.Status = res.Job.Status
		s.relay.Notify(r.Context(), ev)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": res.Job, "message": ""})
}

func (s *Server) getJobOutput(w http.ResponseWriter, r *http.Request) {
	jobURL := r.URL.Query().Get("job_url")
	client, err := s.clients.New(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]bridge.Output{bridge.ErrorKeyPrefix + err.Error(): {}})
		return
	}
	s.writeJSON(w, http.StatusOK, client.ListOutputs(r.Context(), jobURL))
}

// downloadToDrive relays the output to a configured folder named in the
// request path, or downloads it under the local downloads root.
func (s *Server) downloadToDrive(w http.ResponseWriter, r *http.Request) {
	jobURL, err := pathParam(r, "job_url")
	if err != nil {
		s.writeStatus(w, err)
		return
	}
	file, err := pathParam(r, "file")
	if err != nil {
		s.writeStatus(w, err)
		return
	}
	var req driveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeStatus(w, &bridge.Error{Kind: bridge.KindInvalidArgument, Message: "invalid JSON"})
		return
	}
	if req.JobURL != "" {
		jobURL = req.JobURL
	}
	if req.File != "" {
		file = req.File
	}

	client, err := s.clients.New(r.Context())
	if err != nil {
		s.writeStatus(w, err)
		return
	}

	if folder, _, ok := s.relay.Resolve(req.Path); ok {
		rc, err := client.StreamFile(r.Context(), jobURL, file, 0, -1)
		if err != nil {
			s.writeStatus(w, err)
			return
		}
		defer func() { _ = rc.Close() }()
		uri, err := s.relay.Upload(r.Context(), req.Path, filepath.Base(file), rc)
		if err != nil {
			s.logger.Error("relay upload failed", zap.String("folder", folder.Name), zap.Error(err))
			s.writeJSON(w, http.StatusBadGateway, downloadStatus{Status: statusError, Message: fmt.Sprintf("Could not upload %s to %s!", file, folder.Name)})
			return
		}
		s.notifyRelayed(r, jobURL, file, uri)
		s.writeJSON(w, http.StatusOK, downloadStatus{Status: statusSuccess, Message: bridge.DownloadedMessage})
		return
	}

	dest, err := s.localDestination(req.Path, file)
	if err != nil {
		s.writeStatus(w, err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		s.writeStatus(w, &bridge.Error{Kind: bridge.KindLocalStorage, Message: fmt.Sprintf("Could not create %s!", req.Path), Err: err})
		return
	}
	msg, err := client.DownloadFile(r.Context(), jobURL, file, dest)
	if err != nil {
		s.writeStatus(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, downloadStatus{Status: statusSuccess, Message: msg})
}

func (s *Server) bucketDownload(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	jobURL := query.Get("job_id")
	file := query.Get("output_file")
	uploadURL := query.Get("upload_url")
	if file == "" || uploadURL == "" {
		s.writeStatus(w, &bridge.Error{Kind: bridge.KindInvalidArgument, Message: "output_file and upload_url are required!"})
		return
	}
	if u, err := url.Parse(uploadURL); err != nil || !u.IsAbs() {
		s.writeStatus(w, &bridge.Error{Kind: bridge.KindInvalidArgument, Message: "upload_url is not a valid URL!"})
		return
	}

	client, err := s.clients.New(r.Context())
	if err != nil {
		s.writeStatus(w, err)
		return
	}
	rc, err := client.StreamFile(r.Context(), jobURL, file, 0, -1)
	if err != nil {
		s.writeStatus(w, err)
		return
	}
	defer func() { _ = rc.Close() }()
	if err := s.relay.UploadURL(r.Context(), uploadURL, file, rc); err != nil {
		s.logger.Error("upload url transfer failed", zap.String("file", file), zap.Error(err))
		s.writeJSON(w, http.StatusBadGateway, downloadStatus{Status: statusError, Message: fmt.Sprintf("Could not upload %s!", file)})
		return
	}
	s.notifyRelayed(r, jobURL, file, "upload_url")
	s.writeJSON(w, http.StatusOK, downloadStatus{Status: statusSuccess, Message: bridge.DownloadedMessage})
}

func (s *Server) streamFile(w http.ResponseWriter, r *http.Request) {
	jobURL, err := pathParam(r, "job_url")
	if err != nil {
		s.writeMessage(w, err)
		return
	}
	file, err := pathParam(r, "file")
	if err != nil {
		s.writeMessage(w, err)
		return
	}
	offset, err := int64Query(r, "offset", 0)
	if err != nil {
		s.writeMessage(w, err)
		return
	}
	size, err := int64Query(r, "size", -1)
	if err != nil {
		s.writeMessage(w, err)
		return
	}

	client, err := s.clients.New(r.Context())
	if err != nil {
		s.writeMessage(w, err)
		return
	}
	rc, err := client.StreamFile(r.Context(), jobURL, file, offset, size)
	if err != nil {
		s.writeMessage(w, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(file)))
	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, rc)
	metrics.AddStreamBytes(n)
	if err != nil {
		s.logger.Warn("stream interrupted", zap.String("job_url", jobURL), zap.String("file", file),
			zap.Int64("bytes", n), zap.Error(err))
	}
}

// writeStatus writes the download status envelope for err.
func (s *Server) writeStatus(w http.ResponseWriter, err error) {
	status := statusError
	if errors.Is(err, bridge.ErrJobStillRunning) {
		status = statusWarning
	}
	s.writeJSON(w, bridge.HTTPStatus(err), downloadStatus{Status: status, Message: bridge.MessageOf(err)})
}

func (s *Server) notifyRelayed(r *http.Request, jobURL, file, destination string) {
	ev := publisher.NewEvent(publisher.EventOutputRelayed, jobURL)
	ev.File = file
	ev.Destination = destination
	s.relay.Notify(r.Context(), ev)
}

// localDestination confines dir/file to the downloads root.
func (s *Server) localDestination(dir, file string) (string, error) {
	root := s.cfg.Downloads.Root
	if root == "" {
		root = "."
	}
	root = filepath.Clean(root)
	dest := filepath.Join(root, filepath.FromSlash(dir), filepath.Base(file))
	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &bridge.Error{Kind: bridge.KindInvalidArgument, Message: fmt.Sprintf("Path %s is outside the downloads folder!", dir)}
	}
	return dest, nil
}

func pathParam(r *http.Request, name string) (string, error) {
	v, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil || v == "" {
		return "", &bridge.Error{Kind: bridge.KindInvalidArgument, Message: fmt.Sprintf("Parameter %s is not valid!", name), Err: err}
	}
	return v, nil
}

func int64Query(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &bridge.Error{Kind: bridge.KindInvalidArgument, Message: fmt.Sprintf("Parameter %s is not valid!", name), Err: err}
	}
	return n, nil
}
