// Package unicoretest runs an in-process UNICORE REST server for tests.
package unicoretest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

const registryPath = "/REGISTRY/rest/registries/default_registry"

// Job describes a job served by the fake site.
type Job struct {
	ID              string
	Status          string
	Name            string
	Owner           string
	SubmissionTime  string
	TerminationTime string
	Log             []string
	// Files maps a path relative to the working directory to its content.
	// Directories are implied by the paths.
	Files map[string][]byte
}

// Request records one request received by the server.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Range  string
	Auth   string
}

type site struct {
	anonymous bool
	down      bool
	order     []string
	jobs      map[string]*Job
	aborts    map[string]int
}

// Server is a fake registry plus any number of fake sites.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	token        string
	registryDown bool
	sites        map[string]*site
	siteOrder    []string
	requests     []Request
}

// NewServer starts a server. When token is not empty every request must
// carry it as a bearer token.
func NewServer(token string) *Server {
	s := &Server{token: token, sites: map[string]*site{}}
	r := chi.NewRouter()
	r.Use(s.record)
	r.Use(s.authenticate)
	r.Get(registryPath, s.registry)
	r.Get("/{site}/rest/core", s.core)
	r.Get("/{site}/rest/core/jobs", s.listJobs)
	r.Get("/{site}/rest/core/jobs/{id}", s.getJob)
	r.Post("/{site}/rest/core/jobs/{id}/actions/abort", s.abort)
	r.Get("/{site}/rest/core/storages/{id}-uspace", s.storage)
	r.Get("/{site}/rest/core/storages/{id}-uspace/files", s.files)
	r.Get("/{site}/rest/core/storages/{id}-uspace/files/*", s.files)
	s.Server = httptest.NewServer(r)
	return s
}

// RegistryURL returns the registry endpoint.
func (s *Server) RegistryURL() string {
	return s.URL + registryPath
}

// SiteURL returns the core endpoint of a site.
func (s *Server) SiteURL(name string) string {
	return s.URL + "/" + name + "/rest/core"
}

// JobURL returns the resource URL of a job.
func (s *Server) JobURL(siteName, id string) string {
	return s.SiteURL(siteName) + "/jobs/" + id
}

// AddSite registers a site in the registry.
func (s *Server) AddSite(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sites[name]; ok {
		return
	}
	s.sites[name] = &site{jobs: map[string]*Job{}, aborts: map[string]int{}}
	s.siteOrder = append(s.siteOrder, name)
}

// DenySite makes the site grant only the anonymous role.
func (s *Server) DenySite(name string) {
	s.AddSite(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[name].anonymous = true
}

// FailSite makes every request to the site fail with 503.
func (s *Server) FailSite(name string) {
	s.AddSite(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[name].down = true
}

// FailRegistry makes the registry answer with 500.
func (s *Server) FailRegistry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registryDown = true
}

// AddJob adds job to the site and returns its resource URL.
func (s *Server) AddJob(siteName string, job Job) string {
	s.AddSite(siteName)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.sites[siteName]
	j := job
	st.jobs[job.ID] = &j
	st.order = append(st.order, job.ID)
	return s.JobURL(siteName, job.ID)
}

// Aborts returns how many abort actions the job received.
func (s *Server) Aborts(siteName, id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sites[siteName]; ok {
		return st.aborts[id]
	}
	return 0
}

// Requests returns a copy of the recorded requests.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Range:  r.Header.Get("Range"),
			Auth:   r.Header.Get("Authorization"),
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registry(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registryDown {
		http.Error(w, "registry unavailable", http.StatusInternalServerError)
		return
	}
	entries := []map[string]string{
		{"href": s.URL + "/REGISTRY/rest/workflows", "type": "WorkflowServices"},
	}
	for _, name := range s.siteOrder {
		entries = append(entries, map[string]string{"href": s.SiteURL(name), "type": "CoreServices"})
	}
	writeJSON(w, map[string]any{"entries": entries})
}

// lookup resolves the site of the request, writing an error when it is
// unknown or failing.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*site, string, bool) {
	name := chi.URLParam(r, "site")
	st, ok := s.sites[name]
	if !ok {
		http.Error(w, "no such site", http.StatusNotFound)
		return nil, "", false
	}
	if st.down {
		http.Error(w, "site unavailable", http.StatusServiceUnavailable)
		return nil, "", false
	}
	return st, name, true
}

func (s *Server) core(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, _, ok := s.lookup(w, r)
	if !ok {
		return
	}
	role := "user"
	if st.anonymous {
		role = "anonymous"
	}
	writeJSON(w, map[string]any{"client": map[string]any{"role": map[string]string{"selected": role}}})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, name, ok := s.lookup(w, r)
	if !ok {
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	num, err := strconv.Atoi(r.URL.Query().Get("num"))
	if err != nil {
		num = len(st.order)
	}
	urls := []string{}
	for i := offset; i < len(st.order) && i < offset+num; i++ {
		urls = append(urls, s.JobURL(name, st.order[i]))
	}
	writeJSON(w, map[string]any{"jobs": urls})
}

func (s *Server) job(w http.ResponseWriter, r *http.Request) (*site, string, *Job, bool) {
	st, name, ok := s.lookup(w, r)
	if !ok {
		return nil, "", nil, false
	}
	job, ok := st.jobs[chi.URLParam(r, "id")]
	if !ok {
		http.Error(w, "no such job", http.StatusNotFound)
		return nil, "", nil, false
	}
	return st, name, job, true
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, name, job, ok := s.job(w, r)
	if !ok {
		return
	}
	writeJSON(w, map[string]any{
		"status":          job.Status,
		"name":            job.Name,
		"owner":           job.Owner,
		"siteName":        name,
		"submissionTime":  job.SubmissionTime,
		"terminationTime": job.TerminationTime,
		"log":             job.Log,
		"_links": map[string]any{
			"workingDirectory": map[string]string{
				"href": s.SiteURL(name) + "/storages/" + job.ID + "-uspace",
			},
		},
	})
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, _, job, ok := s.job(w, r)
	if !ok {
		return
	}
	st.aborts[job.ID]++
	job.Status = "FAILED"
	writeJSON(w, map[string]any{})
}

func (s *Server) storage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, job, ok := s.job(w, r)
	if !ok {
		return
	}
	writeJSON(w, map[string]any{"mountPoint": "/scratch/" + job.ID})
}

func (s *Server) files(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	_, _, job, ok := s.job(w, r)
	if !ok {
		s.mu.Unlock()
		return
	}
	rel, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		s.mu.Unlock()
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	data, isFile := job.Files[rel]
	var listing map[string]map[string]bool
	if !isFile {
		listing = children(job.Files, rel)
	}
	s.mu.Unlock()

	if isFile {
		if r.Header.Get("Accept") != "application/octet-stream" {
			writeJSON(w, map[string]any{"isDirectory": false, "size": len(data)})
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(w, r, rel, time.Time{}, bytes.NewReader(data))
		return
	}
	if listing == nil {
		http.Error(w, "no such file", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"content": listing})
}

// children lists the direct members of dir the way UNICORE does, with a
// leading "/" and a trailing "/" for directories.
func children(files map[string][]byte, dir string) map[string]map[string]bool {
	prefix := strings.TrimSuffix(dir, "/")
	if prefix != "" {
		prefix += "/"
	}
	out := map[string]map[string]bool{}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			out["/"+prefix+rest[:i+1]] = map[string]bool{"isDirectory": true}
			continue
		}
		out["/"+prefix+rest] = map[string]bool{"isDirectory": false}
	}
	if len(out) == 0 && prefix != "" {
		return nil
	}
	return out
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
