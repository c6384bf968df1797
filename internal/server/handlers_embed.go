package server

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/chat"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/document"
	"github.com/fyrsmithlabs/ragd/internal/settings"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// uploadPurpose names the scratch subdirectory staged uploads land in.
const uploadPurpose = "embed"

// clientRecord resolves the request's settings, falling back to
// "default" for ids that were never patched into existence, mirroring
// the chat graph.
func (s *Server) clientRecord(c echo.Context) (config.ClientSettings, error) {
	cs, err := s.settings.Get(s.client(c))
	if err == nil {
		return cs, nil
	}
	if errors.Is(err, settings.ErrNotFound) {
		return s.settings.Get(settings.DefaultClientID)
	}
	return config.ClientSettings{}, err
}

// uploadDir is where staged files wait for the next ingest. Uploads
// append across calls; only the ingest itself consumes the directory.
func (s *Server) uploadDir(c echo.Context, create bool) (string, error) {
	dir := filepath.Join(s.cfg.ScratchDir, s.client(c), uploadPurpose)
	if create {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating upload dir: %w", err)
		}
	}
	return dir, nil
}

// uploadResponse reports one staging call.
type uploadResponse struct {
	Files []string `json:"files"`
	Count int      `json:"count"`
}

// handleUploadLocal stages multipart files ("files" field) for the next
// ingest. Every filename must carry a supported extension; one bad file
// rejects the whole batch before anything is written.
func (s *Server) handleUploadLocal(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return badRequest(c, "invalid multipart form")
	}
	files := form.File["files"]
	if len(files) == 0 {
		return badRequest(c, "no files in request")
	}
	for _, fh := range files {
		if !document.IsSupported(fh.Filename) {
			return s.fail(c, fmt.Errorf("%w: %q", document.ErrUnsupported, fh.Filename))
		}
	}

	dir, err := s.uploadDir(c, true)
	if err != nil {
		return s.fail(c, err)
	}

	names := make([]string, 0, len(files))
	for _, fh := range files {
		name := filepath.Base(fh.Filename)
		if err := saveMultipartFile(fh, filepath.Join(dir, name)); err != nil {
			return s.fail(c, err)
		}
		names = append(names, name)
	}
	return c.JSON(http.StatusOK, uploadResponse{Files: names, Count: len(names)})
}

func saveMultipartFile(fh *multipart.FileHeader, dest string) error {
	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("opening upload %s: %w", fh.Filename, err)
	}
	defer src.Close()

	dst, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("staging %s: %w", fh.Filename, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("writing %s: %w", fh.Filename, err)
	}
	return nil
}

// webStoreRequest is the body of POST /v1/embed/web/store.
type webStoreRequest struct {
	URL string `json:"url"`
}

// handleUploadWeb downloads one document into the staging directory.
// The filename comes from the URL path and must carry a supported
// extension. The fetch is bounded by the 60 second client timeout.
func (s *Server) handleUploadWeb(c echo.Context) error {
	var req webStoreRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return badRequest(c, "url must be absolute")
	}
	name := path.Base(parsed.Path)
	if name == "." || name == "/" || !document.IsSupported(name) {
		return s.fail(c, fmt.Errorf("%w: cannot ingest %q from the web", document.ErrUnsupported, name))
	}

	httpReq, err := http.NewRequestWithContext(c.Request().Context(), http.MethodGet, req.URL, nil)
	if err != nil {
		return badRequest(c, err.Error())
	}
	resp, err := s.web.Do(httpReq)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, errorBody{Detail: fmt.Sprintf("fetching %s: %v", req.URL, err)})
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.JSON(http.StatusFailedDependency, errorBody{Detail: fmt.Sprintf("fetching %s: status %d", req.URL, resp.StatusCode)})
	}

	dir, err := s.uploadDir(c, true)
	if err != nil {
		return s.fail(c, err)
	}
	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return s.fail(c, err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return s.fail(c, fmt.Errorf("writing %s: %w", name, err))
	}

	s.logger.Info(c.Request().Context(), "staged web document",
		zap.String("url", req.URL), zap.String("file", name), zap.Int64("bytes", n))
	return c.JSON(http.StatusOK, map[string]any{"file": name, "bytes": n})
}

// sqlStoreRequest is the body of POST /v1/embed/sql/store.
type sqlStoreRequest struct {
	Query    string `json:"query"`
	Filename string `json:"filename"`
}

// handleUploadSQL runs one SELECT against the client's database and
// stages the result as a CSV for the next ingest.
func (s *Server) handleUploadSQL(c echo.Context) error {
	var req sqlStoreRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := chat.GuardSelectOnly(req.Query); err != nil {
		return s.fail(c, err)
	}

	cs, err := s.clientRecord(c)
	if err != nil {
		return s.fail(c, err)
	}
	pool, err := s.databases.Acquire(c.Request().Context(), cs.Database, false)
	if err != nil {
		return s.fail(c, err)
	}

	rows, err := pool.Query(c.Request().Context(), req.Query)
	if err != nil {
		return badRequest(c, fmt.Sprintf("query failed: %v", err))
	}
	defer rows.Close()

	name := req.Filename
	if name == "" {
		name = "sql_extract.csv"
	}
	name = filepath.Base(name)
	if !strings.HasSuffix(strings.ToLower(name), ".csv") {
		name += ".csv"
	}

	dir, err := s.uploadDir(c, true)
	if err != nil {
		return s.fail(c, err)
	}
	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return s.fail(c, err)
	}
	defer dst.Close()

	w := csv.NewWriter(dst)
	fields := rows.FieldDescriptions()
	header := make([]string, len(fields))
	for i, fd := range fields {
		header[i] = fd.Name
	}
	if err := w.Write(header); err != nil {
		return s.fail(c, err)
	}

	count := 0
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return s.fail(c, err)
		}
		record := make([]string, len(vals))
		for i, v := range vals {
			if v != nil {
				record[i] = fmt.Sprint(v)
			}
		}
		if err := w.Write(record); err != nil {
			return s.fail(c, err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return badRequest(c, fmt.Sprintf("query failed: %v", err))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{"file": name, "rows": count})
}

// embedRequest is the body of POST /v1/embed.
type embedRequest struct {
	Alias       string `json:"alias"`
	Description string `json:"description"`
	RateLimit   int    `json:"rate_limit"`
}

// handleEmbed splits, embeds and merges every staged file into the
// store derived from the client's vector search settings. The staging
// directory is consumed: it is removed whether the ingest succeeds or
// fails, so a retry starts from fresh uploads.
func (s *Server) handleEmbed(c echo.Context) error {
	var req embedRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	cs, err := s.clientRecord(c)
	if err != nil {
		return s.fail(c, err)
	}
	vs := cs.VectorSearch
	if req.Alias != "" {
		vs.Alias = req.Alias
	}
	store := vectorstore.FromSettings(vs)
	store.Description = req.Description

	dir, err := s.uploadDir(c, false)
	if err != nil {
		return s.fail(c, err)
	}
	paths, err := stagedFiles(dir)
	if err != nil {
		return s.fail(c, err)
	}
	if len(paths) == 0 {
		return badRequest(c, "no files staged for embedding")
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn(c.Request().Context(), "failed to clear staging dir",
				zap.String("dir", dir), zap.Error(err))
		}
	}()

	rate := vs.RateLimit
	if req.RateLimit > 0 {
		rate = req.RateLimit
	}

	result, err := s.engine.Ingest(c.Request().Context(), vectorstore.IngestRequest{
		Database:  cs.Database,
		Store:     store,
		Paths:     paths,
		RateLimit: rate,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

// stagedFiles lists the regular files waiting in the staging directory.
// A missing directory is simply empty.
func stagedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading staging dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

// refreshRequest is the body of POST /v1/embed/refresh.
type refreshRequest struct {
	Bucket    string `json:"bucket"`
	Alias     string `json:"alias"`
	RateLimit int    `json:"rate_limit"`
}

// handleRefresh change-detects the client's store against an object
// bucket and merges new and modified objects.
func (s *Server) handleRefresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Bucket == "" {
		return badRequest(c, "bucket is required")
	}

	cs, err := s.clientRecord(c)
	if err != nil {
		return s.fail(c, err)
	}
	vs := cs.VectorSearch
	if req.Alias != "" {
		vs.Alias = req.Alias
	}
	rate := vs.RateLimit
	if req.RateLimit > 0 {
		rate = req.RateLimit
	}

	result, err := s.engine.Refresh(c.Request().Context(), vectorstore.RefreshRequest{
		Database:  cs.Database,
		Client:    s.client(c),
		Bucket:    req.Bucket,
		Store:     vectorstore.FromSettings(vs),
		RateLimit: rate,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// storeListResponse is the body of GET /v1/embed.
type storeListResponse struct {
	Database     string              `json:"database"`
	VectorStores []vectorstore.Store `json:"vector_stores"`
}

// handleStoreList discovers the vector stores on the client's database.
// With ?enabled_only=true stores whose embedding model is disabled are
// dropped from the answer.
func (s *Server) handleStoreList(c echo.Context) error {
	cs, err := s.clientRecord(c)
	if err != nil {
		return s.fail(c, err)
	}
	stores, err := s.engine.List(c.Request().Context(), cs.Database, c.QueryParam("enabled_only") == "true")
	if err != nil {
		return s.fail(c, err)
	}
	if stores == nil {
		stores = []vectorstore.Store{}
	}
	return c.JSON(http.StatusOK, storeListResponse{Database: cs.Database, VectorStores: stores})
}

func (s *Server) handleStoreDrop(c echo.Context) error {
	cs, err := s.clientRecord(c)
	if err != nil {
		return s.fail(c, err)
	}
	table := c.Param("vs")
	if err := s.engine.Drop(c.Request().Context(), cs.Database, table); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"detail": "vector store dropped", "table": table})
}

// storeFilesResponse is the body of GET /v1/embed/{vs}/files.
type storeFilesResponse struct {
	Table string                  `json:"table"`
	Files []vectorstore.FileCount `json:"files"`
}

func (s *Server) handleStoreFiles(c echo.Context) error {
	cs, err := s.clientRecord(c)
	if err != nil {
		return s.fail(c, err)
	}
	table := c.Param("vs")
	files, err := s.engine.Files(c.Request().Context(), cs.Database, table)
	if err != nil {
		return s.fail(c, err)
	}
	if files == nil {
		files = []vectorstore.FileCount{}
	}
	return c.JSON(http.StatusOK, storeFilesResponse{Table: table, Files: files})
}
