package server

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/ragd/internal/document"
	"github.com/fyrsmithlabs/ragd/internal/objstore"
	"github.com/fyrsmithlabs/ragd/internal/testbed"
)

// handleTestsetGenerate builds a testset from uploaded files. Multipart
// fields: "files" (the documents), "name", "questions", "chunk_size"
// and "tid" (append to an existing testset). Uploads land in a
// throwaway scratch directory that is cleared when the call returns.
func (s *Server) handleTestsetGenerate(c echo.Context) error {
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

	questions, err := formInt(c, "questions")
	if err != nil {
		return badRequest(c, "questions must be an integer")
	}
	chunkSize, err := formInt(c, "chunk_size")
	if err != nil {
		return badRequest(c, "chunk_size must be an integer")
	}

	client := s.client(c)
	dir, cleanup, err := objstore.Scratch(s.cfg.ScratchDir, client, "testbed_upload")
	if err != nil {
		return s.fail(c, err)
	}
	defer cleanup()

	paths := make([]string, 0, len(files))
	for _, fh := range files {
		dest := filepath.Join(dir, filepath.Base(fh.Filename))
		if err := saveMultipartFile(fh, dest); err != nil {
			return s.fail(c, err)
		}
		paths = append(paths, dest)
	}

	ts, err := s.runner.Generate(c.Request().Context(), testbed.GenerateRequest{
		Client:    client,
		Name:      c.FormValue("name"),
		Paths:     paths,
		Questions: questions,
		ChunkSize: chunkSize,
		TestsetID: c.FormValue("tid"),
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, ts)
}

// formInt reads an optional integer form field; absent fields are 0 so
// the runner's defaults apply.
func formInt(c echo.Context, field string) (int, error) {
	v := c.FormValue(field)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// testsetListResponse is the body of GET /v1/testbed/testsets.
type testsetListResponse struct {
	Testsets []testbed.Testset `json:"testsets"`
}

func (s *Server) handleTestsetList(c echo.Context) error {
	out, err := s.runner.Testsets(c.Request().Context(), s.client(c))
	if err != nil {
		return s.fail(c, err)
	}
	if out == nil {
		out = []testbed.Testset{}
	}
	return c.JSON(http.StatusOK, testsetListResponse{Testsets: out})
}

func (s *Server) handleTestsetGet(c echo.Context) error {
	ts, err := s.runner.Testset(c.Request().Context(), s.client(c), c.Param("tid"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, ts)
}

func (s *Server) handleTestsetDelete(c echo.Context) error {
	tid := c.Param("tid")
	if err := s.runner.DeleteTestset(c.Request().Context(), s.client(c), tid); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"detail": "testset deleted", "tid": tid})
}

// evaluateRequest is the body of POST /v1/testbed/evaluate.
type evaluateRequest struct {
	TID        string `json:"tid"`
	JudgeModel string `json:"judge_model"`
}

// handleEvaluate replays a stored testset through the chat graph and
// judges every answer. The full report is returned and stored for
// later retrieval under its evaluation id.
func (s *Server) handleEvaluate(c echo.Context) error {
	var req evaluateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.TID == "" {
		return badRequest(c, "tid is required")
	}

	report, err := s.runner.Evaluate(c.Request().Context(), testbed.EvaluateRequest{
		Client:     s.client(c),
		TestsetID:  req.TID,
		JudgeModel: req.JudgeModel,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, report)
}

// evaluationListResponse is the body of GET /v1/testbed/evaluations.
type evaluationListResponse struct {
	Evaluations []testbed.Evaluation `json:"evaluations"`
}

func (s *Server) handleEvaluationList(c echo.Context) error {
	out, err := s.runner.Evaluations(c.Request().Context(), s.client(c), c.QueryParam("tid"))
	if err != nil {
		return s.fail(c, err)
	}
	if out == nil {
		out = []testbed.Evaluation{}
	}
	return c.JSON(http.StatusOK, evaluationListResponse{Evaluations: out})
}

func (s *Server) handleReportGet(c echo.Context) error {
	report, err := s.runner.Report(c.Request().Context(), s.client(c), c.Param("eid"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, report)
}
