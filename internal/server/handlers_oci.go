package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/ragd/internal/cloudauth"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/objstore"
)

// profileListResponse is the body of GET /v1/oci.
type profileListResponse struct {
	Profiles []config.CloudAuthProfile `json:"profiles"`
}

func (s *Server) handleProfileList(c echo.Context) error {
	return c.JSON(http.StatusOK, profileListResponse{Profiles: s.profiles.List()})
}

func (s *Server) handleProfileGet(c echo.Context) error {
	p, err := s.profiles.Get(c.Param("profile"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleProfileCreate(c echo.Context) error {
	var p config.CloudAuthProfile
	if err := c.Bind(&p); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := p.Validate(); err != nil {
		return badRequest(c, err.Error())
	}
	if err := s.profiles.Add(p); err != nil {
		if errors.Is(err, cloudauth.ErrDuplicate) {
			return s.fail(c, err)
		}
		return badRequest(c, err.Error())
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleProfilePatch(c echo.Context) error {
	var patch config.CloudAuthProfile
	if err := c.Bind(&patch); err != nil {
		return badRequest(c, "invalid request body")
	}
	merged, err := s.profiles.Patch(c.Param("profile"), patch)
	if err != nil {
		if errors.Is(err, cloudauth.ErrNotFound) {
			return s.fail(c, err)
		}
		return badRequest(c, err.Error())
	}
	return c.JSON(http.StatusOK, merged)
}

// compartmentRef pairs a profile with the compartment it points at.
type compartmentRef struct {
	Profile       string `json:"profile"`
	CompartmentID string `json:"compartment_id"`
}

// handleCompartmentList reports the compartments the configured
// profiles reference.
func (s *Server) handleCompartmentList(c echo.Context) error {
	var out []compartmentRef
	for _, p := range s.profiles.List() {
		if p.CompartmentID == "" {
			continue
		}
		out = append(out, compartmentRef{Profile: p.Name, CompartmentID: p.CompartmentID})
	}
	if out == nil {
		out = []compartmentRef{}
	}
	return c.JSON(http.StatusOK, map[string][]compartmentRef{"compartments": out})
}

func (s *Server) handleBucketList(c echo.Context) error {
	if s.objects == nil {
		return c.JSON(http.StatusServiceUnavailable, errorBody{Detail: "object storage not configured"})
	}
	buckets, err := s.objects.ListBuckets(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	if buckets == nil {
		buckets = []string{}
	}
	return c.JSON(http.StatusOK, map[string][]string{"buckets": buckets})
}

// objectListResponse is the body of GET /v1/oci/buckets/{bucket}/objects.
type objectListResponse struct {
	Bucket  string                   `json:"bucket"`
	Objects []objstore.ObjectSummary `json:"objects"`
}

func (s *Server) handleObjectList(c echo.Context) error {
	if s.objects == nil {
		return c.JSON(http.StatusServiceUnavailable, errorBody{Detail: "object storage not configured"})
	}
	name := c.Param("bucket")
	bucket, err := s.objects.Bucket(name)
	if err != nil {
		return s.fail(c, err)
	}
	objects, err := bucket.List(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	if objects == nil {
		objects = []objstore.ObjectSummary{}
	}
	return c.JSON(http.StatusOK, objectListResponse{Bucket: name, Objects: objects})
}
