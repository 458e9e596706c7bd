package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ewiger/picostack/internal/lifecycle"
	"github.com/ewiger/picostack/internal/registry"
)

type response struct {
	Ok    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// CreateInstanceRequest is the body of POST /v1/instances.
type CreateInstanceRequest struct {
	Name     string `json:"name"`
	Image    string `json:"image"`
	Flavour  string `json:"flavour"`
	SSH      bool   `json:"ssh"`
	VNC      bool   `json:"vnc"`
	RDP      bool   `json:"rdp"`
	DiskFile string `json:"disk_file,omitempty"`
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, response{Ok: true, Data: data})
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, response{Error: err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidName), errors.Is(err, lifecycle.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrExists), errors.Is(err, registry.ErrInUse),
		errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, lifecycle.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error(op+" failed", "err", err)
	} else {
		s.log.Warn(op+" rejected", "err", err)
	}
	fail(c, status, err)
}

func (s *Server) ping(c *gin.Context) {
	ok(c, http.StatusOK, nil)
}

func (s *Server) listInstances(c *gin.Context) {
	var (
		insts []*registry.Instance
		err   error
	)
	if state := c.Query("state"); state != "" {
		if !registry.State(state).Valid() {
			fail(c, http.StatusBadRequest, fmt.Errorf("unknown state %q", state))
			return
		}
		insts, err = s.store.FindByState(registry.State(state))
	} else {
		insts, err = s.store.ListInstances()
	}
	if err != nil {
		s.fail(c, "list instances", err)
		return
	}
	if insts == nil {
		insts = []*registry.Instance{}
	}
	ok(c, http.StatusOK, insts)
}

func (s *Server) getInstance(c *gin.Context) {
	inst, err := s.store.GetInstance(c.Param("name"))
	if err != nil {
		s.fail(c, "get instance", err)
		return
	}
	if inst == nil {
		fail(c, http.StatusNotFound, fmt.Errorf("instance %s: %w", c.Param("name"), registry.ErrNotFound))
		return
	}
	ok(c, http.StatusOK, inst)
}

func (s *Server) createInstance(c *gin.Context) {
	var req CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	inst := &registry.Instance{
		Name:        req.Name,
		ImageName:   req.Image,
		FlavourName: req.Flavour,
		HasSSH:      req.SSH,
		HasVNC:      req.VNC,
		HasRDP:      req.RDP,
		DiskFile:    req.DiskFile,
	}
	if err := s.store.CreateInstance(inst); err != nil {
		s.fail(c, "create instance", err)
		return
	}
	s.log.Info("instance created", "instance", inst.Name, "image", inst.ImageName, "flavour", inst.FlavourName)
	ok(c, http.StatusCreated, inst)
}

func (s *Server) requestAction(c *gin.Context) {
	action, err := lifecycle.ParseAction(c.Param("action"))
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	inst, err := lifecycle.Request(s.store, c.Param("name"), action)
	if err != nil {
		s.fail(c, string(action), err)
		return
	}
	s.log.Info("instance request accepted", "instance", inst.Name, "action", action, "state", inst.State)
	ok(c, http.StatusOK, inst)
}

func (s *Server) listImages(c *gin.Context) {
	images, err := s.store.ListImages()
	if err != nil {
		s.fail(c, "list images", err)
		return
	}
	if images == nil {
		images = []*registry.Image{}
	}
	ok(c, http.StatusOK, images)
}

func (s *Server) saveImage(c *gin.Context) {
	var img registry.Image
	if err := c.ShouldBindJSON(&img); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if img.Filename == "" {
		fail(c, http.StatusBadRequest, errors.New("filename is required"))
		return
	}
	if err := s.store.SaveImage(&img); err != nil {
		s.fail(c, "save image", err)
		return
	}
	ok(c, http.StatusCreated, img)
}

func (s *Server) deleteImage(c *gin.Context) {
	if err := s.store.DeleteImage(c.Param("name")); err != nil {
		s.fail(c, "delete image", err)
		return
	}
	ok(c, http.StatusOK, nil)
}

func (s *Server) listFlavours(c *gin.Context) {
	flavours, err := s.store.ListFlavours()
	if err != nil {
		s.fail(c, "list flavours", err)
		return
	}
	if flavours == nil {
		flavours = []*registry.Flavour{}
	}
	ok(c, http.StatusOK, flavours)
}

func (s *Server) saveFlavour(c *gin.Context) {
	var fl registry.Flavour
	if err := c.ShouldBindJSON(&fl); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SaveFlavour(&fl); err != nil {
		s.fail(c, "save flavour", err)
		return
	}
	ok(c, http.StatusCreated, fl)
}

func (s *Server) deleteFlavour(c *gin.Context) {
	if err := s.store.DeleteFlavour(c.Param("name")); err != nil {
		s.fail(c, "delete flavour", err)
		return
	}
	ok(c, http.StatusOK, nil)
}
