package api

import (
	"errors"
	"net/http"

	"github.com/hearthhq/hearth/pkg/httputil"
	"github.com/hearthhq/hearth/pkg/plugin"
)

// installPluginRequest mirrors the on-disk manifest shape for JSON bodies.
type installPluginRequest struct {
	Key                string                    `json:"key"`
	Name               string                    `json:"name"`
	Version            string                    `json:"version"`
	Vendor             string                    `json:"vendor,omitempty"`
	MinPlatformVersion string                    `json:"min_platform_version"`
	Extensions         []installExtensionRequest `json:"extensions,omitempty"`
}

type installExtensionRequest struct {
	Type               string            `json:"type"`
	Key                string            `json:"key"`
	Weight             int               `json:"weight,omitempty"`
	Location           string            `json:"location,omitempty"`
	RequiredPermission string            `json:"required_permission,omitempty"`
	APIVersionMin      string            `json:"api_version_min,omitempty"`
	APIVersionMax      string            `json:"api_version_max,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CronExpression     string            `json:"cron,omitempty"`
	TimeZone           string            `json:"time_zone,omitempty"`
}

func (req installPluginRequest) manifest() *plugin.Manifest {
	m := &plugin.Manifest{
		Key:                req.Key,
		Name:               req.Name,
		Version:            req.Version,
		Vendor:             req.Vendor,
		MinPlatformVersion: req.MinPlatformVersion,
	}
	for _, e := range req.Extensions {
		m.Extensions = append(m.Extensions, plugin.ManifestExtension{
			Type:               e.Type,
			Key:                e.Key,
			Weight:             e.Weight,
			Location:           e.Location,
			RequiredPermission: e.RequiredPermission,
			APIVersionMin:      e.APIVersionMin,
			APIVersionMax:      e.APIVersionMax,
			Metadata:           e.Metadata,
			CronExpression:     e.CronExpression,
			TimeZone:           e.TimeZone,
		})
	}
	return m
}

func (s *Server) installPlugin(w http.ResponseWriter, r *http.Request) {
	var req installPluginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	m := req.manifest()
	if errs := m.Validate(); len(errs) > 0 {
		details := make([]string, len(errs))
		for i, e := range errs {
			details[i] = e.Error()
		}
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "invalid plugin manifest",
			"details": details,
		})
		return
	}

	desc, err := m.Descriptor()
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err := s.plugins.Install(desc, m.Instance()); err != nil {
		s.writePluginError(w, err)
		return
	}

	installed, err := s.plugins.Get(desc.Key)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, installed)
}

func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]interface{}{
		"plugins": s.plugins.List(),
	})
}

func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	desc, err := s.plugins.Get(key)
	if err != nil {
		s.writePluginError(w, err)
		return
	}
	httputil.WriteSuccess(w, desc)
}

func (s *Server) enablePlugin(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	if err := s.plugins.Enable(r.Context(), key); err != nil {
		s.writePluginError(w, err)
		return
	}
	desc, err := s.plugins.Get(key)
	if err != nil {
		s.writePluginError(w, err)
		return
	}
	httputil.WriteSuccess(w, desc)
}

func (s *Server) disablePlugin(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	if err := s.plugins.Disable(r.Context(), key); err != nil {
		s.writePluginError(w, err)
		return
	}
	desc, err := s.plugins.Get(key)
	if err != nil {
		s.writePluginError(w, err)
		return
	}
	httputil.WriteSuccess(w, desc)
}

func (s *Server) uninstallPlugin(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	if err := s.plugins.Uninstall(key); err != nil {
		s.writePluginError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) listExtensionTypes(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]interface{}{
		"types": s.extensions.Types(),
	})
}

func (s *Server) listExtensions(w http.ResponseWriter, r *http.Request) {
	extensionType, ok := httputil.ParsePathStringOrError(w, r, "type")
	if !ok {
		return
	}

	location := httputil.ParseQueryString(r, "location", "")
	regs := s.extensions.Lookup(extensionType)
	if location != "" {
		regs = s.extensions.LookupAt(extensionType, location)
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"type":       extensionType,
		"extensions": regs,
	})
}

func (s *Server) writePluginError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, plugin.ErrPluginNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, plugin.ErrDuplicatePluginKey),
		errors.Is(err, plugin.ErrPluginStillActive),
		errors.Is(err, plugin.ErrInvalidLifecycleTransition),
		errors.Is(err, plugin.ErrIncompatiblePluginVersion):
		httputil.WriteConflict(w, err.Error())
	default:
		s.log.Errorf("Plugin operation failed: %v", err)
		httputil.WriteInternalError(w, err)
	}
}
