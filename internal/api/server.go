package api

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/vitptq/internal/compare"
	"github.com/samcharles93/vitptq/internal/metrics"
)

// Default archive pair compared when the request names none.
const (
	DefaultFloatArchive = "attn_float_activations"
	DefaultQuantArchive = "attn_quant_activations"
)

type ServerConfig struct {
	// QuantModel is the quantized graph holding activation scales and zero
	// points. Without it integer arrays are compared undequantized.
	QuantModel   string
	FloatArchive string
	QuantArchive string
}

type Server struct {
	store *ArchiveStore
	cfg   ServerConfig
}

func NewServer(store *ArchiveStore, cfg ServerConfig) *Server {
	if cfg.FloatArchive == "" {
		cfg.FloatArchive = DefaultFloatArchive
	}
	if cfg.QuantArchive == "" {
		cfg.QuantArchive = DefaultQuantArchive
	}
	return &Server{store: store, cfg: cfg}
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(countRequests)

	e.GET("/v1/archives", s.handleListArchives)
	e.GET("/v1/archives/:name", s.handleGetArchive)
	e.GET("/v1/compare", s.handleCompare)

	e.GET("/metrics", func(c *echo.Context) error {
		metrics.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})
}

func countRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		metrics.HTTPRequests.WithLabelValues(c.Path(), c.Request().Method).Inc()
		return next(c)
	}
}

func (s *Server) handleListArchives(c *echo.Context) error {
	list, err := s.store.List()
	if err != nil {
		return writeStoreError(c, "", err)
	}
	return c.JSON(http.StatusOK, ArchiveList{Object: "list", Data: list})
}

func (s *Server) handleGetArchive(c *echo.Context) error {
	name := c.Param("name")
	info, err := s.store.Stat(name)
	if err != nil {
		return writeStoreError(c, "name", err)
	}
	entries, err := s.store.Entries(name)
	if err != nil {
		return writeStoreError(c, "name", err)
	}
	detail := ArchiveDetail{ArchiveInfo: info, Arrays: make([]ArrayInfo, len(entries))}
	for i, e := range entries {
		detail.Arrays[i] = ArrayInfo{Name: e.Name, Shape: e.Shape, DType: e.DType.String()}
	}
	return c.JSON(http.StatusOK, detail)
}

func (s *Server) handleCompare(c *echo.Context) error {
	floatName := c.QueryParam("float")
	if floatName == "" {
		floatName = s.cfg.FloatArchive
	}
	quantName := c.QueryParam("quant")
	if quantName == "" {
		quantName = s.cfg.QuantArchive
	}
	if floatName == quantName {
		return writeBadRequest(c, "float and quant must name different archives")
	}

	fa, err := s.store.Get(floatName)
	if err != nil {
		return writeStoreError(c, "float", err)
	}
	qa, err := s.store.Get(quantName)
	if err != nil {
		return writeStoreError(c, "quant", err)
	}
	var params compare.Params
	if s.cfg.QuantModel != "" {
		params, err = compare.ParamsFromFile(s.cfg.QuantModel)
		if err != nil {
			return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
		}
	}
	return c.JSON(http.StatusOK, CompareResponse{
		Object: "comparison",
		Float:  floatName,
		Quant:  quantName,
		Report: compare.Compare(fa, qa, params),
	})
}
