package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v5"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

// writeStoreError maps store errors onto the error envelope.
func writeStoreError(c *echo.Context, param string, err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), param, "")
	case errors.Is(err, ErrArchiveNotFound):
		return writeError(c, http.StatusNotFound, "not_found_error", err.Error(), param, "archive_not_found")
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), param, "")
	}
}

// archiveFile turns a request name into a file name inside the store
// directory. The .npz extension is optional.
func archiveFile(name string) (string, error) {
	if name == "" {
		return "", newInvalidRequest("archive name is required")
	}
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", newInvalidRequest("invalid archive name: " + name)
	}
	if !strings.HasSuffix(name, archiveExt) {
		name += archiveExt
	}
	return name, nil
}
