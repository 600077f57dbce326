package handlers

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/certforge/certforge-backend/internal/apierr"
	"github.com/certforge/certforge-backend/internal/datasource"
	"github.com/certforge/certforge-backend/internal/middleware"
)

// 10 MB is generous for a recipient sheet.
const maxCSVBytes = 10 << 20

type DatasourceHandler struct{}

func NewDatasourceHandler() *DatasourceHandler {
	return &DatasourceHandler{}
}

// POST /api/datasources/parse accepts a multipart "file" field or a raw CSV
// body and returns the header, normalized rows, and any shape warnings.
func (h *DatasourceHandler) Parse(c *gin.Context) {
	if _, ok := middleware.UserID(c); !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}

	data, err := readCSVPayload(c)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_upload", err)
		return
	}

	result, err := datasource.ParseCSV(data)
	if err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeValidation, err)
		return
	}
	RespondOK(c, gin.H{
		"header":   result.Header,
		"rows":     result.Rows,
		"warnings": result.Warnings,
	})
}

func readCSVPayload(c *gin.Context) ([]byte, error) {
	if file, err := c.FormFile("file"); err == nil {
		if file.Size > maxCSVBytes {
			return nil, fmt.Errorf("file exceeds %d bytes", maxCSVBytes)
		}
		f, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, maxCSVBytes))
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCSVBytes))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty upload")
	}
	return data, nil
}
