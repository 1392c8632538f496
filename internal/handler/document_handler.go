package handler

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/coi-compliance-api/pkg/errors"
	"github.com/noah-isme/coi-compliance-api/pkg/response"
	"github.com/noah-isme/coi-compliance-api/pkg/storage"
)

type signedOpener interface {
	OpenSigned(token string) (*os.File, string, error)
}

// DocumentHandler serves documents kept by the local storage driver through signed tokens.
type DocumentHandler struct {
	store signedOpener
}

// NewDocumentHandler constructs the handler. store may be nil when documents live in S3.
func NewDocumentHandler(store signedOpener) *DocumentHandler {
	return &DocumentHandler{store: store}
}

// Download godoc
// @Summary Download a stored document
// @Tags Documents
// @Produce octet-stream
// @Param token path string true "Signed token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Router /documents/{token} [get]
func (h *DocumentHandler) Download(c *gin.Context) {
	if h.store == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "documents are not served by this instance"))
		return
	}
	file, key, err := h.store.OpenSigned(c.Param("token"))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenExpired), errors.Is(err, storage.ErrTokenSignature), errors.Is(err, storage.ErrTokenMalformed):
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download link"))
		default:
			response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "document not found"))
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read document"))
		return
	}
	name := path.Base(key)
	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": name}))
	c.Header("Cache-Control", "private, max-age=300")
	c.DataFromReader(http.StatusOK, info.Size(), contentType, io.Reader(file), nil)
}
