package handlers

import (
	"fmt"
	"io"
	"mime/multipart"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mnma/mnma-backend/internal/apperr"
	"github.com/mnma/mnma-backend/internal/logger"
	"github.com/mnma/mnma-backend/internal/services"
)

var allowedContentTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true, // .doc
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true, // .docx
	"application/vnd.ms-excel": true, // .xls
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true, // .xlsx
	"text/plain":    true,
	"text/markdown": true,
	"text/csv":      true,
}

type UploadHandler struct {
	log           *logger.Logger
	uploadService services.UploadService
}

func NewUploadHandler(log *logger.Logger, uploadService services.UploadService) *UploadHandler {
	return &UploadHandler{
		log:           log.With("handler", "UploadHandler"),
		uploadService: uploadService,
	}
}

type uploadedFileInfo struct {
	UserID   string `json:"user_id"`
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
	FileName string `json:"filename"`
}

// POST /upload/upload_files
// Multipart form: "files" parts plus a user_id form or query value.
func (h *UploadHandler) UploadFiles(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		userID = strings.TrimSpace(c.PostForm("user_id"))
	}
	if userID == "" {
		RespondAppError(c, apperr.Newf(apperr.KindInvalidInput, "user_id is required"))
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		RespondAppError(c, apperr.New(apperr.KindInvalidInput, fmt.Errorf("invalid multipart form: %w", err)))
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		RespondAppError(c, apperr.Newf(apperr.KindInvalidInput, "no files provided"))
		return
	}

	for _, fh := range files {
		if contentType := fh.Header.Get("Content-Type"); contentType != "" && !allowedContentTypes[contentType] {
			RespondAppError(c, apperr.Newf(apperr.KindInvalidInput,
				"invalid file type %q for %q", contentType, fh.Filename))
			return
		}
	}

	uploaded := make([]uploadedFileInfo, 0, len(files))
	for _, fh := range files {
		data, err := readMultipartFile(fh)
		if err != nil {
			RespondAppError(c, apperr.New(apperr.KindInvalidInput, fmt.Errorf("read file %q: %w", fh.Filename, err)))
			return
		}
		if len(data) > maxUploadBytes {
			RespondAppError(c, apperr.Newf(apperr.KindInvalidInput, "file %q exceeds the upload size limit", fh.Filename))
			return
		}

		record, err := h.uploadService.Upload(c.Request.Context(), userID, fh.Filename, data)
		if err != nil {
			h.log.Error("Upload failed", "user_id", userID, "file_name", fh.Filename, "error", err)
			RespondAppError(c, err)
			return
		}

		uploaded = append(uploaded, uploadedFileInfo{
			UserID:   userID,
			FileID:   record.FileID.String(),
			FilePath: services.StorageKey(userID, record.FileID, record.FileName),
			FileName: record.FileName,
		})
	}

	RespondOK(c, gin.H{"files": uploaded})
}

// GET /upload/get_files/:user_id
func (h *UploadHandler) GetFiles(c *gin.Context) {
	records, err := h.uploadService.ListFiles(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, records)
}

// GET /upload/get_files_status/:user_id
func (h *UploadHandler) GetFilesStatus(c *gin.Context) {
	entries, err := h.uploadService.FileStatuses(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, entries)
}

type removeFileRequest struct {
	UserID  string   `json:"user_id"`
	FileIDs []string `json:"file_ids"`
}

// POST /upload/remove_file
func (h *UploadHandler) RemoveFile(c *gin.Context) {
	var req removeFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondAppError(c, apperr.New(apperr.KindInvalidInput, fmt.Errorf("invalid request body: %w", err)))
		return
	}

	fileIDs := make([]uuid.UUID, 0, len(req.FileIDs))
	for _, raw := range req.FileIDs {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			RespondAppError(c, apperr.Newf(apperr.KindInvalidInput, "invalid file id %q", raw))
			return
		}
		fileIDs = append(fileIDs, id)
	}

	deleted, err := h.uploadService.DeleteFiles(c.Request.Context(), req.UserID, fileIDs)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"deleted": deleted})
}

func readMultipartFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
}

const maxUploadBytes = 50 << 20
