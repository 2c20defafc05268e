package api

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/auth"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/conversation"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/logger"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/metrics"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/models"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/storage"
)

type CharacterStore interface {
	CreateCharacter(ctx context.Context, c *models.Character) error
	GetCharacter(ctx context.Context, id int64) (*models.Character, error)
	ListCharacters(ctx context.Context) ([]*models.Character, error)
}

type JobRepository interface {
	SaveJob(ctx context.Context, job *models.IngestionJob) error
	FindJob(ctx context.Context, id string) (*models.IngestionJob, error)
	ListJobsByCharacter(ctx context.Context, characterID int64) ([]*models.IngestionJob, error)
}

type JobSubmitter interface {
	Submit(job *models.IngestionJob) error
}

// Conversations is the part of the orchestrator the HTTP surface drives.
type Conversations interface {
	ProcessTextChatStream(ctx context.Context, req conversation.TextRequest, onChunk func(string) error) (*conversation.TurnResult, error)
	SessionHistory(ctx context.Context, sessionID string) ([]models.Message, error)
	CleanupSession(sessionID string)
	HandleBinaryMessage(ctx context.Context, tr conversation.Transport, req conversation.VoiceRequest, audio []byte) error
	HandleTextMessage(ctx context.Context, tr conversation.Transport, req conversation.TextRequest) error
}

// TokenAdmin exposes the speech credential for operators.
type TokenAdmin interface {
	ExpiresAt() (time.Time, bool)
	ForceRefresh(ctx context.Context) (models.Credential, error)
}

// Dependencies wires the handler to the services behind it.
type Dependencies struct {
	Characters    CharacterStore
	Jobs          JobRepository
	Ingestion     JobSubmitter
	Conversations Conversations
	Tokens        TokenAdmin
	UploadDir     string
	AdminKey      string
}

// Handler wires HTTP routes to the conversation and ingestion services.
type Handler struct {
	characters    CharacterStore
	jobs          JobRepository
	ingestion     JobSubmitter
	conversations Conversations
	tokens        TokenAdmin
	uploadDir     string
	adminKey      string
	sockets       *socketSessions
	logger        *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(deps Dependencies) *Handler {
	uploadDir := deps.UploadDir
	if uploadDir == "" {
		uploadDir = "./data/uploads"
	}
	return &Handler{
		characters:    deps.Characters,
		jobs:          deps.Jobs,
		ingestion:     deps.Ingestion,
		conversations: deps.Conversations,
		tokens:        deps.Tokens,
		uploadDir:     uploadDir,
		adminKey:      deps.AdminKey,
		sockets:       newSocketSessions(),
		logger:        logger.WithComponent("api"),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws/chat", h.chatSocket)

	api := router.Group("/api")
	api.POST("/characters", h.createCharacter)
	api.GET("/characters", h.listCharacters)
	api.GET("/characters/:id", h.getCharacter)
	api.POST("/characters/:id/knowledge/files", h.uploadKnowledgeFile)
	api.GET("/characters/:id/knowledge/jobs", h.listCharacterJobs)
	api.GET("/knowledge/jobs/:job_id", h.getJob)

	api.POST("/chat/stream", h.chatStream)
	api.GET("/chat/sessions/:session_id/messages", h.sessionMessages)
	api.DELETE("/chat/sessions/:session_id", h.deleteSession)

	admin := api.Group("/admin", auth.AdminKey(h.adminKey))
	admin.GET("/token", h.tokenStatus)
	admin.POST("/token/refresh", h.refreshToken)
}

type characterRequest struct {
	Name          string `json:"name"`
	PersonaPrompt string `json:"persona_prompt"`
	Voice         string `json:"voice"`
}

func (h *Handler) createCharacter(c *gin.Context) {
	var req characterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	character := &models.Character{
		Name:          name,
		PersonaPrompt: strings.TrimSpace(req.PersonaPrompt),
		Voice:         strings.TrimSpace(req.Voice),
	}
	if err := h.characters.CreateCharacter(c.Request.Context(), character); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, character)
}

func (h *Handler) listCharacters(c *gin.Context) {
	list, err := h.characters.ListCharacters(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = make([]*models.Character, 0)
	}
	c.JSON(http.StatusOK, gin.H{"characters": list})
}

func (h *Handler) getCharacter(c *gin.Context) {
	character, ok := h.pathCharacter(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, character)
}

// pathCharacter resolves the :id route parameter and writes the error
// response itself when it cannot.
func (h *Handler) pathCharacter(c *gin.Context) (*models.Character, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid character id"})
		return nil, false
	}
	return h.lookupCharacter(c, id)
}

func (h *Handler) lookupCharacter(c *gin.Context, id int64) (*models.Character, bool) {
	character, err := h.characters.GetCharacter(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrCharacterNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "character not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	return character, true
}

const maxUploadBytes = 20 << 20 // 20 MB

var allowedContentTypes = []string{
	"text/plain",
	"text/markdown",
	"text/html",
	"application/pdf",
	"application/json",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/zip", // docx sniffs as zip
}

func isAllowedContentType(ct string) bool {
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

func (h *Handler) uploadKnowledgeFile(c *gin.Context) {
	character, ok := h.pathCharacter(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes+1<<20)
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is empty"})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	jobID := uuid.NewString()
	filename := filepath.Base(file.Filename)
	destDir := filepath.Join(h.uploadDir, strconv.FormatInt(character.ID, 10))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create directory failed"})
		return
	}
	destPath := filepath.Join(destDir, jobID+filepath.Ext(filename))

	contentType, digest, err := saveWithDigest(file, destPath)
	if err != nil {
		_ = os.Remove(destPath)
		h.logger.Error("save upload failed", "character_id", character.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}
	if !isAllowedContentType(contentType) {
		_ = os.Remove(destPath)
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}

	now := time.Now().UTC()
	job := &models.IngestionJob{
		ID:               jobID,
		CharacterID:      character.ID,
		LocalFilePath:    destPath,
		OriginalFileName: filename,
		MD5:              digest,
		SizeBytes:        file.Size,
		Status:           models.JobUploading,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	ctx := c.Request.Context()
	if err := h.jobs.SaveJob(ctx, job); err != nil {
		_ = os.Remove(destPath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record job failed"})
		return
	}
	if err := h.ingestion.Submit(job); err != nil {
		h.logger.Error("submit ingestion job failed", "job_id", job.ID, "error", err)
		job.ErrorMessage = fmt.Sprintf("submit failed: %v", err)
		if terr := job.Transition(models.JobFailed); terr == nil {
			_ = h.jobs.SaveJob(ctx, job)
		}
		_ = os.Remove(destPath)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ingestion unavailable, please retry", "job_id": job.ID})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":       job.ID,
		"character_id": job.CharacterID,
		"file_name":    job.OriginalFileName,
		"size":         job.SizeBytes,
		"md5":          job.MD5,
		"status":       job.Status,
	})
}

// saveWithDigest copies the upload to dest, returning the sniffed content
// type and the hex MD5 of the content.
func saveWithDigest(file *multipart.FileHeader, dest string) (string, string, error) {
	src, err := file.Open()
	if err != nil {
		return "", "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", "", fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return "", "", fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Close()

	hash := md5.New()
	w := io.MultiWriter(out, hash)
	if _, err := w.Write(head); err != nil {
		return "", "", fmt.Errorf("write upload: %w", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return "", "", fmt.Errorf("write upload: %w", err)
	}
	if err := out.Sync(); err != nil {
		return "", "", fmt.Errorf("sync upload: %w", err)
	}
	return http.DetectContentType(head), hex.EncodeToString(hash.Sum(nil)), nil
}

func (h *Handler) getJob(c *gin.Context) {
	job, err := h.jobs.FindJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) listCharacterJobs(c *gin.Context) {
	character, ok := h.pathCharacter(c)
	if !ok {
		return
	}
	jobs, err := h.jobs.ListJobsByCharacter(c.Request.Context(), character.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if jobs == nil {
		jobs = make([]*models.IngestionJob, 0)
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *Handler) tokenStatus(c *gin.Context) {
	expiresAt, ok := h.tokens.ExpiresAt()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"cached": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cached":     true,
		"expires_at": expiresAt,
		"expires_in": int64(time.Until(expiresAt).Seconds()),
	})
}

func (h *Handler) refreshToken(c *gin.Context) {
	cred, err := h.tokens.ForceRefresh(c.Request.Context())
	if err != nil {
		h.logger.Error("forced credential refresh failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "credential refresh failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"expires_at": cred.ExpiresAt})
}
