// Package api exposes the service's inbound HTTP surface: document upload
// with ingestion enqueue, document status, and question answering.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/filestore"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/models"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/query"
	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/observability"
)

const maxUploadBytes = 64 << 20 // 64 MiB

// Answerer runs the query pipeline
type Answerer interface {
	Answer(ctx context.Context, req query.Request) (*query.Response, error)
}

// DocumentStore is the document metadata surface the API needs
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error)
}

// JobQueue enqueues ingestion work
type JobQueue interface {
	Enqueue(ctx context.Context, documentID uuid.UUID, priority, maxAttempts int) (uuid.UUID, error)
}

// Server routes inbound HTTP requests
type Server struct {
	answerer    Answerer
	documents   DocumentStore
	jobs        JobQueue
	files       filestore.Store
	maxAttempts int
	logger      observability.Logger
	router      *mux.Router
}

// NewServer creates the API server
func NewServer(answerer Answerer, documents DocumentStore, jobs JobQueue, files filestore.Store, maxAttempts int, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	s := &Server{
		answerer:    answerer,
		documents:   documents,
		jobs:        jobs,
		files:       files,
		maxAttempts: maxAttempts,
		logger:      logger.WithPrefix("api"),
		router:      mux.NewRouter(),
	}
	s.routes()
	return s
}

// Router returns the configured handler
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.HandleFunc("/v1/documents", s.handleUpload).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/documents/{id}", s.handleDocumentStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/query", s.handleQuery).Methods(http.MethodPost)
}

type uploadResponse struct {
	DocumentID uuid.UUID `json:"document_id"`
	JobID      uuid.UUID `json:"job_id"`
}

// handleUpload accepts a multipart upload, persists the document row and
// its bytes, then enqueues ingestion. The row and the bytes are durable
// before the job becomes visible to workers.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	userID, err := uuid.Parse(r.FormValue("user_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	chatID, err := uuid.Parse(r.FormValue("chat_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid chat_id")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer func() {
		_ = file.Close()
	}()

	fileType := strings.ToLower(strings.TrimPrefix(filepath.Ext(header.Filename), "."))
	if fileType == "" {
		s.writeError(w, http.StatusBadRequest, "file name must carry an extension")
		return
	}

	doc := &models.Document{
		UserID:    userID,
		ChatID:    chatID,
		FileName:  header.Filename,
		SizeBytes: header.Size,
		FileType:  fileType,
	}
	if err := s.documents.CreateDocument(r.Context(), doc); err != nil {
		s.serverError(w, "create document", err)
		return
	}
	if err := s.files.Put(r.Context(), doc.ID, file); err != nil {
		s.serverError(w, "store file", err)
		return
	}

	jobID, err := s.jobs.Enqueue(r.Context(), doc.ID, 0, s.maxAttempts)
	if err != nil {
		s.serverError(w, "enqueue ingestion", err)
		return
	}

	s.logger.Info("Document accepted", map[string]interface{}{
		"document_id": doc.ID.String(),
		"file_name":   doc.FileName,
		"size_bytes":  doc.SizeBytes,
	})
	s.writeJSON(w, http.StatusAccepted, uploadResponse{DocumentID: doc.ID, JobID: jobID})
}

type documentStatusResponse struct {
	ID             uuid.UUID `json:"id"`
	FileName       string    `json:"file_name"`
	Status         string    `json:"status"`
	TotalChunks    int       `json:"total_chunks"`
	ChunksEmbedded int       `json:"chunks_embedded"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
}

func (s *Server) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}

	doc, err := s.documents.GetDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "document not found")
		return
	}

	s.writeJSON(w, http.StatusOK, documentStatusResponse{
		ID:             doc.ID,
		FileName:       doc.FileName,
		Status:         doc.ProcessingTier.StatusLabel(),
		TotalChunks:    doc.TotalChunks,
		ChunksEmbedded: doc.ChunksEmbedded,
		ErrorMessage:   doc.ErrorMessage,
	})
}

type queryRequest struct {
	UserID      uuid.UUID         `json:"user_id"`
	ChatID      uuid.UUID         `json:"chat_id"`
	Question    string            `json:"question"`
	Marks       *int              `json:"marks,omitempty"`
	DocumentIDs []uuid.UUID       `json:"document_ids,omitempty"`
	CrossChat   bool              `json:"cross_chat,omitempty"`
	ChatHistory []exchangePayload `json:"chat_history,omitempty"`
}

type exchangePayload struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type queryResponse struct {
	Answer     string             `json:"answer"`
	Sources    []models.SourceRef `json:"sources"`
	ChunksUsed int                `json:"chunks_used"`
	LLMCalls   int                `json:"llm_calls"`
	Mode       string             `json:"mode"`
	CacheHit   bool               `json:"cache_hit"`
	Timings    timingsPayload     `json:"timings"`
}

type timingsPayload struct {
	RetrievalMs  int64 `json:"retrieval_ms"`
	GenerationMs int64 `json:"generation_ms"`
	TotalMs      int64 `json:"total_ms"`
}

type queryErrorResponse struct {
	Error   string         `json:"error"`
	Phase   string         `json:"phase,omitempty"`
	Timings timingsPayload `json:"timings"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChatID == uuid.Nil || strings.TrimSpace(req.Question) == "" {
		s.writeError(w, http.StatusBadRequest, "chat_id and question are required")
		return
	}
	if req.CrossChat && req.UserID == uuid.Nil {
		s.writeError(w, http.StatusBadRequest, "cross_chat requires user_id")
		return
	}

	history := make([]query.Exchange, 0, len(req.ChatHistory))
	for _, ex := range req.ChatHistory {
		history = append(history, query.Exchange{Question: ex.Question, Answer: ex.Answer})
	}

	start := time.Now()
	resp, err := s.answerer.Answer(r.Context(), query.Request{
		UserID:      req.UserID,
		ChatID:      req.ChatID,
		Question:    req.Question,
		Marks:       req.Marks,
		DocumentIDs: req.DocumentIDs,
		History:     history,
		CrossChat:   req.CrossChat,
	})
	if err != nil {
		var failure *query.QueryFailure
		if errors.As(err, &failure) {
			s.logger.Error("Query failed", map[string]interface{}{
				"chat_id": req.ChatID.String(),
				"phase":   string(failure.Phase),
				"error":   failure.Err.Error(),
			})
			s.writeJSON(w, http.StatusBadGateway, queryErrorResponse{
				Error: "query failed",
				Phase: string(failure.Phase),
				Timings: timingsPayload{
					RetrievalMs:  failure.Timings.RetrievalMs,
					GenerationMs: failure.Timings.GenerationMs,
					TotalMs:      failure.Timings.TotalMs,
				},
			})
			return
		}
		s.serverError(w, "answer query", err)
		return
	}

	s.logger.Info("Query answered", map[string]interface{}{
		"chat_id":     req.ChatID.String(),
		"mode":        resp.Mode,
		"cache_hit":   resp.CacheHit,
		"chunks_used": resp.ChunksUsed,
		"total_ms":    time.Since(start).Milliseconds(),
	})
	s.writeJSON(w, http.StatusOK, queryResponse{
		Answer:     resp.Answer,
		Sources:    resp.Sources,
		ChunksUsed: resp.ChunksUsed,
		LLMCalls:   resp.LLMCalls,
		Mode:       resp.Mode,
		CacheHit:   resp.CacheHit,
		Timings: timingsPayload{
			RetrievalMs:  resp.Timings.RetrievalMs,
			GenerationMs: resp.Timings.GenerationMs,
			TotalMs:      resp.Timings.TotalMs,
		},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) serverError(w http.ResponseWriter, action string, err error) {
	s.logger.Error("Request failed", map[string]interface{}{
		"action": action,
		"error":  err.Error(),
	})
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
