package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/filestore"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/models"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/query"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/retrieval"
)

type fakeAnswerer struct {
	resp    *query.Response
	err     error
	lastReq query.Request
}

func (f *fakeAnswerer) Answer(_ context.Context, req query.Request) (*query.Response, error) {
	f.lastReq = req
	return f.resp, f.err
}

type fakeDocStore struct {
	created *models.Document
	doc     *models.Document
}

func (f *fakeDocStore) CreateDocument(_ context.Context, doc *models.Document) error {
	doc.ID = uuid.New()
	doc.ProcessingTier = models.TierPending
	f.created = doc
	return nil
}

func (f *fakeDocStore) GetDocument(_ context.Context, _ uuid.UUID) (*models.Document, error) {
	if f.doc == nil {
		return nil, errors.New("not found")
	}
	return f.doc, nil
}

type fakeQueue struct {
	enqueued []uuid.UUID
	maxAtt   int
}

func (f *fakeQueue) Enqueue(_ context.Context, documentID uuid.UUID, _, maxAttempts int) (uuid.UUID, error) {
	f.enqueued = append(f.enqueued, documentID)
	f.maxAtt = maxAttempts
	return uuid.New(), nil
}

type mapStore struct {
	files map[uuid.UUID][]byte
}

func newMapStore() *mapStore {
	return &mapStore{files: make(map[uuid.UUID][]byte)}
}

func (s *mapStore) Get(_ context.Context, id uuid.UUID) (io.ReadCloser, error) {
	data, ok := s.files[id]
	if !ok {
		return nil, filestore.ErrFileNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *mapStore) Put(_ context.Context, id uuid.UUID, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.files[id] = data
	return nil
}

func (s *mapStore) Delete(_ context.Context, id uuid.UUID) error {
	delete(s.files, id)
	return nil
}

func multipartUpload(t *testing.T, fileName, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	part, err := writer.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return &body, writer.FormDataContentType()
}

func TestUploadCreatesStoresAndEnqueues(t *testing.T) {
	docs := &fakeDocStore{}
	queue := &fakeQueue{}
	files := newMapStore()
	srv := NewServer(&fakeAnswerer{}, docs, queue, files, 3, nil)

	body, contentType := multipartUpload(t, "notes.txt", "hello world", map[string]string{
		"user_id": uuid.New().String(),
		"chat_id": uuid.New().String(),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEqual(t, uuid.Nil, resp.DocumentID)

	require.NotNil(t, docs.created)
	assert.Equal(t, "notes.txt", docs.created.FileName)
	assert.Equal(t, "txt", docs.created.FileType)
	assert.Equal(t, []byte("hello world"), files.files[docs.created.ID])
	assert.Equal(t, []uuid.UUID{docs.created.ID}, queue.enqueued)
	assert.Equal(t, 3, queue.maxAtt)
}

func TestUploadRejectsMissingExtension(t *testing.T) {
	srv := NewServer(&fakeAnswerer{}, &fakeDocStore{}, &fakeQueue{}, newMapStore(), 3, nil)

	body, contentType := multipartUpload(t, "noext", "data", map[string]string{
		"user_id": uuid.New().String(),
		"chat_id": uuid.New().String(),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadRejectsBadChatID(t *testing.T) {
	srv := NewServer(&fakeAnswerer{}, &fakeDocStore{}, &fakeQueue{}, newMapStore(), 3, nil)

	body, contentType := multipartUpload(t, "a.txt", "data", map[string]string{
		"user_id": uuid.New().String(),
		"chat_id": "not-a-uuid",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocumentStatus(t *testing.T) {
	msg := "boom"
	doc := &models.Document{
		ID:             uuid.New(),
		FileName:       "a.txt",
		ProcessingTier: models.TierFailed,
		ErrorMessage:   &msg,
	}
	srv := NewServer(&fakeAnswerer{}, &fakeDocStore{doc: doc}, &fakeQueue{}, newMapStore(), 3, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/"+doc.ID.String(), nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp documentStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Failed", resp.Status)
	require.NotNil(t, resp.ErrorMessage)
	assert.Equal(t, "boom", *resp.ErrorMessage)
}

func TestQueryReturnsAnswer(t *testing.T) {
	answerer := &fakeAnswerer{resp: &query.Response{
		Answer:     "forty-two",
		Mode:       query.ModeSingleCall,
		ChunksUsed: 2,
		LLMCalls:   1,
	}}
	srv := NewServer(answerer, &fakeDocStore{}, &fakeQueue{}, newMapStore(), 3, nil)

	payload := `{"user_id":"` + uuid.New().String() + `","chat_id":"` + uuid.New().String() + `","question":"what is the answer?"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp queryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "forty-two", resp.Answer)
	assert.Equal(t, "what is the answer?", answerer.lastReq.Question)
}

func TestQueryRequiresChatAndQuestion(t *testing.T) {
	srv := NewServer(&fakeAnswerer{}, &fakeDocStore{}, &fakeQueue{}, newMapStore(), 3, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"question":""}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryCrossChatWithHistoryPassesThrough(t *testing.T) {
	answerer := &fakeAnswerer{resp: &query.Response{Answer: "across chats"}}
	srv := NewServer(answerer, &fakeDocStore{}, &fakeQueue{}, newMapStore(), 3, nil)

	userID := uuid.New()
	payload := `{"user_id":"` + userID.String() + `","chat_id":"` + uuid.New().String() +
		`","question":"where did we discuss this?","cross_chat":true,` +
		`"chat_history":[{"question":"earlier","answer":"earlier answer"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, answerer.lastReq.CrossChat)
	assert.Equal(t, userID, answerer.lastReq.UserID)
	require.Len(t, answerer.lastReq.History, 1)
	assert.Equal(t, "earlier answer", answerer.lastReq.History[0].Answer)
}

func TestQueryCrossChatRequiresUserID(t *testing.T) {
	srv := NewServer(&fakeAnswerer{}, &fakeDocStore{}, &fakeQueue{}, newMapStore(), 3, nil)

	payload := `{"chat_id":"` + uuid.New().String() + `","question":"q","cross_chat":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryFailureMapsToBadGateway(t *testing.T) {
	answerer := &fakeAnswerer{err: &query.QueryFailure{
		Phase: query.PhaseRetrieval,
		Err:   retrieval.ErrRetrievalUnavailable,
	}}
	srv := NewServer(answerer, &fakeDocStore{}, &fakeQueue{}, newMapStore(), 3, nil)

	payload := `{"chat_id":"` + uuid.New().String() + `","question":"q"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var resp queryErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "RETRIEVAL", resp.Phase)
}
