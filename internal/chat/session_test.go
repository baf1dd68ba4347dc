package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/mnma/mnma-backend/internal/apperr"
	"github.com/mnma/mnma-backend/internal/logger"
	"github.com/mnma/mnma-backend/internal/types"
	"github.com/mnma/mnma-backend/internal/vecstore"
)

type stubFileRepo struct {
	records map[uuid.UUID]*types.FileRecord
	err     error
}

func (s *stubFileRepo) Create(ctx context.Context, tx *gorm.DB, record *types.FileRecord) (*types.FileRecord, error) {
	return record, nil
}

func (s *stubFileRepo) GetByFileID(ctx context.Context, tx *gorm.DB, fileID uuid.UUID) (*types.FileRecord, error) {
	r, ok := s.records[fileID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return r, nil
}

func (s *stubFileRepo) GetByFileIDs(ctx context.Context, tx *gorm.DB, userID string, fileIDs []uuid.UUID) ([]*types.FileRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []*types.FileRecord
	for _, id := range fileIDs {
		if r, ok := s.records[id]; ok && r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *stubFileRepo) GetByUserID(ctx context.Context, tx *gorm.DB, userID string) ([]*types.FileRecord, error) {
	return nil, nil
}

func (s *stubFileRepo) TransitionStatus(ctx context.Context, tx *gorm.DB, fileID uuid.UUID, from, to types.FileStatus) (bool, error) {
	return false, nil
}

func (s *stubFileRepo) DeleteReturning(ctx context.Context, tx *gorm.DB, userID string, fileIDs []uuid.UUID) ([]*types.FileRecord, error) {
	return nil, nil
}

func (s *stubFileRepo) StalePending(ctx context.Context, tx *gorm.DB, olderThan time.Duration) ([]*types.FileRecord, error) {
	return nil, nil
}

type stubAI struct {
	mu        sync.Mutex
	embedErr  error
	streamErr error
	answers   []string
	asked     []string
}

func (s *stubAI) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if s.embedErr != nil {
		return nil, s.embedErr
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (s *stubAI) StreamText(ctx context.Context, system string, user string, onDelta func(delta string)) (string, error) {
	if s.streamErr != nil {
		return "", s.streamErr
	}
	s.mu.Lock()
	s.asked = append(s.asked, user)
	answer := "stub answer"
	if len(s.answers) > 0 {
		answer = s.answers[0]
		s.answers = s.answers[1:]
	}
	s.mu.Unlock()

	for _, part := range strings.SplitAfter(answer, " ") {
		if onDelta != nil {
			onDelta(part)
		}
	}
	return answer, nil
}

type stubVectors struct {
	matches  []vecstore.Match
	queryErr error
	queried  [][]string
}

func (s *stubVectors) Upsert(ctx context.Context, entries []vecstore.Entry) error { return nil }

func (s *stubVectors) Query(ctx context.Context, userID string, fileIDs []string, vector []float32, topK int) ([]vecstore.Match, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	s.queried = append(s.queried, fileIDs)
	return s.matches, nil
}

func (s *stubVectors) DeleteByFileIDs(ctx context.Context, fileIDs []string) error { return nil }

func newTestManager(t *testing.T, repo *stubFileRepo, aiStub *stubAI, vectors *stubVectors) *Manager {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	retriever := NewRetriever(log, aiStub, vectors, Prompts{System: "answer from context"})
	return NewManager(log, repo, retriever)
}

func seedIndexedFile(repo *stubFileRepo, userID string) uuid.UUID {
	id := uuid.New()
	repo.records[id] = &types.FileRecord{
		FileID:   id,
		UserID:   userID,
		FileName: "doc.txt",
		Status:   types.FileStatusIndexed,
	}
	return id
}

func TestValidateFilesAccepts(t *testing.T) {
	repo := &stubFileRepo{records: map[uuid.UUID]*types.FileRecord{}}
	id := seedIndexedFile(repo, "user-1")
	m := newTestManager(t, repo, &stubAI{}, &stubVectors{})

	ids, err := m.ValidateFiles(context.Background(), "user-1", []string{id.String()})
	if err != nil {
		t.Fatalf("ValidateFiles: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestValidateFilesRejectsForeignFile(t *testing.T) {
	repo := &stubFileRepo{records: map[uuid.UUID]*types.FileRecord{}}
	id := seedIndexedFile(repo, "user-2")
	m := newTestManager(t, repo, &stubAI{}, &stubVectors{})

	_, err := m.ValidateFiles(context.Background(), "user-1", []string{id.String()})
	if !apperr.Is(err, apperr.KindUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestValidateFilesRejectsNotIndexed(t *testing.T) {
	repo := &stubFileRepo{records: map[uuid.UUID]*types.FileRecord{}}
	id := uuid.New()
	repo.records[id] = &types.FileRecord{FileID: id, UserID: "user-1", Status: types.FileStatusProcessing}
	m := newTestManager(t, repo, &stubAI{}, &stubVectors{})

	_, err := m.ValidateFiles(context.Background(), "user-1", []string{id.String()})
	if !apperr.Is(err, apperr.KindFileNotReady) {
		t.Fatalf("expected file not ready, got %v", err)
	}
}

func TestValidateFilesRejectsWholeSessionOnMixedSet(t *testing.T) {
	repo := &stubFileRepo{records: map[uuid.UUID]*types.FileRecord{}}
	good := seedIndexedFile(repo, "user-1")
	pending := uuid.New()
	repo.records[pending] = &types.FileRecord{FileID: pending, UserID: "user-1", Status: types.FileStatusPending}
	m := newTestManager(t, repo, &stubAI{}, &stubVectors{})

	_, err := m.ValidateFiles(context.Background(), "user-1", []string{good.String(), pending.String()})
	if !apperr.Is(err, apperr.KindFileNotReady) {
		t.Fatalf("expected rejection of whole session, got %v", err)
	}
}

func TestValidateFilesRejectsMalformedID(t *testing.T) {
	repo := &stubFileRepo{records: map[uuid.UUID]*types.FileRecord{}}
	m := newTestManager(t, repo, &stubAI{}, &stubVectors{})

	_, err := m.ValidateFiles(context.Background(), "user-1", []string{"not-a-uuid"})
	if !apperr.Is(err, apperr.KindInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestValidateFilesAllowsEmptySet(t *testing.T) {
	repo := &stubFileRepo{records: map[uuid.UUID]*types.FileRecord{}}
	m := newTestManager(t, repo, &stubAI{}, &stubVectors{})

	ids, err := m.ValidateFiles(context.Background(), "user-1", nil)
	if err != nil {
		t.Fatalf("ValidateFiles: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty set")
	}
}

// dialSession upgrades a test server connection and runs a session over it.
func dialSession(t *testing.T, m *Manager, userID string, fileIDs []uuid.UUID) (*websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		session := m.NewSession(conn, userID, "chat-1", fileIDs)
		session.Run(r.Context())
		close(done)
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	cleanup := func() {
		_ = conn.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		srv.Close()
	}
	return conn, cleanup
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", raw, err)
	}
	return frame
}

func TestSessionAnswersQuestionWithStreamedDeltas(t *testing.T) {
	repo := &stubFileRepo{records: map[uuid.UUID]*types.FileRecord{}}
	id := seedIndexedFile(repo, "user-1")
	aiStub := &stubAI{answers: []string{"two words"}}
	vectors := &stubVectors{matches: []vecstore.Match{{Entry: vecstore.Entry{ChunkText: "context text"}, Score: 0.9}}}
	m := newTestManager(t, repo, aiStub, vectors)

	conn, cleanup := dialSession(t, m, "user-1", []uuid.UUID{id})
	defer cleanup()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("what is this about?")); err != nil {
		t.Fatalf("write: %v", err)
	}

	echo := readFrame(t, conn)
	if echo.Reporter != ReporterInput || echo.Type != TypeQuestion {
		t.Fatalf("expected question echo, got %#v", echo)
	}

	var full strings.Builder
	for {
		frame := readFrame(t, conn)
		if frame.Type == TypeAnswerDelta {
			full.WriteString(frame.Message)
			continue
		}
		if frame.Type == TypeAnswer {
			if frame.Message != "two words" {
				t.Fatalf("unexpected final answer %q", frame.Message)
			}
			break
		}
		t.Fatalf("unexpected frame %#v", frame)
	}
	if full.String() != "two words" {
		t.Fatalf("deltas do not reassemble answer: %q", full.String())
	}
	if len(vectors.queried) != 1 || vectors.queried[0][0] != id.String() {
		t.Fatalf("retrieval not scoped to session files: %#v", vectors.queried)
	}
}

func TestSessionProviderErrorKeepsSessionOpen(t *testing.T) {
	repo := &stubFileRepo{records: map[uuid.UUID]*types.FileRecord{}}
	id := seedIndexedFile(repo, "user-1")
	aiStub := &stubAI{streamErr: errors.New("provider down")}
	m := newTestManager(t, repo, aiStub, &stubVectors{})

	conn, cleanup := dialSession(t, m, "user-1", []uuid.UUID{id})
	defer cleanup()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("first question")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = readFrame(t, conn) // question echo
	errFrame := readFrame(t, conn)
	if errFrame.Type != TypeError || errFrame.Message != string(apperr.KindProviderError) {
		t.Fatalf("expected provider error frame, got %#v", errFrame)
	}

	// The session must still answer after the failure.
	aiStub.streamErr = nil
	aiStub.answers = []string{"recovered"}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("second question")); err != nil {
		t.Fatalf("write after error: %v", err)
	}
	_ = readFrame(t, conn) // question echo
	for {
		frame := readFrame(t, conn)
		if frame.Type == TypeAnswer {
			if frame.Message != "recovered" {
				t.Fatalf("unexpected answer %q", frame.Message)
			}
			return
		}
		if frame.Type != TypeAnswerDelta {
			t.Fatalf("unexpected frame %#v", frame)
		}
	}
}

func TestSessionStartReplaysHistory(t *testing.T) {
	repo := &stubFileRepo{records: map[uuid.UUID]*types.FileRecord{}}
	id := seedIndexedFile(repo, "user-1")
	aiStub := &stubAI{answers: []string{"answer one"}}
	m := newTestManager(t, repo, aiStub, &stubVectors{})

	conn, cleanup := dialSession(t, m, "user-1", []uuid.UUID{id})
	defer cleanup()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("question one")); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		frame := readFrame(t, conn)
		if frame.Type == TypeAnswer {
			break
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(ControlChatStarted)); err != nil {
		t.Fatalf("write start: %v", err)
	}
	start := readFrame(t, conn)
	if start.Type != TypeStart {
		t.Fatalf("expected start frame, got %#v", start)
	}
	replayQ := readFrame(t, conn)
	replayA := readFrame(t, conn)
	if replayQ.Message != "question one" || replayA.Message != "answer one" {
		t.Fatalf("history not replayed: %#v %#v", replayQ, replayA)
	}
}

func TestHistoryWindowBoundsTurns(t *testing.T) {
	repo := &stubFileRepo{records: map[uuid.UUID]*types.FileRecord{}}
	m := newTestManager(t, repo, &stubAI{}, &stubVectors{})
	m.historyWindow = 2

	session := m.NewSession(nil, "user-1", "chat-1", nil)
	ctx := context.Background()
	go func() {
		for range session.outbound {
		}
	}()

	for i := 0; i < 5; i++ {
		session.answer(ctx, "question")
	}
	close(session.outbound)

	if len(session.history) != 2 {
		t.Fatalf("expected history bounded to 2 turns, got %d", len(session.history))
	}
}

func TestRetrieverPromptIncludesContextAndHistory(t *testing.T) {
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	aiStub := &stubAI{}
	vectors := &stubVectors{matches: []vecstore.Match{
		{Entry: vecstore.Entry{ChunkText: "alpha chunk"}, Score: 0.9},
		{Entry: vecstore.Entry{ChunkText: "beta chunk"}, Score: 0.5},
	}}
	r := NewRetriever(log, aiStub, vectors, Prompts{System: "ground your answers"})

	history := []Turn{{Question: "earlier q", Answer: "earlier a"}}
	if _, err := r.Answer(context.Background(), "user-1", []string{"f1"}, history, "current q", nil); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if len(aiStub.asked) != 1 {
		t.Fatalf("expected one generation call")
	}
	user := aiStub.asked[0]
	if !strings.Contains(user, "earlier q") || !strings.Contains(user, "earlier a") {
		t.Fatalf("history missing from prompt: %q", user)
	}
	if !strings.Contains(user, "current q") {
		t.Fatalf("question missing from prompt: %q", user)
	}
}

func TestRetrieverStorageFailureIsTyped(t *testing.T) {
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	vectors := &stubVectors{queryErr: errors.New("qdrant down")}
	r := NewRetriever(log, &stubAI{}, vectors, Prompts{System: "s"})

	_, err = r.Answer(context.Background(), "user-1", nil, nil, "q", nil)
	if !apperr.Is(err, apperr.KindStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
}
