package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/mnma/mnma-backend/internal/apperr"
	"github.com/mnma/mnma-backend/internal/logger"
	"github.com/mnma/mnma-backend/internal/repos"
	"github.com/mnma/mnma-backend/internal/types"
	"github.com/mnma/mnma-backend/internal/utils"
)

type SessionState string

const (
	StateConnecting SessionState = "connecting"
	StateOpen       SessionState = "open"
	StateClosed     SessionState = "closed"
)

// Manager validates chat connections and builds sessions. Sessions hold no
// authoritative state; everything in them dies with the connection.
type Manager struct {
	log           *logger.Logger
	fileRepo      repos.FileRecordRepo
	retriever     *Retriever
	historyWindow int
}

func NewManager(log *logger.Logger, fileRepo repos.FileRecordRepo, retriever *Retriever) *Manager {
	return &Manager{
		log:           log.With("component", "ChatManager"),
		fileRepo:      fileRepo,
		retriever:     retriever,
		historyWindow: utils.GetEnvAsInt("CHAT_HISTORY_WINDOW", 10, log),
	}
}

// ValidateFiles checks every referenced file at connect time: each one must
// exist under this user and be indexed. One bad reference rejects the whole
// session.
func (m *Manager) ValidateFiles(ctx context.Context, userID string, rawFileIDs []string) ([]uuid.UUID, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.Newf(apperr.KindInvalidInput, "user id is required")
	}

	fileIDs := make([]uuid.UUID, 0, len(rawFileIDs))
	for _, raw := range rawFileIDs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, apperr.Newf(apperr.KindInvalidInput, "invalid file id %q", raw)
		}
		fileIDs = append(fileIDs, id)
	}
	if len(fileIDs) == 0 {
		return fileIDs, nil
	}

	records, err := m.fileRepo.GetByFileIDs(ctx, nil, userID, fileIDs)
	if err != nil {
		return nil, apperr.New(apperr.KindStorageUnavailable, fmt.Errorf("validate files: %w", err))
	}

	byID := make(map[uuid.UUID]*types.FileRecord, len(records))
	for _, r := range records {
		byID[r.FileID] = r
	}
	for _, id := range fileIDs {
		record, ok := byID[id]
		if !ok {
			// Unknown and foreign-owned files look the same so the reply
			// does not reveal whether another user's file exists.
			return nil, apperr.Newf(apperr.KindUnauthorized, "file %s does not belong to user", id)
		}
		if record.Status != types.FileStatusIndexed {
			return nil, apperr.Newf(apperr.KindFileNotReady, "file %s has status %s", id, record.Status)
		}
	}
	return fileIDs, nil
}

// Session is one live chat over a websocket, scoped to a user, a chat name
// and a fixed file set. Messages are answered strictly in arrival order.
type Session struct {
	log       *logger.Logger
	manager   *Manager
	conn      *websocket.Conn
	userID    string
	chatName  string
	fileIDs   []string
	history   []Turn
	stateMu   sync.Mutex
	state     SessionState
	questions chan string
	outbound  chan Frame
}

func (m *Manager) NewSession(conn *websocket.Conn, userID, chatName string, fileIDs []uuid.UUID) *Session {
	ids := make([]string, len(fileIDs))
	for i, id := range fileIDs {
		ids[i] = id.String()
	}
	return &Session{
		log:       m.log.With("user_id", userID, "chat_name", chatName),
		manager:   m,
		conn:      conn,
		userID:    userID,
		chatName:  chatName,
		fileIDs:   ids,
		state:     StateConnecting,
		questions: make(chan string, 16),
		outbound:  make(chan Frame, 32),
	}
}

func (s *Session) State() SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// Run drives the session until the client disconnects. Three loops mirror
// the duplex channel: one reads the socket, one answers questions in order,
// one writes frames back. A transport error cancels the shared context,
// which also aborts any in-flight generation.
func (s *Session) Run(ctx context.Context) {
	s.setState(StateOpen)
	s.log.Info("Chat session opened", "files", len(s.fileIDs))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error { return s.processLoop(ctx) })
	g.Go(func() error { return s.writeLoop(ctx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		s.log.Info("Chat session ended", "reason", err)
	}
	s.setState(StateClosed)
	s.history = nil
	s.log.Info("Chat session closed")
}

func (s *Session) readLoop(ctx context.Context) error {
	defer close(s.questions)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("client disconnected: %w", err)
		}
		message := strings.TrimSpace(string(raw))
		if message == "" {
			continue
		}

		switch message {
		case ControlChatStarted:
			s.enqueue(ctx, message)
		case ControlChatStopped:
			s.enqueue(ctx, message)
			s.send(ctx, Frame{Reporter: ReporterInput, Type: TypeStop, Message: message})
		default:
			s.enqueue(ctx, message)
			s.send(ctx, Frame{Reporter: ReporterInput, Type: TypeQuestion, Message: message})
		}
	}
}

func (s *Session) processLoop(ctx context.Context) error {
	for {
		var message string
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok = <-s.questions:
			if !ok {
				return nil
			}
		}

		switch message {
		case ControlChatStarted:
			s.send(ctx, Frame{Reporter: ReporterOutput, Type: TypeStart})
			for _, turn := range s.history {
				s.send(ctx, Frame{Reporter: ReporterInput, Type: TypeQuestion, Message: turn.Question})
				s.send(ctx, Frame{Reporter: ReporterOutput, Type: TypeAnswer, Message: turn.Answer})
			}
		case ControlChatStopped:
			s.send(ctx, Frame{Reporter: ReporterOutput, Type: TypeStop})
		default:
			s.answer(ctx, message)
		}
	}
}

func (s *Session) answer(ctx context.Context, question string) {
	answer, err := s.manager.retriever.Answer(ctx, s.userID, s.fileIDs, s.history, question, func(delta string) {
		s.send(ctx, Frame{Reporter: ReporterOutput, Type: TypeAnswerDelta, Message: delta})
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Provider failures do not close the session; the client can retry.
		s.log.Warn("Question failed", "kind", apperr.KindOf(err), "error", err)
		s.send(ctx, Frame{Reporter: ReporterOutput, Type: TypeError, Message: string(apperr.KindOf(err))})
		return
	}

	s.send(ctx, Frame{Reporter: ReporterOutput, Type: TypeAnswer, Message: answer})
	s.history = append(s.history, Turn{Question: question, Answer: answer})
	if window := s.manager.historyWindow; window > 0 && len(s.history) > window {
		s.history = s.history[len(s.history)-window:]
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			// Best effort: the transport may already be gone.
			disconnectFrame, _ := json.Marshal(Frame{Reporter: ReporterOutput, Type: TypeDisconnect})
			_ = s.conn.WriteMessage(websocket.TextMessage, disconnectFrame)
			return ctx.Err()
		case frame := <-s.outbound:
			raw, err := json.Marshal(frame)
			if err != nil {
				s.log.Warn("Failed to marshal frame", "error", err)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
		}
	}
}

func (s *Session) enqueue(ctx context.Context, message string) {
	select {
	case <-ctx.Done():
	case s.questions <- message:
	}
}

func (s *Session) send(ctx context.Context, frame Frame) {
	select {
	case <-ctx.Done():
	case s.outbound <- frame:
	}
}
