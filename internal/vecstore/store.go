package vecstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnma/mnma-backend/internal/logger"
)

const (
	payloadFileIDKey      = "file_id"
	payloadUserIDKey      = "user_id"
	payloadChunkTextKey   = "chunk_text"
	payloadChunkOffsetKey = "chunk_offset"
	maxErrorBodyBytes     = 1024
)

var pointIDNamespaceUUID = uuid.MustParse("7c9e4a3b-51d2-4f8e-9b0a-6d2c8e1f5a74")

// Entry is one embedded text chunk plus its owning identifiers.
type Entry struct {
	ID          string
	Vector      []float32
	FileID      string
	UserID      string
	ChunkText   string
	ChunkOffset int
}

// Match is an Entry returned from a similarity query, with its score.
type Match struct {
	Entry
	Score float64
}

// Store is the vector index contract: the indexer writes and deletes
// entries, the chat retriever only queries. Queries are always filtered by
// owner and by the session's file set.
type Store interface {
	Upsert(ctx context.Context, entries []Entry) error
	Query(ctx context.Context, userID string, fileIDs []string, vector []float32, topK int) ([]Match, error)
	DeleteByFileIDs(ctx context.Context, fileIDs []string) error
}

type store struct {
	log      *logger.Logger
	cfg      Config
	baseURL  string
	distance string
	http     *http.Client
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

type qdrantSearchResultItem struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

func NewStore(log *logger.Logger, cfg Config) (Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	s := &store{
		log:     log.With("service", "QdrantStore"),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	if err := s.ensureCollection(context.Background()); err != nil {
		return nil, err
	}

	s.log.Info("Qdrant vector store ready",
		"url", s.baseURL,
		"collection", cfg.Collection,
		"vector_dim", cfg.VectorDim,
		"distance", s.distance,
	)
	return s, nil
}

func (s *store) Upsert(ctx context.Context, entries []Entry) error {
	if s == nil {
		return nil
	}
	const op = "upsert"
	if len(entries) == 0 {
		return nil
	}

	points := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		entryID := strings.TrimSpace(e.ID)
		if entryID == "" {
			return opErr(op, OperationErrorValidation, "entry id is required", nil)
		}
		if strings.TrimSpace(e.FileID) == "" || strings.TrimSpace(e.UserID) == "" {
			return opErr(op, OperationErrorValidation, fmt.Sprintf("entry %q missing file_id or user_id", entryID), nil)
		}
		if len(e.Vector) == 0 {
			return opErr(op, OperationErrorValidation, fmt.Sprintf("entry %q has empty vector", entryID), nil)
		}
		if s.cfg.VectorDim > 0 && len(e.Vector) != s.cfg.VectorDim {
			return opErr(op, OperationErrorValidation,
				fmt.Sprintf("entry %q dimension mismatch: expected=%d got=%d", entryID, s.cfg.VectorDim, len(e.Vector)), nil)
		}
		points = append(points, map[string]any{
			"id":     s.pointID(entryID),
			"vector": e.Vector,
			"payload": map[string]any{
				payloadFileIDKey:      e.FileID,
				payloadUserIDKey:      e.UserID,
				payloadChunkTextKey:   e.ChunkText,
				payloadChunkOffsetKey: e.ChunkOffset,
			},
		})
	}

	req := map[string]any{"points": points}
	return s.doJSON(ctx, op, http.MethodPut, s.collectionPath("/points?wait=true"), req, nil)
}

func (s *store) Query(ctx context.Context, userID string, fileIDs []string, vector []float32, topK int) ([]Match, error) {
	if s == nil {
		return nil, fmt.Errorf("vector store unavailable")
	}
	const op = "query"
	if len(vector) == 0 {
		return nil, opErr(op, OperationErrorValidation, "query vector required", nil)
	}
	if s.cfg.VectorDim > 0 && len(vector) != s.cfg.VectorDim {
		return nil, opErr(op, OperationErrorValidation,
			fmt.Sprintf("query vector dimension mismatch: expected=%d got=%d", s.cfg.VectorDim, len(vector)), nil)
	}
	if strings.TrimSpace(userID) == "" {
		return nil, opErr(op, OperationErrorValidation, "user id required", nil)
	}
	if topK <= 0 {
		topK = 10
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
		"with_vector":  false,
		"filter":       ownerFilter(userID, fileIDs),
	}
	var rawResults []qdrantSearchResultItem
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/search"), req, &rawResults); err != nil {
		return nil, err
	}

	out := make([]Match, 0, len(rawResults))
	for _, item := range rawResults {
		m := Match{Score: s.normalizeScore(item.Score)}
		if v, ok := item.Payload[payloadFileIDKey].(string); ok {
			m.FileID = v
		}
		if v, ok := item.Payload[payloadUserIDKey].(string); ok {
			m.UserID = v
		}
		if v, ok := item.Payload[payloadChunkTextKey].(string); ok {
			m.ChunkText = v
		}
		if v, ok := item.Payload[payloadChunkOffsetKey].(float64); ok {
			m.ChunkOffset = int(v)
		}
		m.ID = decodePointID(item.ID)
		if m.FileID == "" {
			continue
		}
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ID < out[j].ID
		}
		return out[i].Score > out[j].Score
	})
	return out, nil
}

func (s *store) DeleteByFileIDs(ctx context.Context, fileIDs []string) error {
	if s == nil {
		return nil
	}
	const op = "delete"
	ids := make([]string, 0, len(fileIDs))
	for _, id := range fileIDs {
		if v := strings.TrimSpace(id); v != "" {
			ids = append(ids, v)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	req := map[string]any{
		"filter": map[string]any{
			"must": []any{
				matchAnyCondition(payloadFileIDKey, ids),
			},
		},
	}
	return s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/delete?wait=true"), req, nil)
}

// ensureCollection creates the collection when missing and verifies the
// configured vector dimensionality against an existing one.
func (s *store) ensureCollection(ctx context.Context) error {
	const op = "bootstrap"

	var result struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	err := s.doJSON(ctx, op, http.MethodGet, s.collectionPath(""), nil, &result)
	if err != nil {
		var opErrTyped *OperationError
		if !errors.As(err, &opErrTyped) || opErrTyped.StatusCode != http.StatusNotFound {
			return err
		}
		createReq := map[string]any{
			"vectors": map[string]any{
				"size":     s.cfg.VectorDim,
				"distance": "Cosine",
			},
		}
		if err := s.doJSON(ctx, op, http.MethodPut, s.collectionPath(""), createReq, nil); err != nil {
			return err
		}
		s.distance = "Cosine"
		return nil
	}

	size := result.Config.Params.Vectors.Size
	if size != 0 && size != s.cfg.VectorDim {
		return &OperationError{
			Code:      OperationErrorValidation,
			Operation: op,
			Message: fmt.Sprintf("collection %q vector size mismatch: expected=%d actual=%d",
				s.cfg.Collection, s.cfg.VectorDim, size),
		}
	}
	s.distance = strings.TrimSpace(result.Config.Params.Vectors.Distance)
	return nil
}

func (s *store) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 10*maxErrorBodyBytes))
	if readErr != nil {
		return opErr(op, OperationErrorDecodeFailed, "read response failed", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw)),
		}
	}

	var envelope qdrantEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant envelope failed", err)
	}
	if statusErr := parseEnvelopeStatus(envelope.Status); statusErr != "" {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    statusErr,
		}
	}

	if out == nil {
		return nil
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant result failed", err)
	}
	return nil
}

func classifyHTTPCallError(op, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	return opErr(op, OperationErrorTransportFailed, message, err)
}

func parseEnvelopeStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}

	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") {
			return ""
		}
		return fmt.Sprintf("qdrant status=%q", statusString)
	}

	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil {
		if strings.TrimSpace(statusObject.Error) != "" {
			return strings.TrimSpace(statusObject.Error)
		}
	}

	return fmt.Sprintf("qdrant status=%s", status)
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}

// ownerFilter builds the qdrant filter restricting a query to one owner and,
// when non-empty, a fixed set of files. Retrieval must never cross user
// boundaries even if file identifiers collided.
func ownerFilter(userID string, fileIDs []string) map[string]any {
	must := []any{
		matchCondition(payloadUserIDKey, userID),
	}
	ids := make([]string, 0, len(fileIDs))
	for _, id := range fileIDs {
		if v := strings.TrimSpace(id); v != "" {
			ids = append(ids, v)
		}
	}
	if len(ids) > 0 {
		must = append(must, matchAnyCondition(payloadFileIDKey, ids))
	}
	return map[string]any{"must": must}
}

func matchCondition(key string, value any) map[string]any {
	return map[string]any{
		"key":   key,
		"match": map[string]any{"value": value},
	}
}

func matchAnyCondition(key string, values []string) map[string]any {
	anyValues := make([]any, 0, len(values))
	for _, v := range values {
		anyValues = append(anyValues, v)
	}
	return map[string]any{
		"key":   key,
		"match": map[string]any{"any": anyValues},
	}
}

func (s *store) pointID(entryID string) string {
	deterministic := uuid.NewSHA1(pointIDNamespaceUUID, []byte(s.cfg.Collection+"|"+entryID))
	return deterministic.String()
}

func (s *store) collectionPath(suffix string) string {
	path := "/collections/" + s.cfg.Collection
	if strings.TrimSpace(suffix) == "" {
		return path
	}
	return path + suffix
}

func decodePointID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var idString string
	if err := json.Unmarshal(raw, &idString); err == nil {
		return strings.TrimSpace(idString)
	}
	var idNumber int64
	if err := json.Unmarshal(raw, &idNumber); err == nil {
		return fmt.Sprintf("%d", idNumber)
	}
	return strings.TrimSpace(string(raw))
}

func (s *store) normalizeScore(score float64) float64 {
	switch strings.ToLower(strings.TrimSpace(s.distance)) {
	case "euclid", "manhattan":
		if score < 0 {
			score = -score
		}
		return 1.0 / (1.0 + score)
	default:
		return score
	}
}
