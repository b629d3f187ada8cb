package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cogtoolslab/cab-experiments/backend/internal/metrics"
	"github.com/cogtoolslab/cab-experiments/backend/internal/model/record"
	"github.com/cogtoolslab/cab-experiments/backend/pkg/utils"
)

// Handler 存储进程的HTTP处理器
type Handler struct {
	store        record.Store
	logger       *zap.Logger
	metrics      *metrics.Store
	maxBodyBytes int64
}

// New 创建存储处理器
func New(store record.Store, logger *zap.Logger, m *metrics.Store, maxBodyBytes int64) *Handler {
	return &Handler{store: store, logger: logger, metrics: m, maxBodyBytes: maxBodyBytes}
}

// RegisterRoutes 注册 /db 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/db/insert", h.handleInsert)
	r.Post("/db/getstims", h.handleGetStims)
	r.Get("/healthz", h.handleHealth)
}

// handleInsert 写入一条数据事件
func (h *Handler) handleInsert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		h.failure(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("/db/insert body rejected: %v", err))
		return
	}
	if len(body) == 0 {
		h.failure(w, http.StatusInternalServerError, "/db/insert needs post request body")
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		h.failure(w, http.StatusInternalServerError, "/db/insert needs a JSON object body")
		return
	}

	database, collection := insertTarget(fields)
	if collection == "" {
		h.failure(w, http.StatusInternalServerError, "/db/insert needs collection")
		return
	}
	if database == "" {
		h.failure(w, http.StatusInternalServerError, "/db/insert needs database")
		return
	}
	h.logger.Debug("got request to insert", zap.String("database", database), zap.String("collection", collection))

	id, err := h.store.Insert(r.Context(), database, collection, body)
	h.metrics.Insert(err == nil)
	if err != nil {
		h.failure(w, http.StatusInternalServerError, fmt.Sprintf("error inserting data: %v", err))
		return
	}

	result, _ := json.Marshal(map[string]any{"acknowledged": true, "insertedId": id})
	msg := "successfully inserted data. result: " + utils.Truncate(string(result), 200)
	h.logger.Info(msg, zap.String("database", database), zap.String("collection", collection))
	utils.RespondText(w, http.StatusOK, "[store] "+msg)
}

// handleGetStims 为新会话分配试次集
func (h *Handler) handleGetStims(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		DBName   string `json:"dbname"`
		CollName string `json:"collname"`
		ItName   string `json:"it_name"`
		GameID   string `json:"gameid"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes)).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.DBName == "" || payload.CollName == "" {
		utils.RespondError(w, http.StatusBadRequest, "dbname and collname are required")
		return
	}

	set, err := h.store.GetStims(r.Context(), payload.DBName, payload.CollName, record.StimsQuery{
		Iteration: payload.ItName,
		SessionID: payload.GameID,
	})
	h.metrics.GetStims(err == nil)
	switch {
	case err == nil:
		h.logger.Info("served trial set",
			zap.String("database", payload.DBName),
			zap.String("collection", payload.CollName),
			zap.String("id", set.ID),
			zap.String("gameid", payload.GameID),
		)
		utils.RespondJSON(w, http.StatusOK, set)
	case errors.Is(err, record.ErrNotFound):
		h.logger.Warn("no trial set", zap.String("database", payload.DBName), zap.String("collection", payload.CollName))
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, record.ErrInvalidRequest):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("error getting stims", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "failed to load trial set")
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) failure(w http.ResponseWriter, status int, text string) {
	h.logger.Error(text)
	utils.RespondText(w, status, "[store] "+text)
}

// insertTarget prefers explicit dbname/collname and falls back to the
// study_metadata block.
func insertTarget(fields map[string]json.RawMessage) (database, collection string) {
	database = rawString(fields["dbname"])
	collection = rawString(fields["collname"])

	var meta struct {
		Project    string `json:"project"`
		Experiment string `json:"experiment"`
	}
	if raw, ok := fields["study_metadata"]; ok {
		_ = json.Unmarshal(raw, &meta)
	}
	if database == "" {
		database = strings.TrimSpace(meta.Project)
	}
	if collection == "" {
		collection = strings.TrimSpace(meta.Experiment)
	}
	return database, collection
}

func rawString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
