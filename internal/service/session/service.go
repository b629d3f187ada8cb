package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/cogtoolslab/cab-experiments/backend/internal/metrics"
	"github.com/cogtoolslab/cab-experiments/backend/internal/model/event"
	"github.com/cogtoolslab/cab-experiments/backend/internal/model/protocol"
	"github.com/cogtoolslab/cab-experiments/backend/internal/model/session"
	"github.com/cogtoolslab/cab-experiments/backend/internal/service/storeclient"
)

var ErrStudyRequired = errors.New("proj_name and exp_name are required")

// StoreClient is the part of the store API the gateway depends on.
type StoreClient interface {
	GetStims(ctx context.Context, req storeclient.StimsRequest) (storeclient.StimsResponse, error)
	Insert(ctx context.Context, doc map[string]any) (string, error)
}

// Service opens sessions and relays their data events to the store. It keeps
// no per-session state; the session id travels with every event.
type Service struct {
	store   StoreClient
	logger  *zap.Logger
	metrics *metrics.Gateway
	timeout time.Duration

	inflight sync.WaitGroup
}

// NewService builds the gateway session service. timeout bounds each store
// request made on behalf of a client.
func NewService(store StoreClient, logger *zap.Logger, m *metrics.Gateway, timeout time.Duration) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		logger:  logger,
		metrics: m,
		timeout: timeout,
	}
}

// StartSession generates a session id and asks the store for its trial set.
// Any failure is returned to the caller, which must not answer the client.
func (s *Service) StartSession(ctx context.Context, req protocol.GetStims) (protocol.Stims, error) {
	if req.ProjName == "" || req.ExpName == "" {
		return protocol.Stims{}, ErrStudyRequired
	}

	study := event.StudyRef{
		Project:    req.ProjName,
		Experiment: req.ExpName,
		Iteration:  req.IterName,
		SessionID:  session.NewID(),
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.store.GetStims(ctx, storeclient.StimsRequest{
		DBName:    study.InputDatabase(),
		CollName:  study.Experiment,
		Iteration: study.Iteration,
		GameID:    study.SessionID,
	})
	if err != nil {
		s.metrics.StimsFailed()
		s.logger.Error("failed to fetch stims",
			zap.String("database", study.InputDatabase()),
			zap.String("collection", study.Experiment),
			zap.String("gameid", study.SessionID),
			zap.Error(err),
		)
		return protocol.Stims{}, fmt.Errorf("get stims for %s/%s: %w", study.Project, study.Experiment, err)
	}

	s.metrics.SessionStarted()
	s.logger.Info("session started",
		zap.String("gameid", study.SessionID),
		zap.String("inputid", resp.ID),
		zap.String("project", study.Project),
		zap.String("experiment", study.Experiment),
		zap.Int("trials", len(resp.Trials)),
	)

	return protocol.Stims{GameID: study.SessionID, InputID: resp.ID, Stims: resp.Trials}, nil
}

// Relay forwards a data event to the store in the background. The sender
// never gets a reply; the outcome is only logged.
func (s *Service) Relay(env event.Envelope, size int) {
	s.metrics.Payload(size)
	s.logger.Info("received data event",
		zap.String("gameid", env.Study.SessionID),
		zap.String("kind", string(env.Kind)),
		zap.String("size", humanize.Bytes(uint64(size))),
	)
	doc := env.Document()
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		msg, err := s.store.Insert(ctx, doc)
		s.metrics.EventRelayed(string(env.Kind), err == nil)
		if err != nil {
			s.logger.Error("failed to store data event",
				zap.String("gameid", env.Study.SessionID),
				zap.String("database", env.Study.OutputDatabase()),
				zap.String("collection", env.Study.Experiment),
				zap.Error(err),
			)
			return
		}
		s.logger.Debug("stored data event", zap.String("gameid", env.Study.SessionID), zap.String("result", msg))
	}()
}

// Wait blocks until every relayed event has been delivered or has failed.
func (s *Service) Wait() {
	s.inflight.Wait()
}
