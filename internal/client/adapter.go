package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cogtoolslab/cab-experiments/backend/internal/model/event"
	"github.com/cogtoolslab/cab-experiments/backend/internal/model/protocol"
	"github.com/cogtoolslab/cab-experiments/backend/internal/model/session"
)

var (
	ErrClosed    = errors.New("client adapter closed")
	ErrQueueFull = errors.New("outgoing queue full")
)

// Options 客户端适配器配置选项
type Options struct {
	URL               string         // 网关 WebSocket 地址，例如 ws://localhost:8852/socket
	Study             event.StudyRef // 项目/实验/迭代
	Header            http.Header
	ConnectionTimeout time.Duration // 握手超时时间
	WriteTimeout      time.Duration // 写入超时时间
	MaxRetries        int           // 首次连接最大重试次数
	RetryDelay        time.Duration // 首次连接重试间隔（线性递增）
	RedialMaxInterval time.Duration // 断线重连最大间隔
	QueueSize         int           // 待发送事件队列长度
}

// DefaultOptions 默认客户端选项
func DefaultOptions(url string, study event.StudyRef) *Options {
	return &Options{
		URL:               url,
		Study:             study,
		ConnectionTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxRetries:        3,
		RetryDelay:        time.Second,
		RedialMaxInterval: 5 * time.Second,
		QueueSize:         256,
	}
}

// Adapter speaks the realtime protocol for one participant. Events are
// queued and written by a single goroutine; a broken connection is redialled
// and the pending frame resent.
type Adapter struct {
	opts   *Options
	logger *zap.Logger
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu   sync.Mutex
	conn     *websocket.Conn
	redialMu sync.Mutex

	outbox     chan protocol.Frame
	stims      chan protocol.Stims
	pending    atomic.Int64
	dropped    atomic.Int64
	reconnects atomic.Int64
	closed     atomic.Bool
}

// Dial connects to the gateway, retrying with a linearly growing delay, and
// starts the adapter's reader and writer.
func Dial(ctx context.Context, opts *Options, logger *zap.Logger) (*Adapter, error) {
	if opts == nil || opts.URL == "" {
		return nil, errors.New("gateway url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}

	a := newAdapter(opts, logger)
	conn, err := a.connectWithRetry(ctx)
	if err != nil {
		a.cancel()
		return nil, err
	}
	a.conn = conn

	a.wg.Add(2)
	go a.readLoop(conn)
	go a.writeLoop()
	return a, nil
}

func newAdapter(opts *Options, logger *zap.Logger) *Adapter {
	a := &Adapter{
		opts:   opts,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.ConnectionTimeout},
		outbox: make(chan protocol.Frame, opts.QueueSize),
		stims:  make(chan protocol.Stims, 1),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a
}

// connectWithRetry 带重试的连接建立
func (a *Adapter) connectWithRetry(ctx context.Context) (*websocket.Conn, error) {
	attempts := a.opts.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := a.connect(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		a.logger.Warn("gateway dial failed", zap.Int("attempt", i+1), zap.Error(err))

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if i == attempts-1 {
			break
		}

		retryDelay := time.Duration(i+1) * a.opts.RetryDelay
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return nil, fmt.Errorf("failed to connect after %d attempts, last error: %w", attempts, lastErr)
}

// connect 建立单次连接
func (a *Adapter) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := a.dialer.DialContext(ctx, a.opts.URL, a.opts.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// RequestTrials asks the gateway for a trial set and waits for it. The
// returned context carries the session id for every later event.
func (a *Adapter) RequestTrials(ctx context.Context) (*session.Context, error) {
	// discard an answer to an earlier, abandoned request
	select {
	case <-a.stims:
	default:
	}

	frame, err := protocol.NewFrame(protocol.EventGetStims, protocol.GetStims{
		ProjName: a.opts.Study.Project,
		ExpName:  a.opts.Study.Experiment,
		IterName: a.opts.Study.Iteration,
	})
	if err != nil {
		return nil, err
	}
	if err := a.enqueue(frame); err != nil {
		return nil, err
	}

	select {
	case stims := <-a.stims:
		a.logger.Info("trial set received", zap.String("gameid", stims.GameID), zap.Int("trials", len(stims.Stims)))
		return session.NewContext(stims.GameID, stims.InputID, a.opts.Study, stims.Stims), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for stims: %w", ctx.Err())
	case <-a.ctx.Done():
		return nil, ErrClosed
	}
}

// EmitTrial sends a completed trial's data, including the session timing.
func (a *Adapter) EmitTrial(sess *session.Context, body map[string]any) error {
	return a.emit(sess, event.KindFull, body)
}

// EmitIncremental sends an in-trial update.
func (a *Adapter) EmitIncremental(sess *session.Context, body map[string]any) error {
	return a.emit(sess, event.KindIncremental, body)
}

func (a *Adapter) emit(sess *session.Context, kind event.Kind, body map[string]any) error {
	if sess == nil {
		return errors.New("session context is required")
	}

	tagged := make(map[string]any, len(body)+3)
	for k, v := range body {
		tagged[k] = v
	}
	tagged["study_metadata"] = map[string]any{
		"project":    sess.Study.Project,
		"experiment": sess.Study.Experiment,
		"iteration":  sess.Study.Iteration,
	}
	tagged["isIncrementalData"] = kind == event.KindIncremental
	if kind == event.KindFull {
		tagged["session_timing"] = sess.Timing()
	}

	env, err := event.NewEnvelope(kind, sess.Study, tagged)
	if err != nil {
		return err
	}
	frame, err := protocol.NewFrame(protocol.EventCurrentData, env)
	if err != nil {
		return err
	}

	if err := a.enqueue(frame); err != nil {
		if errors.Is(err, ErrQueueFull) {
			a.logger.Warn("dropping data event, queue full", zap.String("gameid", sess.ID), zap.Int64("dropped", a.dropped.Load()))
			return nil
		}
		return err
	}
	return nil
}

// enqueue never blocks; a full queue drops the frame.
func (a *Adapter) enqueue(frame protocol.Frame) error {
	if a.closed.Load() {
		return ErrClosed
	}
	a.pending.Add(1)
	select {
	case a.outbox <- frame:
		return nil
	default:
		a.pending.Add(-1)
		a.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped reports how many frames were discarded.
func (a *Adapter) Dropped() int64 { return a.dropped.Load() }

// Reconnects reports how many times the connection was re-established.
func (a *Adapter) Reconnects() int64 { return a.reconnects.Load() }

func (a *Adapter) writeLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case frame := <-a.outbox:
			a.deliver(frame)
			a.pending.Add(-1)
		}
	}
}

func (a *Adapter) deliver(frame protocol.Frame) {
	for {
		conn, err := a.ensureConnected()
		if err != nil {
			a.dropped.Add(1)
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(a.opts.WriteTimeout))
		err = conn.WriteJSON(frame)
		if err == nil {
			return
		}
		a.logger.Warn("write to gateway failed, reconnecting", zap.String("event", frame.Event), zap.Error(err))
		a.markBroken(conn)
	}
}

// ensureConnected returns the live connection, redialling with exponential
// backoff until it succeeds or the adapter is closed.
func (a *Adapter) ensureConnected() (*websocket.Conn, error) {
	a.redialMu.Lock()
	defer a.redialMu.Unlock()

	a.connMu.Lock()
	conn := a.conn
	a.connMu.Unlock()
	if conn != nil {
		return conn, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = a.opts.RedialMaxInterval
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		var err error
		conn, err = a.connect(a.ctx)
		return err
	}, backoff.WithContext(b, a.ctx), func(err error, wait time.Duration) {
		a.logger.Warn("gateway redial failed", zap.Error(err), zap.Duration("retry_in", wait))
	})
	if err != nil {
		return nil, err
	}

	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.ctx.Err() != nil {
		conn.Close()
		return nil, a.ctx.Err()
	}
	a.conn = conn
	a.reconnects.Add(1)
	a.logger.Info("reconnected to gateway", zap.Int64("reconnects", a.reconnects.Load()))

	a.wg.Add(1)
	go a.readLoop(conn)
	return conn, nil
}

func (a *Adapter) markBroken(conn *websocket.Conn) {
	a.connMu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.connMu.Unlock()
	conn.Close()
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	defer a.wg.Done()
	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.logger.Debug("gateway connection lost", zap.Error(err))
			a.markBroken(conn)
			// Reconnect eagerly so a pending RequestTrials is not stranded.
			_, _ = a.ensureConnected()
			return
		}

		switch frame.Event {
		case protocol.EventStims:
			a.handleStims(frame)
		case protocol.EventError:
			a.logger.Warn("gateway reported an error", zap.ByteString("data", frame.Data))
		default:
			a.logger.Debug("ignoring event", zap.String("event", frame.Event))
		}
	}
}

func (a *Adapter) handleStims(frame protocol.Frame) {
	var stims protocol.Stims
	if err := json.Unmarshal(frame.Data, &stims); err != nil {
		a.logger.Warn("invalid stims payload", zap.Error(err))
		return
	}
	select {
	case a.stims <- stims:
	default:
		a.logger.Warn("unrequested stims dropped", zap.String("gameid", stims.GameID))
	}
}

// Close stops accepting events, flushes the queue until ctx expires and
// closes the connection. Frames still queued at the deadline are dropped.
func (a *Adapter) Close(ctx context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}

	var flushErr error
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for a.pending.Load() > 0 && flushErr == nil {
		select {
		case <-ctx.Done():
			flushErr = fmt.Errorf("flush: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	a.cancel()
	a.connMu.Lock()
	conn := a.conn
	a.conn = nil
	a.connMu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	a.wg.Wait()

	for len(a.outbox) > 0 {
		<-a.outbox
		a.dropped.Add(1)
	}
	return flushErr
}
