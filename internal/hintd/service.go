package hintd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/peterje/perfhint/internal/session"
	"go.uber.org/zap"
)

// Recorder persists session events. The journal implements it.
type Recorder interface {
	Record(ev session.Event) error
}

// Options configures a Service.
type Options struct {
	Registry            *session.Registry
	Recorder            Recorder // optional
	Logger              *zap.Logger
	APILevel            int
	PreferredUpdateRate time.Duration
}

// connWriter wraps a net.Conn with a mutex for safe concurrent writes.
type connWriter struct {
	id   string
	conn net.Conn
	mu   sync.Mutex

	// pid is the peer process; verified is true when it came from the kernel.
	pid      int
	verified bool
}

func (cw *connWriter) write(frameType byte, msg any) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return writeMessage(cw.conn, frameType, msg)
}

// Service is the long-lived hint service. It owns the session registry and
// serves the control protocol on any number of connections.
type Service struct {
	reg      *session.Registry
	recorder Recorder
	log      *zap.Logger
	apiLevel int
	rate     time.Duration

	connSeq  atomic.Uint64
	clientMu sync.Mutex
	clients  map[string]*connWriter
}

// New creates a Service.
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry(session.Options{Logger: opts.Logger})
	}
	return &Service{
		reg:      opts.Registry,
		recorder: opts.Recorder,
		log:      opts.Logger,
		apiLevel: opts.APILevel,
		rate:     opts.PreferredUpdateRate,
		clients:  make(map[string]*connWriter),
	}
}

// Registry returns the session registry served by s.
func (s *Service) Registry() *session.Registry {
	return s.reg
}

// Info returns the API level and preferred update rate reported to clients.
func (s *Service) Info() session.ServiceInfo {
	return session.ServiceInfo{APILevel: s.apiLevel, PreferredUpdateRate: s.rate}
}

// Serve accepts connections on l until it is closed.
func (s *Service) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.ServeConn(conn)
	}
}

// Sweep periodically idles inactive sessions until ctx is done.
func (s *Service) Sweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	for _, info := range s.reg.Sweep() {
		s.record(session.EventBoost, info)
	}
}

// ServeConn runs the protocol on one connection and blocks until it closes.
// Sessions created on the connection are closed when it goes away.
func (s *Service) ServeConn(conn net.Conn) {
	cw := &connWriter{
		id:   "c" + strconv.FormatUint(s.connSeq.Add(1), 10),
		conn: conn,
	}
	if pid, ok := peerPID(conn); ok {
		cw.pid, cw.verified = pid, true
	}

	s.clientMu.Lock()
	s.clients[cw.id] = cw
	s.clientMu.Unlock()

	log := s.log.With(zap.String("conn", cw.id))
	log.Debug("client connected", zap.Int("pid", cw.pid))

	defer func() {
		s.clientMu.Lock()
		delete(s.clients, cw.id)
		s.clientMu.Unlock()
		conn.Close()

		for _, info := range s.reg.CloseOwner(cw.id) {
			s.record(session.EventClosed, info)
		}
		log.Debug("client disconnected")
	}()

	reader := bufio.NewReader(conn)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			return
		}
		if frameType != frameControl {
			log.Warn("unexpected frame type", zap.Uint8("type", frameType))
			continue
		}
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			log.Warn("bad control message", zap.Error(err))
			continue
		}
		if err := cw.write(frameControl, s.handle(cw, req)); err != nil {
			return
		}
	}
}

func (s *Service) handle(cw *connWriter, req Request) Response {
	switch req.Command {
	case cmdPing:
		return Response{ID: req.ID, Event: evtPong}

	case cmdHello:
		if !cw.verified {
			cw.pid = req.PID
		}
		return Response{
			ID:                 req.ID,
			Event:              evtHello,
			APILevel:           s.apiLevel,
			PreferredRateNanos: int64(s.rate),
		}

	case cmdCreate:
		pid := 0
		if cw.verified {
			pid = cw.pid
		}
		info, err := s.reg.Create(session.CreateRequest{
			Owner:      cw.id,
			PID:        pid,
			ThreadIDs:  req.ThreadIDs,
			Target:     time.Duration(req.DurationNanos),
			Unverified: !cw.verified,
		})
		if err != nil {
			return errorResponse(req.ID, err)
		}
		if !cw.verified {
			info.PID = cw.pid
		}
		s.record(session.EventCreated, info)
		return Response{ID: req.ID, Event: evtCreated, SessionID: info.ID}

	case cmdUpdateTarget:
		return s.apply(cw, req, session.EventTarget, func() (session.Info, error) {
			return s.reg.UpdateTarget(req.SessionID, time.Duration(req.DurationNanos))
		})

	case cmdReportActual:
		return s.apply(cw, req, session.EventReport, func() (session.Info, error) {
			return s.reg.ReportActual(req.SessionID, time.Duration(req.DurationNanos))
		})

	case cmdHint:
		if req.Hint == nil {
			return errorResponse(req.ID, fmt.Errorf("%w: missing hint", session.ErrInvalidArgument))
		}
		return s.apply(cw, req, session.EventHint, func() (session.Info, error) {
			return s.reg.SendHint(req.SessionID, session.Hint(*req.Hint))
		})

	case cmdClose:
		return s.apply(cw, req, session.EventClosed, func() (session.Info, error) {
			return s.reg.Close(req.SessionID)
		})

	case cmdList:
		return Response{ID: req.ID, Event: evtList, Sessions: s.reg.ListOwner(cw.id)}
	}

	return Response{ID: req.ID, Event: evtError, Code: codeInvalid, Error: "unknown command: " + req.Command}
}

// apply runs fn on a session owned by cw. Sessions created on other
// connections look the same as unknown ones.
func (s *Service) apply(cw *connWriter, req Request, kind session.EventKind, fn func() (session.Info, error)) Response {
	if !s.reg.Owned(req.SessionID, cw.id) {
		return errorResponse(req.ID, fmt.Errorf("%w: %s", session.ErrNotFound, req.SessionID))
	}
	info, err := fn()
	if err != nil {
		return errorResponse(req.ID, err)
	}
	s.record(kind, info)
	return Response{ID: req.ID, Event: evtOK, SessionID: info.ID}
}

// CloseSession closes a session on behalf of an operator and notifies its owner.
func (s *Service) CloseSession(id string) (session.Info, error) {
	info, err := s.reg.Close(id)
	if err != nil {
		return session.Info{}, err
	}
	s.record(session.EventClosed, info)

	s.clientMu.Lock()
	cw := s.clients[info.Owner]
	s.clientMu.Unlock()
	if cw != nil {
		if err := cw.write(frameEvent, Response{Event: evtClosed, SessionID: id}); err != nil {
			s.log.Warn("notify owner", zap.String("session_id", id), zap.Error(err))
		}
	}
	return info, nil
}

// Shutdown closes all sessions and connections.
func (s *Service) Shutdown() {
	for _, info := range s.reg.CloseAll() {
		s.record(session.EventClosed, info)
	}
	s.clientMu.Lock()
	for _, cw := range s.clients {
		cw.conn.Close()
	}
	s.clientMu.Unlock()
}

func (s *Service) record(kind session.EventKind, info session.Info) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(session.Event{Kind: kind, Info: info}); err != nil {
		s.log.Warn("journal write failed",
			zap.String("session_id", info.ID),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

// Listen prepares the unix socket at socketPath, removing a stale one left by a
// dead daemon, and writes the pid file. cleanup removes both.
func Listen(socketPath, pidPath string, log *zap.Logger) (net.Listener, func(), error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := cleanStaleSocket(socketPath, pidPath, log); err != nil {
		return nil, nil, fmt.Errorf("clean stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("listen: %w", err)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		listener.Close()
		return nil, nil, fmt.Errorf("write pid file: %w", err)
	}

	cleanup := func() {
		listener.Close()
		os.Remove(socketPath)
		os.Remove(pidPath)
	}
	return listener, cleanup, nil
}

// cleanStaleSocket removes a stale socket file if the daemon is not running.
func cleanStaleSocket(socketPath, pidPath string, log *zap.Logger) error {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil
	}

	conn, err := net.Dial("unix", socketPath)
	if err == nil {
		conn.Close()
		return fmt.Errorf("hintd already running (socket active)")
	}

	// Socket exists but can't connect; check the PID file
	if pidData, err := os.ReadFile(pidPath); err == nil {
		if pid, err := strconv.Atoi(string(pidData)); err == nil {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("hintd already running (pid %d)", pid)
				}
			}
		}
	}

	log.Info("removing stale socket", zap.String("path", socketPath))
	os.Remove(socketPath)
	os.Remove(pidPath)
	return nil
}
