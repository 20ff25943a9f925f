// Package tunnel carries hintd connections over a websocket, multiplexed with
// yamux so one websocket can serve many managers.
package tunnel

import (
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"go.uber.org/zap"
)

// SecretHeader carries the pre-shared tunnel secret.
const SecretHeader = "X-Hintd-Secret"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler accepts tunnel websockets and passes each yamux stream to serve.
type Handler struct {
	secret string
	serve  func(net.Conn)
	log    *zap.Logger
}

// NewHandler returns a Handler. An empty secret disables the secret check.
func NewHandler(secret string, serve func(net.Conn), log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{secret: secret, serve: serve, log: log}
}

// authorized checks got against the secret in constant time.
func (h *Handler) authorized(got string) bool {
	if h.secret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r.Header.Get(SecretHeader)) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("tunnel: upgrade failed", zap.Error(err))
		return
	}

	// hintd is the yamux server; remote managers open streams.
	sess, err := yamux.Server(newWSConn(ws), yamux.DefaultConfig())
	if err != nil {
		h.log.Warn("tunnel: yamux server", zap.Error(err))
		ws.Close()
		return
	}
	defer sess.Close()

	h.log.Info("tunnel: peer connected", zap.String("remote", r.RemoteAddr))
	for {
		stream, err := sess.Accept()
		if err != nil {
			h.log.Info("tunnel: peer disconnected", zap.String("remote", r.RemoteAddr))
			return
		}
		go h.serve(stream)
	}
}

// streamConn is a yamux stream that tears down its session on Close.
type streamConn struct {
	net.Conn
	sess *yamux.Session
}

func (c *streamConn) Close() error {
	err := c.Conn.Close()
	c.sess.Close()
	return err
}

// Dial opens a websocket to url, starts a yamux client and returns one stream.
// tlsConfig is used for wss:// URLs and may be nil.
func Dial(url, secret string, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second, TLSClientConfig: tlsConfig}

	header := http.Header{}
	if secret != "" {
		header.Set(SecretHeader, secret)
	}

	ws, _, err := dialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("dial tunnel: %w", err)
	}

	sess, err := yamux.Client(newWSConn(ws), yamux.DefaultConfig())
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("yamux client: %w", err)
	}
	stream, err := sess.Open()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &streamConn{Conn: stream, sess: sess}, nil
}
