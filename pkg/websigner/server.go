package websigner

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/SaltBlocks/gumarket/pkg/crypto"
)

var (
	// ErrNoPendingRequest means a signature was posted while nothing was
	// waiting for one.
	ErrNoPendingRequest = errors.New("no signature request pending")

	// ErrRequestMismatch means the browser signed a different message
	// than the one requested.
	ErrRequestMismatch = errors.New("signed message does not match requested message")
)

// SignResult is a signature collected from the browser wallet.
type SignResult struct {
	Address   common.Address
	Message   string
	Signature []byte
}

// pendingRequest is the one message currently offered to the browser.
type pendingRequest struct {
	message string
	action  string
	done    chan SignResult
}

// Server queues signature requests for a browser extension wallet. The
// page polls /message and /action, signs with the injected provider and
// posts the result to /signature; /ws pushes a nudge when a new request
// arrives so an open page reacts without refreshing.
type Server struct {
	router *mux.Router
	log    *zap.Logger
	http   *http.Server

	mu      sync.Mutex
	pending *pendingRequest

	// requestMu serializes callers: one message offered at a time.
	requestMu sync.Mutex

	wsMu      sync.Mutex
	wsClients map[*websocket.Conn]bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func NewServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		router:    mux.NewRouter(),
		log:       log,
		wsClients: make(map[*websocket.Conn]bool),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.handlePage).Methods("GET")
	s.router.HandleFunc("/message", s.handleMessage).Methods("GET")
	s.router.HandleFunc("/action", s.handleAction).Methods("GET")
	s.router.HandleFunc("/signature", s.handleSignature).Methods("POST")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the CORS-wrapped root handler.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()
	s.log.Info("websigner_listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// RequestSignature offers a message to the browser wallet and blocks
// until a matching signature is posted or the context ends. Callers are
// serialized; the queue holds one message at a time.
func (s *Server) RequestSignature(ctx context.Context, message, action string) (SignResult, error) {
	s.requestMu.Lock()
	defer s.requestMu.Unlock()

	req := &pendingRequest{
		message: message,
		action:  action,
		done:    make(chan SignResult, 1),
	}
	s.mu.Lock()
	s.pending = req
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
	}()

	s.notifyClients()
	s.log.Info("signature_requested", zap.String("action", action))

	select {
	case <-ctx.Done():
		return SignResult{}, ctx.Err()
	case result := <-req.done:
		return result, nil
	}
}

// RequestDigestSignature hex-encodes a 32-byte digest for the browser
// to sign and validates the returned signature before handing it back.
// The page signs with personal_sign, so the signature covers the
// EIP-191 prefixed hash of the hex string rather than the raw digest.
func (s *Server) RequestDigestSignature(ctx context.Context, digest []byte, action string) (SignResult, error) {
	message := "0x" + hex.EncodeToString(digest)
	result, err := s.RequestSignature(ctx, message, action)
	if err != nil {
		return SignResult{}, err
	}
	if !crypto.VerifySignature(result.Address, crypto.PersonalDigest(digest), result.Signature) {
		return SignResult{}, fmt.Errorf("%w: signature does not verify for %s", ErrRequestMismatch, result.Address.Hex())
	}
	return result, nil
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(pageHTML))
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		w.Write([]byte(s.pending.message))
	}
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.pending == nil:
		w.Write([]byte("No message available for signing, refresh the page or click 'Sign message' to check for new messages."))
	case s.pending.action == "":
		fmt.Fprintf(w, "Sign the message '%s' to complete the requested action.", s.pending.message)
	default:
		w.Write([]byte(s.pending.action))
	}
}

type signaturePost struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

func (s *Server) handleSignature(w http.ResponseWriter, r *http.Request) {
	var post signaturePost
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&post); err != nil {
		http.Error(w, "malformed signature payload", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	req := s.pending
	s.mu.Unlock()
	if req == nil {
		http.Error(w, ErrNoPendingRequest.Error(), http.StatusConflict)
		return
	}
	if post.Message != req.message {
		http.Error(w, ErrRequestMismatch.Error(), http.StatusUnprocessableEntity)
		return
	}

	addr, err := crypto.ValidateAddress(post.Address)
	if err != nil {
		// Browser wallets commonly return all-lowercase addresses.
		if !common.IsHexAddress(post.Address) {
			http.Error(w, "invalid signer address", http.StatusUnprocessableEntity)
			return
		}
		addr = common.HexToAddress(post.Address)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(post.Signature, "0x"))
	if err != nil || len(sig) != 65 {
		http.Error(w, "invalid signature encoding", http.StatusUnprocessableEntity)
		return
	}

	// Browser wallets personal_sign the offered message and report the
	// recovery id as 27/28. Normalize and check the signature actually
	// recovers to the posted address before completing the request.
	sig = crypto.NormalizeV(sig)
	if !crypto.VerifyPersonalSignature(addr, req.message, sig) {
		http.Error(w, ErrRequestMismatch.Error(), http.StatusUnprocessableEntity)
		return
	}

	select {
	case req.done <- SignResult{Address: addr, Message: post.Message, Signature: sig}:
		s.log.Info("signature_collected", zap.String("address", addr.Hex()))
	default:
		// Duplicate post for an already-answered request.
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}
	s.wsMu.Lock()
	s.wsClients[conn] = true
	s.wsMu.Unlock()

	// Reader only drains control frames; the page never sends data.
	go func() {
		defer func() {
			s.wsMu.Lock()
			delete(s.wsClients, conn)
			s.wsMu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) notifyClients() {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for conn := range s.wsClients {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"signature_request"}`)); err != nil {
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}
