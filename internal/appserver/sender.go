package appserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// OutgoingMessage is whatever the framing writer goroutine should emit
// next: a Request, Response, ErrorMessage, or Notification.
type OutgoingMessage struct {
	Request      *Request
	Response     *Response
	Error        *ErrorMessage
	Notification *Notification
}

// OutgoingMessageSender maintains the monotonically increasing request id,
// the in-flight server-to-client callback map, and the channel into the
// framing writer (spec §4.10 "Outgoing message sender").
type OutgoingMessageSender struct {
	nextID   int64
	mu       sync.Mutex
	pending  map[string]chan json.RawMessage
	outgoing chan OutgoingMessage
	logger   *slog.Logger
}

// NewOutgoingMessageSender creates a sender writing onto outgoing, a
// channel drained by the framing writer goroutine.
func NewOutgoingMessageSender(outgoing chan OutgoingMessage, logger *slog.Logger) *OutgoingMessageSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutgoingMessageSender{
		pending:  map[string]chan json.RawMessage{},
		outgoing: outgoing,
		logger:   logger,
	}
}

// SendRequest allocates an id, installs a callback, and enqueues a
// server-to-client request; it blocks until the client's response arrives
// on the returned channel. If enqueueing fails, the callback is removed and
// the error is returned instead of blocking forever.
func (s *OutgoingMessageSender) SendRequest(method string, params any) (<-chan json.RawMessage, error) {
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("appserver: encoding request params: %w", err)
	}

	id := atomic.AddInt64(&s.nextID, 1)
	idRaw, _ := json.Marshal(id)
	key := string(idRaw)

	ch := make(chan json.RawMessage, 1)
	s.mu.Lock()
	s.pending[key] = ch
	s.mu.Unlock()

	select {
	case s.outgoing <- OutgoingMessage{Request: &Request{ID: idRaw, Method: method, Params: paramsRaw}}:
		return ch, nil
	default:
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		return nil, fmt.Errorf("appserver: outgoing queue full, could not send request %q", method)
	}
}

// NotifyClientResponse fulfills a previously issued SendRequest's callback
// with the client's result. A response for an unknown id is logged as a
// warning and is otherwise non-fatal.
func (s *OutgoingMessageSender) NotifyClientResponse(id RequestID, result json.RawMessage) {
	key := string(id)
	s.mu.Lock()
	ch, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("appserver: response for unknown or already-resolved request id", "id", key)
		return
	}
	ch <- result
	close(ch)
}

// SendResponse serializes result and enqueues a Response; serialization
// failures are reported to the client as an internal_error rather than
// silently dropped.
func SendResponse[T any](s *OutgoingMessageSender, id RequestID, result T) error {
	data, err := json.Marshal(result)
	if err != nil {
		s.outgoing <- OutgoingMessage{Error: ptrErr(InternalError(id, fmt.Sprintf("serialization failure: %v", err)))}
		return err
	}
	s.outgoing <- OutgoingMessage{Response: &Response{ID: id, Result: data}}
	return nil
}

// SendError enqueues an ErrorMessage reply to a client request.
func (s *OutgoingMessageSender) SendError(id RequestID, code int, message string) {
	s.outgoing <- OutgoingMessage{Error: &ErrorMessage{ID: id, Error: RPCError{Code: code, Message: message}}}
}

// SendNotification enqueues a one-way notification using the method slug
// verbatim (spec §6, e.g. "account/login/completed").
func (s *OutgoingMessageSender) SendNotification(method string, params any) error {
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("appserver: encoding notification params: %w", err)
	}
	s.outgoing <- OutgoingMessage{Notification: &Notification{Method: method, Params: paramsRaw}}
	return nil
}

func ptrErr(e ErrorMessage) *ErrorMessage { return &e }
