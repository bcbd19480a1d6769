package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/caffeineduck/gorupool/engine"
	"github.com/caffeineduck/gorupool/hostfunc"
)

// Guest protocol frames, written by the guest to stderr:
//
//	\x00GORU_READY\x00          session loop is accepting commands
//	\x00GORU_DONE\x00           the current command finished
//	\x00GORU_ERROR:payload\x00  the current command raised
//	\x00GORU:{json}\x00         host function call, answered on stdin
const (
	readySignal = "\x00GORU_READY\x00"
	doneSignal  = "\x00GORU_DONE\x00"
	errorPrefix = "\x00GORU_ERROR:"
	callPrefix  = "\x00GORU:"
	frameEnd    = 0
)

var framePrefixes = []string{readySignal, doneSignal, errorPrefix, callPrefix}

type callRequest struct {
	ID   string         `json:"id,omitempty"`
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type command struct {
	Type string `json:"type"`
	Code string `json:"code,omitempty"`
}

// lineWriter serializes newline-terminated JSON messages onto the guest stdin.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(data, '\n'))
	return err
}

// protocolHandler sits on the guest stderr. Frames are decoded and acted
// on; everything else is passed through to the current stderr target.
type protocolHandler struct {
	ctx      context.Context
	registry *hostfunc.Registry
	stdin    *lineWriter

	mu          sync.Mutex
	buf         []byte
	passthrough io.Writer
	ready       bool
	readyCh     chan struct{}
	doneCh      chan error
}

func newProtocolHandler(ctx context.Context, registry *hostfunc.Registry, stdin *lineWriter) *protocolHandler {
	return &protocolHandler{
		ctx:         ctx,
		registry:    registry,
		stdin:       stdin,
		passthrough: io.Discard,
		readyCh:     make(chan struct{}),
		doneCh:      make(chan error, 1),
	}
}

func (p *protocolHandler) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, data...)
	for len(p.buf) > 0 {
		idx := bytes.IndexByte(p.buf, frameEnd)
		if idx == -1 {
			p.pass(p.buf)
			p.buf = p.buf[:0]
			break
		}
		if idx > 0 {
			p.pass(p.buf[:idx])
			p.consume(idx)
		}

		n, complete := p.parseFrame()
		if !complete {
			break
		}
		if n == 0 {
			// A stray NUL that starts no frame.
			p.pass(p.buf[:1])
			n = 1
		}
		p.consume(n)
	}
	return len(data), nil
}

func (p *protocolHandler) parseFrame() (int, bool) {
	s := string(p.buf)
	switch {
	case strings.HasPrefix(s, readySignal):
		if !p.ready {
			p.ready = true
			close(p.readyCh)
		}
		return len(readySignal), true
	case strings.HasPrefix(s, doneSignal):
		p.finish(nil)
		return len(doneSignal), true
	case strings.HasPrefix(s, errorPrefix):
		payload, n, ok := framePayload(s, errorPrefix)
		if !ok {
			return 0, false
		}
		p.finish(parseGuestError(payload))
		return n, true
	case strings.HasPrefix(s, callPrefix):
		payload, n, ok := framePayload(s, callPrefix)
		if !ok {
			return 0, false
		}
		p.handleCall(payload)
		return n, true
	}
	for _, prefix := range framePrefixes {
		if len(s) < len(prefix) && strings.HasPrefix(prefix, s) {
			return 0, false
		}
	}
	return 0, true
}

func framePayload(s, prefix string) (string, int, bool) {
	end := strings.IndexByte(s[len(prefix):], frameEnd)
	if end == -1 {
		return "", 0, false
	}
	return s[len(prefix) : len(prefix)+end], len(prefix) + end + 1, true
}

func (p *protocolHandler) consume(n int) {
	p.buf = append(p.buf[:0], p.buf[n:]...)
}

func (p *protocolHandler) pass(b []byte) {
	if len(b) == 0 {
		return
	}
	_, _ = p.passthrough.Write(b)
}

func (p *protocolHandler) finish(err error) {
	select {
	case p.doneCh <- err:
	default:
	}
}

func (p *protocolHandler) handleCall(payload string) {
	var req callRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		go p.respond(callResponse{Error: "invalid call format"})
		return
	}
	// Respond off the write path: the guest may be blocked writing stderr.
	go func() {
		resp := p.executeCall(req)
		resp.ID = req.ID
		p.respond(resp)
	}()
}

func (p *protocolHandler) executeCall(req callRequest) callResponse {
	result, err := p.registry.Call(p.ctx, req.Fn, req.Args)
	if err != nil {
		return callResponse{Error: err.Error()}
	}
	return callResponse{Data: result}
}

func (p *protocolHandler) respond(resp callResponse) {
	if err := p.stdin.send(resp); err != nil {
		_ = p.stdin.send(callResponse{ID: resp.ID, Error: "internal: failed to marshal response"})
	}
}

// Ready is closed once the guest session loop is up.
func (p *protocolHandler) Ready() <-chan struct{} {
	return p.readyCh
}

// Done yields the outcome of the current command.
func (p *protocolHandler) Done() <-chan error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneCh
}

// ResetExec prepares for a new command, routing stray stderr to w.
func (p *protocolHandler) ResetExec(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doneCh = make(chan error, 1)
	if w == nil {
		w = io.Discard
	}
	p.passthrough = w
}

var guestErrorHead = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*):\s*(.*)$`)

// parseGuestError accepts either a JSON object {"type","message","trace"} or
// a plain "Type: message" line.
func parseGuestError(payload string) *engine.GuestError {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "{") {
		var wire struct {
			Type    string   `json:"type"`
			Message string   `json:"message"`
			Trace   []string `json:"trace"`
		}
		if err := json.Unmarshal([]byte(payload), &wire); err == nil {
			if wire.Type == "" {
				wire.Type = "Error"
			}
			return &engine.GuestError{Type: wire.Type, Message: wire.Message, Trace: wire.Trace}
		}
	}

	lines := strings.Split(payload, "\n")
	last := lines[len(lines)-1]
	ge := &engine.GuestError{Type: "Error", Message: last, Trace: lines[:len(lines)-1]}
	if m := guestErrorHead.FindStringSubmatch(last); m != nil {
		ge.Type, ge.Message = m[1], m[2]
	}
	if len(ge.Trace) == 0 {
		ge.Trace = nil
	}
	return ge
}

// router forwards guest stdout to whichever writer the current command set.
type router struct {
	mu sync.Mutex
	w  io.Writer
}

func (r *router) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w != nil {
		_, _ = r.w.Write(p)
	}
	return len(p), nil
}

func (r *router) set(w io.Writer) {
	r.mu.Lock()
	r.w = w
	r.mu.Unlock()
}
