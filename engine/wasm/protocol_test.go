package wasm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/caffeineduck/gorupool/engine"
	"github.com/caffeineduck/gorupool/hostfunc"
)

func newTestProtocol(t *testing.T, registry *hostfunc.Registry) (*protocolHandler, *bufio.Scanner) {
	t.Helper()
	pr, pw := io.Pipe()
	t.Cleanup(func() {
		pw.Close()
		pr.Close()
	})
	if registry == nil {
		registry = hostfunc.NewRegistry()
	}
	return newProtocolHandler(context.Background(), registry, &lineWriter{w: pw}), bufio.NewScanner(pr)
}

func TestProtocolReadyAndDone(t *testing.T) {
	p, _ := newTestProtocol(t, nil)
	var stderr bytes.Buffer
	p.ResetExec(&stderr)

	p.Write([]byte("boot noise\x00GORU_READY\x00"))
	select {
	case <-p.Ready():
	default:
		t.Fatal("expected ready")
	}

	done := p.Done()
	p.Write([]byte("warn\x00GORU_DONE\x00"))
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	default:
		t.Fatal("expected done")
	}

	if stderr.String() != "boot noisewarn" {
		t.Errorf("unexpected passthrough %q", stderr.String())
	}
}

func TestProtocolFrameSplitAcrossWrites(t *testing.T) {
	p, _ := newTestProtocol(t, nil)
	var stderr bytes.Buffer
	p.ResetExec(&stderr)
	done := p.Done()

	for _, chunk := range []string{"a\x00", "GORU_ER", "ROR:ValueError: ", "bad\x00tail"} {
		p.Write([]byte(chunk))
	}

	select {
	case err := <-done:
		ge, ok := engine.AsGuestError(err)
		if !ok {
			t.Fatalf("expected guest error, got %v", err)
		}
		if ge.Type != "ValueError" || ge.Message != "bad" {
			t.Errorf("unexpected guest error %+v", ge)
		}
	default:
		t.Fatal("expected error frame")
	}
	if stderr.String() != "atail" {
		t.Errorf("unexpected passthrough %q", stderr.String())
	}
}

func TestProtocolStrayNul(t *testing.T) {
	p, _ := newTestProtocol(t, nil)
	var stderr bytes.Buffer
	p.ResetExec(&stderr)

	p.Write([]byte("x\x00y"))
	if stderr.String() != "x\x00y" {
		t.Errorf("stray NUL should pass through, got %q", stderr.String())
	}
}

func TestProtocolHostCall(t *testing.T) {
	registry := hostfunc.NewRegistry()
	registry.Register("echo", func(ctx context.Context, args map[string]any) (any, error) {
		return args["msg"], nil
	})
	registry.Register("boom", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("exploded")
	})
	p, responses := newTestProtocol(t, registry)

	read := func() callResponse {
		t.Helper()
		got := make(chan callResponse, 1)
		go func() {
			var resp callResponse
			if responses.Scan() {
				json.Unmarshal(responses.Bytes(), &resp)
			}
			got <- resp
		}()
		select {
		case resp := <-got:
			return resp
		case <-time.After(2 * time.Second):
			t.Fatal("no response")
			return callResponse{}
		}
	}

	go p.Write([]byte("\x00GORU:{\"id\":\"1\",\"fn\":\"echo\",\"args\":{\"msg\":\"hi\"}}\x00"))
	resp := read()
	if resp.ID != "1" || resp.Data != "hi" {
		t.Errorf("unexpected response %+v", resp)
	}

	go p.Write([]byte("\x00GORU:{\"fn\":\"boom\",\"args\":{}}\x00"))
	if resp := read(); resp.Error != "exploded" {
		t.Errorf("expected exploded, got %+v", resp)
	}

	go p.Write([]byte("\x00GORU:{\"fn\":\"missing\"}\x00"))
	if resp := read(); resp.Error != "unknown host function: missing" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestParseGuestError(t *testing.T) {
	tests := []struct {
		payload string
		typ     string
		msg     string
		trace   int
	}{
		{"ZeroDivisionError: division by zero", "ZeroDivisionError", "division by zero", 0},
		{"Traceback:\n  line 1\nKeyError: 'x'", "KeyError", "'x'", 2},
		{"something broke", "Error", "something broke", 0},
		{`{"type":"TypeError","message":"nope","trace":["at f"]}`, "TypeError", "nope", 1},
	}
	for _, tt := range tests {
		ge := parseGuestError(tt.payload)
		if ge.Type != tt.typ || ge.Message != tt.msg || len(ge.Trace) != tt.trace {
			t.Errorf("parseGuestError(%q) = %+v", tt.payload, ge)
		}
	}
}

func TestRouter(t *testing.T) {
	var r router
	if n, err := r.Write([]byte("dropped")); n != 7 || err != nil {
		t.Fatalf("unrouted write should be swallowed, got %d %v", n, err)
	}
	var buf bytes.Buffer
	r.set(&buf)
	r.Write([]byte("kept"))
	if buf.String() != "kept" {
		t.Errorf("expected kept, got %q", buf.String())
	}
}
