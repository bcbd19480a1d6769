//go:build wasip1

// Test guest speaking the session protocol with a tiny line language.
// Build with: GOOS=wasip1 GOARCH=wasm go build -o ../guest.wasm .
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

var in = bufio.NewScanner(os.Stdin)

func call(fn string, args map[string]any) (any, string) {
	req, _ := json.Marshal(map[string]any{"fn": fn, "args": args})
	fmt.Fprintf(os.Stderr, "\x00GORU:%s\x00", req)
	if !in.Scan() {
		os.Exit(0)
	}
	var resp struct {
		Data  any    `json:"data"`
		Error string `json:"error"`
	}
	_ = json.Unmarshal(in.Bytes(), &resp)
	return resp.Data, resp.Error
}

func run(code string) error {
	for _, line := range strings.Split(code, "\n") {
		verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch verb {
		case "":
		case "print":
			fmt.Println(rest)
		case "eprint":
			fmt.Fprintln(os.Stderr, rest)
		case "env":
			fmt.Println(os.Getenv(rest))
		case "set":
			name, value, _ := strings.Cut(rest, " ")
			if _, errMsg := call("scope_set", map[string]any{"key": name, "value": value}); errMsg != "" {
				return fmt.Errorf("HostError: %s", errMsg)
			}
		case "get":
			data, errMsg := call("scope_get", map[string]any{"key": rest, "default": "undefined"})
			if errMsg != "" {
				return fmt.Errorf("HostError: %s", errMsg)
			}
			fmt.Println(data)
		case "spin":
			for {
			}
		case "fail":
			return fmt.Errorf("RuntimeError: %s", rest)
		default:
			return fmt.Errorf("NameError: unknown statement %q", verb)
		}
	}
	return nil
}

func main() {
	fmt.Fprint(os.Stderr, "\x00GORU_READY\x00")

	for in.Scan() {
		var cmd struct {
			Type string `json:"type"`
			Code string `json:"code"`
		}
		if err := json.Unmarshal(in.Bytes(), &cmd); err != nil {
			continue
		}
		switch cmd.Type {
		case "exit":
			return
		case "exec":
			if err := run(cmd.Code); err != nil {
				fmt.Fprintf(os.Stderr, "\x00GORU_ERROR:%s\x00", err)
				continue
			}
			fmt.Fprint(os.Stderr, "\x00GORU_DONE\x00")
		}
	}
}
