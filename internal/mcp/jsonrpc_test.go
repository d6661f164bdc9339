package mcp

import (
	"encoding/json"
	"testing"
)

func TestRequestEncoding(t *testing.T) {
	data, err := json.Marshal(NewRequest(7, "tools/list", nil))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"jsonrpc":"2.0","id":7,"method":"tools/list"}` {
		t.Errorf("encoded = %s", data)
	}
}

func TestMatchResponse(t *testing.T) {
	tests := []struct {
		name string
		line string
		ok   bool
	}{
		{"matching result", `{"jsonrpc":"2.0","id":3,"result":{}}`, true},
		{"matching error", `{"jsonrpc":"2.0","id":3,"error":{"code":-1,"message":"x"}}`, true},
		{"other id", `{"jsonrpc":"2.0","id":2,"result":{}}`, false},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/message","params":{}}`, false},
		{"server request", `{"jsonrpc":"2.0","id":3,"method":"roots/list"}`, false},
		{"log line", `INFO starting server`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, ok := matchResponse([]byte(tt.line), 3)
			if ok != tt.ok {
				t.Fatalf("matchResponse ok = %v, want %v", ok, tt.ok)
			}
			if ok && resp.ID != 3 {
				t.Errorf("ID = %d, want 3", resp.ID)
			}
		})
	}
}

func TestRPCErrorMessage(t *testing.T) {
	err := &RPCError{Code: -32601, Message: "method not found"}
	if err.Error() != "jsonrpc error -32601: method not found" {
		t.Errorf("Error() = %q", err.Error())
	}
}
