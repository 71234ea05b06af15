package protocol

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		payload any
		want    string
	}{
		{"system", TypeSystem, Text{Content: "hi"}, `SYSTEM|{"content":"hi"}` + "\n"},
		{"chat", TypePublic, Chat{Sender: "alice", Content: "a|b"}, `PUBLIC|{"sender":"alice","content":"a|b"}` + "\n"},
		{"list", TypeList, UserList{Users: []string{"a", "b"}, Count: 2}, `LIST|{"users":["a","b"],"count":2}` + "\n"},
		{"type only", TypeListReq, nil, "LIST_REQ\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(Encode(tt.msgType, tt.payload))
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	frame, err := Decode(Encode(TypePrivate, Chat{Sender: "bob", Content: "x|y|z"}))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := &Frame{Type: TypePrivate, Payload: Payload{Sender: "bob", Content: "x|y|z"}}
	if diff := cmp.Diff(want, frame); diff != "" {
		t.Errorf("Decode mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeNoSeparator(t *testing.T) {
	frame, err := Decode([]byte("LIST_REQ\n"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if frame.Type != TypeListReq {
		t.Errorf("Expected type %q, got %q", TypeListReq, frame.Type)
	}
	if diff := cmp.Diff(Payload{}, frame.Payload); diff != "" {
		t.Errorf("Expected empty payload (-want +got):\n%s", diff)
	}
}

func TestDecodeFailures(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty", []byte(""), ErrEmptyFrame},
		{"blank", []byte("  \r\n"), ErrEmptyFrame},
		{"bad json", []byte(`SYSTEM|{"content":`), ErrInvalidPayload},
		{"not an object", []byte(`SYSTEM|[1,2]`), ErrInvalidPayload},
		{"empty payload", []byte(`SYSTEM|`), ErrInvalidPayload},
		{"invalid utf8", []byte{'S', '|', 0xff, 0xfe}, ErrInvalidEncoding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Decode(tt.raw)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
			if frame != nil {
				t.Errorf("Expected no frame, got %+v", frame)
			}
		})
	}
}

func TestParseClientCommand(t *testing.T) {
	tests := []struct {
		input                 string
		kind, target, content string
	}{
		{"hello room", KindPublic, "", "hello room"},
		{"  spaced  ", KindPublic, "", "spaced"},
		{"/msg bob hi there", KindPrivate, "bob", "hi there"},
		{"/MSG bob   keep  inner", KindPrivate, "bob", "keep  inner"},
		{"/msg bob", KindPrivate, "bob", ""},
		{"/focus carol hey", KindPrivate, "carol", "hey"},
		{"/msg", KindUnknown, "", ""},
		{"/list", KindListReq, "", ""},
		{"/List extra", KindListReq, "", ""},
		{"/exit", KindExit, "", ""},
		{"/history bob 5", KindHistory, "bob", "5"},
		{"/history", KindHistory, "", ""},
		{"/dance", KindUnknown, "", ""},
		{"/", KindUnknown, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			kind, target, content := ParseClientCommand(tt.input)
			if kind != tt.kind || target != tt.target || content != tt.content {
				t.Errorf("ParseClientCommand(%q) = (%q, %q, %q), want (%q, %q, %q)",
					tt.input, kind, target, content, tt.kind, tt.target, tt.content)
			}
		})
	}
}
