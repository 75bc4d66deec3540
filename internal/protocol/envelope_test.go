package protocol

import (
	"errors"
	"strings"
	"testing"
)

// TestDecodeValid verifies each envelope kind is recognised and its
// fields are carried through.
func TestDecodeValid(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		want Envelope
	}{
		{
			name: "user-info with numeric time",
			raw:  `{"type":"user-info","userId":"12345","username":"alice","time":1700000000000}`,
			want: UserInfo{UserID: "12345", Username: "alice", Time: 1700000000000},
		},
		{
			name: "user-info without id or time",
			raw:  `{"type":"user-info","username":"bob"}`,
			want: UserInfo{Username: "bob"},
		},
		{
			name: "public message",
			raw:  `{"type":"public-message","text":"hi all","time":"10:11:12"}`,
			want: PublicMessage{Text: "hi all", Time: "10:11:12"},
		},
		{
			name: "private message without time",
			raw:  `{"type":"private-message","text":"psst"}`,
			want: PrivateMessage{Text: "psst"},
		},
		{
			name: "message with non-string time keeps text",
			raw:  `{"type":"public-message","text":"x","time":42}`,
			want: PublicMessage{Text: "x"},
		},
		{
			name: "empty text is still a message",
			raw:  `{"type":"private-message","text":""}`,
			want: PrivateMessage{Text: ""},
		},
		{
			name: "surrounding whitespace",
			raw:  "  \n{\"type\":\"public-message\",\"text\":\"ok\"}\n",
			want: PublicMessage{Text: "ok"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("Decode = %#v, want %#v", got, tc.want)
			}
		})
	}
}

// TestDecodeRejects verifies malformed or unknown payloads are refused.
func TestDecodeRejects(t *testing.T) {
	testCases := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"empty", ``, ErrMalformed},
		{"null", `null`, ErrMalformed},
		{"string", `"user-info"`, ErrMalformed},
		{"array", `[{"type":"public-message","text":"x"}]`, ErrMalformed},
		{"invalid json", `{"type":`, ErrMalformed},
		{"missing type", `{"text":"hello"}`, ErrMalformed},
		{"null type", `{"type":null,"text":"hello"}`, ErrMalformed},
		{"numeric type", `{"type":7,"text":"hello"}`, ErrMalformed},
		{"unknown type", `{"type":"file-transfer","text":"x"}`, ErrUnknownType},
		{"message without text", `{"type":"public-message","time":"10:00:00"}`, ErrMalformed},
		{"message with numeric text", `{"type":"private-message","text":5}`, ErrMalformed},
		{"user-info without username", `{"type":"user-info","userId":"12345"}`, ErrMalformed},
		{"user-info with empty username", `{"type":"user-info","username":""}`, ErrMalformed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Decode([]byte(tc.raw))
			if err == nil {
				t.Fatalf("Decode(%q) = %#v, want error", tc.raw, env)
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Decode(%q) error = %v, want %v", tc.raw, err, tc.wantErr)
			}
		})
	}
}

// TestEncodeDecodeRoundTrip verifies Encode output is accepted by Decode
// for every kind.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	envelopes := []Envelope{
		UserInfo{UserID: "54321", Username: "carol", Time: 1},
		PublicMessage{Text: "hello", Time: "09:08:07"},
		PrivateMessage{Text: "secret"},
	}

	for _, env := range envelopes {
		t.Run(string(env.Kind()), func(t *testing.T) {
			data, err := Encode(env)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if !strings.Contains(string(data), `"type":"`+string(env.Kind())+`"`) {
				t.Errorf("encoded form %s lacks type tag", data)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got != env {
				t.Errorf("round trip = %#v, want %#v", got, env)
			}
		})
	}
}

// TestEncodeOmitsEmptyTime verifies a message without a stamp is encoded
// without a time key.
func TestEncodeOmitsEmptyTime(t *testing.T) {
	data, err := Encode(PublicMessage{Text: "x"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if strings.Contains(string(data), "time") {
		t.Errorf("encoded %s, want no time key", data)
	}
}
