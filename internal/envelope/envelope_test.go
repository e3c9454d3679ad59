package envelope

import (
	"encoding/json"
	"testing"
)

func TestParseKnownKinds(t *testing.T) {
	tests := []struct {
		frame string
		want  Kind
	}{
		{`{"type":"status","connected":true}`, KindStatus},
		{`{"type":"message","data":{"text":"hi"}}`, KindMessage},
		{`{"type":"cacheUpdated"}`, KindCacheUpdated},
		{`{"type":"cacheUpdateFailed","error":"boom"}`, KindCacheUpdateFailed},
		{`{"type":"pong"}`, KindPong},
		{`{"type":"ping"}`, KindPing},
		{`{"type":"online"}`, KindOnline},
		{`{"type":"offline"}`, KindOffline},
		{`{"type":"updateCache"}`, KindUpdateCache},
		{`{"type":"sync"}`, KindSync},
	}

	for _, tt := range tests {
		env, err := Parse([]byte(tt.frame))
		if err != nil {
			t.Fatalf("Parse(%s) error: %v", tt.frame, err)
		}
		if env.Type != tt.want {
			t.Errorf("Parse(%s).Type = %v, want %v", tt.frame, env.Type, tt.want)
		}
	}
}

func TestParseUnknownKindIsNotAnError(t *testing.T) {
	env, err := Parse([]byte(`{"type":"somethingNew","data":1}`))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if env.Type != KindUnknown {
		t.Errorf("Type = %v, want KindUnknown", env.Type)
	}
}

func TestParseInvalidJSON(t *testing.T) {
	if _, err := Parse([]byte(`{not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestStatusEncoding(t *testing.T) {
	b, err := Encode(Status(false))
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != "status" {
		t.Errorf("type = %v, want status", got["type"])
	}
	if got["connected"] != false {
		t.Errorf("connected = %v, want false", got["connected"])
	}
	if _, ok := got["data"]; ok {
		t.Error("data should be omitted when empty")
	}
}

func TestEncodeUnknownKindFails(t *testing.T) {
	if _, err := Encode(Envelope{}); err == nil {
		t.Error("expected error encoding unknown kind")
	}
}

func TestCacheUpdateFailedCarriesError(t *testing.T) {
	env := CacheUpdateFailed(json.Unmarshal([]byte("x"), new(int)))
	if env.Error == "" {
		t.Error("expected error text")
	}
}
