package server

import (
	"net/http/httptest"
	"testing"
)

func TestSessionTokenFromRequestPrefersQueryParameter(t *testing.T) {
	request := httptest.NewRequest("GET", "/realtime?token=query-token", nil)
	request.Header.Set("Sec-WebSocket-Protocol", SessionProtocolPrefix+"proto-token")

	token, subprotocol := sessionTokenFromRequest(request)
	if token != "query-token" || subprotocol != "" {
		t.Fatalf("unexpected extraction: token=%q subprotocol=%q", token, subprotocol)
	}
}

func TestSessionTokenFromRequestReadsSubprotocol(t *testing.T) {
	request := httptest.NewRequest("GET", "/realtime", nil)
	request.Header.Set("Sec-WebSocket-Protocol", "unrelated, "+SessionProtocolPrefix+"proto-token")

	token, subprotocol := sessionTokenFromRequest(request)
	if token != "proto-token" {
		t.Fatalf("unexpected token: %q", token)
	}
	if subprotocol != SessionProtocolPrefix+"proto-token" {
		t.Fatalf("unexpected subprotocol: %q", subprotocol)
	}
}

func TestSessionTokenFromRequestEmptyWhenAbsent(t *testing.T) {
	request := httptest.NewRequest("GET", "/realtime", nil)
	if token, _ := sessionTokenFromRequest(request); token != "" {
		t.Fatalf("expected no token, got %q", token)
	}
}

func TestOriginCheckerMatchesConfiguredOrigins(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	allowed := httptest.NewRequest("GET", "/realtime", nil)
	allowed.Header.Set("Origin", "https://app.example.com")
	if !check(allowed) {
		t.Fatalf("expected configured origin to be accepted")
	}

	denied := httptest.NewRequest("GET", "/realtime", nil)
	denied.Header.Set("Origin", "https://evil.example.com")
	if check(denied) {
		t.Fatalf("expected unknown origin to be rejected")
	}

	if !originChecker([]string{"*"})(denied) {
		t.Fatalf("expected wildcard to accept everything")
	}
}
