package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDialTwiML(t *testing.T) {
	got, err := DialTwiML("+15550100")
	if err != nil {
		t.Fatalf("DialTwiML failed: %v", err)
	}
	if !strings.HasSuffix(got, "<Response><Dial>+15550100</Dial></Response>") {
		t.Errorf("Unexpected TwiML %s", got)
	}
}

func TestCallControl_Redirect(t *testing.T) {
	var gotPath, gotTwiml, gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm failed: %v", err)
		}
		gotTwiml = r.PostForm.Get("Twiml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"sid":"CA1","status":"in-progress"}`))
	}))
	defer srv.Close()

	cc := NewCallControl(srv.URL, "AC123", "secret", zerolog.Nop())
	if err := cc.Redirect(context.Background(), "CA1", "+15550100"); err != nil {
		t.Fatalf("Redirect failed: %v", err)
	}

	if gotPath != "/2010-04-01/Accounts/AC123/Calls/CA1.json" {
		t.Errorf("Unexpected path %s", gotPath)
	}
	if gotUser != "AC123" || gotPass != "secret" {
		t.Errorf("Expected basic auth with account credentials, got %q/%q", gotUser, gotPass)
	}
	if !strings.Contains(gotTwiml, "<Dial>+15550100</Dial>") {
		t.Errorf("Expected dial TwiML, got %s", gotTwiml)
	}
}

func TestCallControl_RedirectErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":20404,"message":"not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	cc := NewCallControl(srv.URL, "AC123", "secret", zerolog.Nop())
	err := cc.Redirect(context.Background(), "CA404", "+15550100")
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Errorf("Expected status error, got %v", err)
	}

	if err := cc.Redirect(context.Background(), "", "+15550100"); err == nil {
		t.Error("Expected error without a call sid")
	}
}
