package wechat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"oabot/internal/domain"
	"oabot/internal/orchestrator"
)

type fakeProcessor struct {
	lastEvent domain.InboundEvent
	result    *orchestrator.Result
}

func (f *fakeProcessor) Process(_ context.Context, event domain.InboundEvent) (*orchestrator.Result, error) {
	f.lastEvent = event
	return f.result, nil
}

func signedURL(t *testing.T, base, token string, extra url.Values) string {
	t.Helper()
	q := url.Values{}
	q.Set("timestamp", "1724300000")
	q.Set("nonce", "n1")
	q.Set("signature", Signature(token, "1724300000", "n1"))
	for k, vs := range extra {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	return base + "/wechat?" + q.Encode()
}

func TestWebhookEchoVerification(t *testing.T) {
	w := NewWebhook(WebhookConfig{Token: "tok"}, &fakeProcessor{})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, err := http.Get(signedURL(t, srv.URL, "tok", url.Values{"echostr": {"echo-me"}}))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	buf := make([]byte, 32)
	n, _ := resp.Body.Read(buf)
	if got := string(buf[:n]); got != "echo-me" {
		t.Fatalf("echo = %q", got)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	w := NewWebhook(WebhookConfig{Token: "tok"}, &fakeProcessor{})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/wechat?timestamp=1&nonce=n&signature=bad&echostr=x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestWebhookTextPushGetsXMLReply(t *testing.T) {
	proc := &fakeProcessor{result: &orchestrator.Result{
		Reply: domain.Reply{Kind: domain.ReplyText, Text: "你好！"},
		Route: domain.RouteConversation,
		State: orchestrator.StateCompleted,
	}}
	w := NewWebhook(WebhookConfig{Token: "tok"}, proc)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	push := `<xml><ToUserName><![CDATA[gh]]></ToUserName><FromUserName><![CDATA[o1]]></FromUserName>` +
		`<CreateTime>1</CreateTime><MsgType><![CDATA[text]]></MsgType><Content><![CDATA[在吗]]></Content></xml>`
	resp, err := http.Post(signedURL(t, srv.URL, "tok", nil), "application/xml", strings.NewReader(push))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	body := make([]byte, 4096)
	n, _ := resp.Body.Read(body)
	s := string(body[:n])
	if !strings.Contains(s, "<![CDATA[你好！]]>") {
		t.Fatalf("reply body = %s", s)
	}
	if proc.lastEvent.Text != "在吗" || proc.lastEvent.UserID != "o1" {
		t.Fatalf("processor saw event %+v", proc.lastEvent)
	}
}

func TestWebhookAcksUnsupportedPush(t *testing.T) {
	w := NewWebhook(WebhookConfig{Token: "tok"}, &fakeProcessor{})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	push := `<xml><FromUserName><![CDATA[o1]]></FromUserName><MsgType><![CDATA[location]]></MsgType></xml>`
	resp, err := http.Post(signedURL(t, srv.URL, "tok", nil), "application/xml", strings.NewReader(push))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	buf := make([]byte, 16)
	n, _ := resp.Body.Read(buf)
	if got := string(buf[:n]); got != "success" {
		t.Fatalf("ack = %q", got)
	}
}

func TestWebhookAcksWhenNoReply(t *testing.T) {
	proc := &fakeProcessor{result: &orchestrator.Result{
		Reply: domain.Reply{Kind: domain.ReplyNone},
		Route: domain.RouteFarewell,
		State: orchestrator.StateCompleted,
	}}
	w := NewWebhook(WebhookConfig{Token: "tok"}, proc)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	push := `<xml><ToUserName><![CDATA[gh]]></ToUserName><FromUserName><![CDATA[o1]]></FromUserName>` +
		`<CreateTime>1</CreateTime><MsgType><![CDATA[event]]></MsgType><Event><![CDATA[unsubscribe]]></Event></xml>`
	resp, err := http.Post(signedURL(t, srv.URL, "tok", nil), "application/xml", strings.NewReader(push))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	buf := make([]byte, 16)
	n, _ := resp.Body.Read(buf)
	if got := string(buf[:n]); got != "success" {
		t.Fatalf("ack = %q", got)
	}
}
