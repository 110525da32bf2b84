package mux

import (
	"strings"
	"testing"

	"github.com/mnazarim/CoAP/message"
)

func helloResource() *Resource {
	return &Resource{
		Path:       "hello",
		Attributes: map[string][]string{"rt": {"demo"}},
		Handlers: map[message.Code]HandlerFunc{
			message.GET: func(req *message.Message) (*Response, error) {
				return &Response{Code: message.Content, Payload: []byte("Hello World!")}, nil
			},
		},
	}
}

func TestDispatchServesRegisteredResource(t *testing.T) {
	s := NewSite()
	s.Handle(helloResource())

	req := &message.Message{Code: message.GET}
	req.SetPathString("hello")

	resp, err := s.Dispatch(req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Code != message.Content || string(resp.Payload) != "Hello World!" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestDispatchUnknownPathYieldsNotFound(t *testing.T) {
	s := NewSite()
	req := &message.Message{Code: message.GET}
	req.SetPathString("missing")

	resp, _ := s.Dispatch(req)
	if resp.Code != message.NotFound {
		t.Fatalf("Code = %v, want NotFound", resp.Code)
	}
}

func TestDispatchUnsupportedMethodYieldsMethodNotAllowed(t *testing.T) {
	s := NewSite()
	s.Handle(helloResource())

	req := &message.Message{Code: message.DELETE}
	req.SetPathString("hello")

	resp, _ := s.Dispatch(req)
	if resp.Code != message.MethodNotAllowed {
		t.Fatalf("Code = %v, want MethodNotAllowed", resp.Code)
	}
}

func TestRenderCoreLinkFormatFiltersByResourceType(t *testing.T) {
	s := NewSite()
	s.Handle(helloResource())
	s.Handle(&Resource{Path: "other", Attributes: map[string][]string{"rt": {"else"}}})

	out := string(s.RenderCoreLinkFormat([]string{"rt=demo"}))
	if !strings.Contains(out, "</hello>") {
		t.Fatalf("missing hello resource in %q", out)
	}
	if strings.Contains(out, "</other>") {
		t.Fatalf("filtered-out resource present in %q", out)
	}
}
