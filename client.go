package coap

import (
	"time"

	"github.com/rs/xid"

	"github.com/mnazarim/CoAP/message"
	"github.com/mnazarim/CoAP/net"
)

// MaxTransmitWait bounds how long RequestMulticast keeps its response
// channel open collecting replies, mirroring RFC 7252's
// MAX_TRANSMIT_WAIT (spec.md's multicast fan-out window).
const MaxTransmitWait = time.Duration(float64(net.AckTimeout) * ((1 << (net.MaxRetransmit + 1)) - 1) * net.AckRandomFactor)

// RequestHandle is what a client holds for one outstanding request: a
// single result for the final response, an additional stream of
// notifications when the request registered an observation, and a
// cancellation operation (spec.md section 4.4, "Client side").
type RequestHandle struct {
	ctx    *Context
	remote net.Endpoint
	mid    uint16
	token  []byte
	p      *pendingRequest
}

// Response blocks for the final response (the first delivered message,
// for both plain requests and observations).
func (h *RequestHandle) Response() (*message.Message, error) {
	r := <-h.p.result
	return r.Response, r.Err
}

// Notifications returns the channel of subsequent notifications; nil
// if the request did not register an observation.
func (h *RequestHandle) Notifications() <-chan *message.Message {
	return h.p.notifications
}

// Cancel stops retransmission of an in-flight request, or, for an
// active observation, sends Observe=1 on the same token to deregister
// (spec.md section 5, "Cancellation").
func (h *RequestHandle) Cancel() {
	h.ctx.mu.Lock()
	delete(h.ctx.pending, pendingKey{h.remote, string(h.token)})
	h.ctx.mu.Unlock()

	if h.p.observing {
		deregister := &message.Message{
			Type:      message.NonConfirmable,
			Code:      message.GET,
			MessageID: h.ctx.layer.NextMessageID(h.remote),
			Token:     h.token,
			Options:   message.Options{}.SetUint(message.Observe, 1),
		}
		_ = h.ctx.layer.SendNonconfirmable(h.remote, deregister)
	}
	h.ctx.layer.Cancel(h.remote, h.mid)
	h.p.fail(ErrRequestCancelled)
}

// Request sends req to remote, returning a handle for its response. If
// req carries Observe=0, the handle additionally streams notifications
// until Cancel is called. A matching OSCORE security context
// registered for req's path, if any, transparently protects the
// request and unprotects the response.
func (c *Context) Request(remote net.Endpoint, req *message.Message) (*RequestHandle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrLibraryShutdown
	}
	c.mu.Unlock()

	req.Token = c.allocateToken(remote)
	req.MessageID = c.layer.NextMessageID(remote)
	req.IsRequest = true

	traceID := xid.New()
	TraceInfo("[coap] %s %s %s -> %s", traceID, req.Code, req.PathString(), remote)

	_, observe := req.Options.GetUint(message.Observe)
	p := newPendingRequest(observe)

	key := pendingKey{remote, string(req.Token)}
	c.mu.Lock()
	c.pending[key] = p
	c.mu.Unlock()

	wire := req
	if sc := c.OSCORE.ForURI(req.PathString()); sc != nil {
		protected, reqKid, reqPIV, err := sc.Protect(req, nil, nil)
		if err != nil {
			c.mu.Lock()
			delete(c.pending, key)
			c.mu.Unlock()
			return nil, err
		}
		protected.Token = req.Token
		protected.MessageID = req.MessageID
		protected.IsRequest = true
		wire = protected
		p.oscoreSC = sc
		p.oscoreReqKid = reqKid
		p.oscoreReqPIV = reqPIV
	}

	h := &RequestHandle{ctx: c, remote: remote, mid: req.MessageID, token: req.Token, p: p}

	if req.Type == message.Confirmable {
		go func() {
			ack, err := c.layer.SendConfirmable(remote, wire)
			if err != nil {
				c.mu.Lock()
				delete(c.pending, key)
				c.mu.Unlock()
				p.fail(err)
				return
			}
			if ack.Code.IsResponse() {
				p.unprotectAndDeliver(ack)
			}
		}()
	} else {
		if err := c.layer.SendNonconfirmable(remote, wire); err != nil {
			c.mu.Lock()
			delete(c.pending, key)
			c.mu.Unlock()
			return nil, err
		}
	}
	return h, nil
}

// RequestMulticast sends req as a NON to every endpoint in remotes and
// returns a channel collecting one Result per reply, closed after
// MaxTransmitWait (spec.md's supplemented multicast fan-out: "an async
// sequence of responses, one per replying server").
func (c *Context) RequestMulticast(remotes []net.Endpoint, req *message.Message) <-chan Result {
	out := make(chan Result, len(remotes))
	var handles []*RequestHandle
	for _, r := range remotes {
		reqCopy := req.Clone()
		reqCopy.Type = message.NonConfirmable
		h, err := c.Request(r, reqCopy)
		if err != nil {
			out <- Result{Err: err}
			continue
		}
		handles = append(handles, h)
	}

	go func() {
		timer := time.NewTimer(MaxTransmitWait)
		defer timer.Stop()
		remaining := len(handles)
		results := make(chan Result, len(handles))
		for _, h := range handles {
			h := h
			go func() {
				resp, err := h.Response()
				results <- Result{Response: resp, Err: err}
			}()
		}
		for remaining > 0 {
			select {
			case r := <-results:
				out <- r
				remaining--
			case <-timer.C:
				close(out)
				return
			}
		}
		close(out)
	}()
	return out
}
