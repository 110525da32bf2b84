// Package coap ties the message codec, message layer, blockwise,
// observation, OSCORE and site-tree packages together into the
// request/response surface applications use: Context for a running
// endpoint, whose Request and RequestMulticast methods issue client
// requests (spec.md sections 4.4 and 5).
package coap

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mnazarim/CoAP/blockwise"
	"github.com/mnazarim/CoAP/message"
	"github.com/mnazarim/CoAP/mux"
	"github.com/mnazarim/CoAP/net"
	"github.com/mnazarim/CoAP/observation"
	"github.com/mnazarim/CoAP/oscore"
)

// Context is one running CoAP endpoint: the set of transports it
// drives, the message layer built on top of them, and the
// request/response, blockwise, observation and OSCORE state that layer
// feeds into. An application typically owns exactly one Context.
type Context struct {
	cfg        Config
	transports []net.Transport
	layer      *net.Layer

	Site         *mux.Site
	OSCORE       *oscore.ContextStore
	Observations *observation.Table
	uploads      *blockwise.Assembler

	mu           sync.Mutex
	tokenCounter map[net.Endpoint]uint64
	pending      map[pendingKey]*pendingRequest
	closed       bool
}

type pendingKey struct {
	remote net.Endpoint
	token  string
}

// NewContext builds a Context driving the given transports. If reg is
// non-nil, message-layer metrics register with it.
func NewContext(cfg Config, transports []net.Transport, reg prometheus.Registerer) *Context {
	c := &Context{
		cfg:          cfg,
		transports:   transports,
		Site:         mux.NewSite(),
		OSCORE:       oscore.NewContextStore(),
		Observations: observation.NewTable(),
		uploads:      blockwise.NewAssembler(),
		tokenCounter: make(map[net.Endpoint]uint64),
		pending:      make(map[pendingKey]*pendingRequest),
	}
	c.layer = net.NewLayer(transports, c.onDeliver, reg)
	c.Site.Handle(&mux.Resource{
		Path: mux.WellKnownCore,
		Handlers: map[message.Code]mux.HandlerFunc{
			message.GET: func(req *message.Message) (*mux.Response, error) {
				resp := &mux.Response{
					Code:    message.Content,
					Payload: c.Site.RenderCoreLinkFormat(req.Queries()),
				}
				resp.Options = resp.Options.SetUint(message.ContentFormat, uint32(message.AppLinkFormat))
				return resp, nil
			},
		},
	})
	return c
}

// Shutdown cancels all outstanding client requests with
// ErrLibraryShutdown and tears down the underlying transports (spec.md
// section 5, "Cancelling the context"), returning every transport
// shutdown error it collected along the way joined into one.
func (c *Context) Shutdown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pend := make([]*pendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		pend = append(pend, p)
	}
	c.mu.Unlock()

	for _, p := range pend {
		p.fail(ErrLibraryShutdown)
	}
	c.layer.Shutdown()

	var result *multierror.Error
	for _, t := range c.transports {
		if err := t.Shutdown(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// allocateToken returns a token 0-8 bytes long that is not currently
// outstanding to remote, using the shortest length that avoids a
// collision (spec.md section 4.4, "Token uniqueness").
func (c *Context) allocateToken(remote net.Endpoint) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.tokenCounter[remote]
	for {
		c.tokenCounter[remote] = n + 1
		tok := encodeToken(n)
		if _, busy := c.pending[pendingKey{remote, string(tok)}]; !busy {
			return tok
		}
		n++
	}
}

func encodeToken(n uint64) []byte {
	if n == 0 {
		return []byte{0}
	}
	var tmp [8]byte
	i := 8
	for n > 0 {
		i--
		tmp[i] = byte(n)
		n >>= 8
	}
	return append([]byte(nil), tmp[i:]...)
}

// onDeliver is the message layer's DeliverFunc: it receives every
// inbound datagram that the layer itself did not consume as an
// ACK/RST correlated with an outstanding CON (spec.md section 4.3's
// "non-exchange traffic").
func (c *Context) onDeliver(remote net.Endpoint, m *message.Message) {
	if m.IsRequest || (m.Code.IsRequest() && m.Type != message.Acknowledgement) {
		c.serveInbound(remote, m)
		return
	}
	c.routeResponse(remote, m)
}

func (c *Context) routeResponse(remote net.Endpoint, m *message.Message) {
	key := pendingKey{remote, string(m.Token)}
	c.mu.Lock()
	p, ok := c.pending[key]
	c.mu.Unlock()
	if !ok {
		if m.Type == message.Reset {
			c.Observations.DeregisterAll(remote, m.Token)
		}
		return
	}
	if m.IsConfirmable() {
		ack := &message.Message{Type: message.Acknowledgement, MessageID: m.MessageID}
		_ = c.layer.SendReply(remote, m.MessageID, ack)
	}
	p.unprotectAndDeliver(m)
}

// serveInbound dispatches a server-side request to the site tree,
// handling Block1 reassembly and Block2 pagination before and after
// the handler runs.
func (c *Context) serveInbound(remote net.Endpoint, m *message.Message) {
	resp, err := c.dispatch(remote, m)
	if err != nil {
		resp = &mux.Response{Code: message.InternalServerError, Payload: []byte(err.Error())}
	}
	out := &message.Message{
		Type:      message.Acknowledgement,
		Code:      resp.Code,
		MessageID: m.MessageID,
		Token:     m.Token,
		Options:   resp.Options,
		Payload:   resp.Payload,
	}
	if m.Type == message.NonConfirmable {
		out.Type = message.NonConfirmable
		out.MessageID = c.layer.NextMessageID(remote)
		_ = c.layer.SendNonconfirmable(remote, out)
		return
	}
	_ = c.layer.SendReply(remote, m.MessageID, out)
}

// defaultBlockSZX is the block size a server pages a large response
// into when the client did not itself negotiate a Block2 size
// (spec.md section 4.5).
const defaultBlockSZX = message.SZX1024

// dispatch unprotects an inbound OSCORE-protected request (if any),
// reassembles a Block1 upload, dispatches to the site tree (applying
// observation registration/deregistration along the way), pages a
// large response into one Block2 block, and, for an OSCORE-protected
// exchange, protects the resulting response before returning it.
func (c *Context) dispatch(remote net.Endpoint, m *message.Message) (*mux.Response, error) {
	// Unmarshal never sets IsRequest (spec.md section 3: it is a derived
	// attribute, never on the wire); onDeliver already established this
	// datagram is a request, so fix it here before anything consults it
	// (notably Unprotect's request/response AAD-derivation branch).
	m.IsRequest = true

	var sc *oscore.SecurityContext
	var reqKid, reqPIV []byte

	if kid, idContext, ok := oscore.PeekKid(m); ok {
		sc = c.OSCORE.ForKid(kid, idContext)
		if sc == nil {
			return &mux.Response{Code: message.Unauthorized}, nil
		}
		plain, usedKid, usedPIV, err := sc.Unprotect(m, nil, nil)
		if err != nil {
			return &mux.Response{Code: message.Unauthorized}, nil
		}
		reqKid, reqPIV = usedKid, usedPIV
		m = plain
	}

	resp, err := c.dispatchPlain(remote, m)
	if err != nil || sc == nil {
		return resp, err
	}
	protectedResp, perr := protectResponse(sc, resp, reqKid, reqPIV)
	if perr != nil {
		return nil, perr
	}
	return protectedResp, nil
}

func (c *Context) dispatchPlain(remote net.Endpoint, m *message.Message) (*mux.Response, error) {
	if block1, ok, err := m.Options.GetBlock1(); ok {
		if err != nil {
			return &mux.Response{Code: message.BadOption}, nil
		}
		key := blockwise.Key{Remote: remote, Token: string(m.Token), Path: m.PathString()}
		body, done, err := c.uploads.Accept(key, block1, m.Payload)
		if err != nil {
			return &mux.Response{Code: message.RequestEntityIncomplete}, nil
		}
		if !done {
			opts, _ := message.Options{}.SetBlock1(block1)
			return &mux.Response{Code: message.Continue, Options: opts}, nil
		}
		m.Payload = body
	}

	c.handleObserve(remote, m)

	resp, err := c.Site.Dispatch(m)
	if err != nil {
		return resp, err
	}
	return paginate(m, resp), nil
}

// handleObserve registers or deregisters remote's observation of m's
// path, per spec.md section 4.6: a GET with Observe=0 to an Observable
// resource registers; a GET without Observe, or with a value other
// than 0, deregisters any existing registration for the same
// (remote, token).
func (c *Context) handleObserve(remote net.Endpoint, m *message.Message) {
	if m.Code != message.GET {
		return
	}
	path := m.PathString()
	r := c.Site.Lookup(path)
	if r == nil || !r.Observable {
		return
	}
	if v, ok := m.Options.GetUint(message.Observe); ok && v == 0 {
		c.Observations.Register(path, remote, m.Token)
	} else {
		c.Observations.Deregister(path, remote, m.Token)
	}
}

// NotifyChanged pushes a fresh notification (spec.md section 4.6,
// "notifying observers") to every client currently observing path: it
// re-runs the resource's GET handler to obtain the current
// representation and sends it, with the next Observe counter value, as
// a NON to each registered (remote, token).
func (c *Context) NotifyChanged(path string) {
	r := c.Site.Lookup(path)
	if r == nil {
		return
	}
	h, ok := r.Handlers[message.GET]
	if !ok {
		return
	}
	regs, counter := c.Observations.Deliver(path)
	for _, reg := range regs {
		getReq := &message.Message{Code: message.GET, Token: reg.Token}
		getReq.SetPathString(path)
		resp, err := h(getReq)
		if err != nil {
			continue
		}
		notify := &message.Message{
			Type:      message.NonConfirmable,
			Code:      resp.Code,
			MessageID: c.layer.NextMessageID(reg.Remote),
			Token:     reg.Token,
			Options:   resp.Options.SetUint(message.Observe, uint32(counter)),
			Payload:   resp.Payload,
		}
		_ = c.layer.SendNonconfirmable(reg.Remote, notify)
	}
}

// paginate trims resp's payload to the single Block2 block req asked
// for (or, if req asked for none and the full body exceeds
// defaultBlockSZX, the first block at that size), per RFC 7959 section
// 2.3.
func paginate(req *message.Message, resp *mux.Response) *mux.Response {
	want, hasBlock2, err := req.Options.GetBlock2()
	if err != nil {
		return &mux.Response{Code: message.BadOption}
	}
	if !hasBlock2 {
		if len(resp.Payload) <= defaultBlockSZX.Size() {
			return resp
		}
		want = message.BlockOption{SZX: defaultBlockSZX}
	}
	payload, sent := blockwise.Paginate(resp.Payload, want)
	opts, _ := resp.Options.SetBlock2(sent)
	return &mux.Response{Code: resp.Code, Options: opts, Payload: payload}
}

// protectResponse wraps resp's code/options/payload as a plain message
// and OSCORE-protects it as a response bound to the originating
// request's kid/Partial IV.
func protectResponse(sc *oscore.SecurityContext, resp *mux.Response, reqKid, reqPIV []byte) (*mux.Response, error) {
	plain := &message.Message{Code: resp.Code, Options: resp.Options, Payload: resp.Payload}
	protected, _, _, err := sc.Protect(plain, reqKid, reqPIV)
	if err != nil {
		return nil, err
	}
	return &mux.Response{Code: protected.Code, Options: protected.Options, Payload: protected.Payload}, nil
}

// pendingRequest tracks one outstanding client request: its final
// response future and, when the request carried Observe=0, the stream
// of subsequent notifications (spec.md section 4.4, "Client side").
// When the request went out OSCORE-protected, oscoreSC/reqKid/reqPIV
// carry what's needed to unprotect every response (and, for an
// observation, every subsequent notification) bound to it.
type pendingRequest struct {
	mu            sync.Mutex
	once          sync.Once
	result        chan Result
	notifications chan *message.Message
	observing     bool
	obsClient     observation.Client

	oscoreSC     *oscore.SecurityContext
	oscoreReqKid []byte
	oscoreReqPIV []byte
}

// Result is the outcome of a client request: exactly one of Response
// or Err is set.
type Result struct {
	Response *message.Message
	Err      error
}

func newPendingRequest(observing bool) *pendingRequest {
	p := &pendingRequest{
		result:    make(chan Result, 1),
		observing: observing,
	}
	if observing {
		p.notifications = make(chan *message.Message, 16)
	}
	return p
}

// unprotectAndDeliver reverses OSCORE protection on an inbound
// response or notification bound to this request, if any was applied
// going out, before handing it to deliver.
func (p *pendingRequest) unprotectAndDeliver(m *message.Message) {
	if p.oscoreSC != nil {
		plain, _, _, err := p.oscoreSC.Unprotect(m, p.oscoreReqKid, p.oscoreReqPIV)
		if err != nil {
			p.fail(err)
			return
		}
		m = plain
	}
	p.deliver(m)
}

func (p *pendingRequest) deliver(m *message.Message) {
	if p.observing {
		if v, ok := m.Options.GetUint(message.Observe); ok {
			if !p.obsClient.Accept(v, time.Now()) {
				return
			}
		}
		select {
		case p.notifications <- m:
		default:
		}
		p.once.Do(func() { p.result <- Result{Response: m} })
		return
	}
	p.once.Do(func() { p.result <- Result{Response: m} })
}

func (p *pendingRequest) fail(err error) {
	p.once.Do(func() { p.result <- Result{Err: err} })
	if p.notifications != nil {
		close(p.notifications)
	}
}
