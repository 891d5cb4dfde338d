package layer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/unkn0wn-root/cascluster"
	"github.com/unkn0wn-root/cascluster/codec"
	"github.com/unkn0wn-root/cascluster/internal/wire"
	pr "github.com/unkn0wn-root/cascluster/provider"
	"github.com/unkn0wn-root/cascluster/session"
)

const defaultCallTimeout = 30 * time.Second

var errCallTimeout = errors.New("layer: remote call timed out")

// Request is the body of a KindRequest frame.
type Request struct {
	ID       string             `msgpack:"id"`
	Iface    string             `msgpack:"iface"`
	Impl     string             `msgpack:"impl"`
	Method   string             `msgpack:"method"`
	Arg      msgpack.RawMessage `msgpack:"arg"`
	Identity string             `msgpack:"identity"`
	ReplyTo  string             `msgpack:"reply_to"`
}

// Response is the body of a KindResponse frame. Err is set on failure.
type Response struct {
	ID     string             `msgpack:"id"`
	Result msgpack.RawMessage `msgpack:"result"`
	Err    *ErrorDetail       `msgpack:"err,omitempty"`
}

type ErrorDetail struct {
	Kind    string `msgpack:"kind"`
	Message string `msgpack:"message"`
}

// Options configure an Invoker. Only Provider is required.
type Options struct {
	Provider  pr.Provider
	Names     cascluster.Names
	Registry  *Registry  // nil => NewRegistry()
	Directory *Directory // nil => built from Provider, Names, Members and HintTTL
	Members   Members
	HintTTL   time.Duration

	Session     session.Manager // nil => session.ContextManager{}
	CallTimeout time.Duration   // 0 => 30s

	Logger cascluster.Logger
	Hooks  cascluster.Hooks
}

// Result is what a method returned, locally or from another node. Read it
// with As or use Call.
type Result struct {
	value  any
	raw    []byte
	remote bool
}

// Remote reports whether the call crossed the cluster.
func (r Result) Remote() bool { return r.remote }

// As converts a Result to R.
func As[R any](r Result) (R, error) {
	if !r.remote {
		return convert[R](r.value)
	}
	var out R
	if len(r.raw) == 0 {
		return out, nil
	}
	err := msgpack.Unmarshal(r.raw, &out)
	return out, err
}

// Call invokes a method and converts its result to R.
func Call[R any](ctx context.Context, inv *Invoker, iface, impl, method string, arg any) (R, error) {
	res, err := inv.Invoke(ctx, iface, impl, method, arg)
	if err != nil {
		var zero R
		return zero, err
	}
	return As[R](res)
}

type Invoker struct {
	self    string
	p       pr.Provider
	names   cascluster.Names
	reg     *Registry
	dir     *Directory
	ownDir  bool
	sess    session.Manager
	timeout time.Duration
	log     cascluster.Logger
	hooks   cascluster.Hooks

	// ctx bounds request handling; cancelled on Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]chan Response
	replies pr.Subscription
	serving pr.Subscription
	closed  bool
}

func New(opts Options) (*Invoker, error) {
	if opts.Provider == nil {
		return nil, errors.New("layer: provider is required")
	}
	inv := &Invoker{
		self:    opts.Provider.NodeID(),
		p:       opts.Provider,
		names:   opts.Names,
		reg:     opts.Registry,
		dir:     opts.Directory,
		sess:    opts.Session,
		timeout: opts.CallTimeout,
		log:     cascluster.OrNop(opts.Logger),
		hooks:   cascluster.OrNopHooks(opts.Hooks),
		pending: make(map[string]chan Response),
	}
	if inv.reg == nil {
		inv.reg = NewRegistry()
	}
	if inv.sess == nil {
		inv.sess = session.ContextManager{}
	}
	if inv.timeout <= 0 {
		inv.timeout = defaultCallTimeout
	}
	if inv.dir == nil {
		d, err := NewDirectory(DirectoryOptions{
			Provider: opts.Provider,
			Names:    opts.Names,
			Members:  opts.Members,
			HintTTL:  opts.HintTTL,
		})
		if err != nil {
			return nil, err
		}
		inv.dir, inv.ownDir = d, true
	}
	inv.ctx, inv.cancel = context.WithCancel(context.Background())
	return inv, nil
}

func (i *Invoker) Registry() *Registry   { return i.reg }
func (i *Invoker) Directory() *Directory { return i.dir }

// Register adds c to the local registry and announces this node in the
// directory.
func (i *Invoker) Register(ctx context.Context, iface, impl string, c Component) error {
	if err := i.reg.Register(iface, impl, c); err != nil {
		return err
	}
	if err := i.dir.Publish(ctx, Key{iface, impl}); err != nil {
		i.reg.Unregister(iface, impl)
		return err
	}
	return nil
}

func (i *Invoker) Unregister(ctx context.Context, iface, impl string) error {
	i.reg.Unregister(iface, impl)
	return i.dir.Withdraw(ctx, Key{iface, impl})
}

// Invoke runs method on the component registered as (iface, impl): directly
// when it is registered on this node, otherwise on a live node that published
// it. A method error raised remotely is returned as *RemoteError.
func (i *Invoker) Invoke(ctx context.Context, iface, impl, method string, arg any) (Result, error) {
	if c, ok := i.reg.Lookup(iface, impl); ok {
		m, ok := c[method]
		if !ok {
			return Result{}, fmt.Errorf("layer: %s/%s has no method %q: %w", iface, impl, method, cascluster.ErrNotFound)
		}
		var v any
		err := cascluster.Safe(func() (err error) {
			v, err = m.call(ctx, arg)
			return err
		})
		return Result{value: v}, err
	}
	return i.invokeRemote(ctx, Key{iface, impl}, method, arg)
}

func (i *Invoker) invokeRemote(ctx context.Context, k Key, method string, arg any) (Result, error) {
	nodes, err := i.dir.Lookup(ctx, k)
	if err != nil {
		return Result{}, err
	}
	// this node's own entry may outlive a local Unregister
	candidates := nodes[:0:0]
	for _, n := range nodes {
		if n != i.self {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return Result{}, fmt.Errorf("layer: no implementation %s: %w", k, cascluster.ErrNotFound)
	}
	node := candidates[rand.N(len(candidates))]

	if err := i.ensureReplies(ctx); err != nil {
		return Result{}, err
	}
	var rawArg []byte
	if arg != nil {
		if rawArg, err = encode(arg); err != nil {
			return Result{}, fmt.Errorf("layer: argument: %w", err)
		}
	}
	req := Request{
		ID:       uuid.NewString(),
		Iface:    k.Iface,
		Impl:     k.Impl,
		Method:   method,
		Arg:      rawArg,
		Identity: string(i.sess.Current(ctx)),
		ReplyTo:  i.self,
	}
	body, err := codec.Msgpack[Request]{}.Encode(req)
	if err != nil {
		return Result{}, err
	}

	ch := make(chan Response, 1)
	i.mu.Lock()
	i.pending[req.ID] = ch
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		delete(i.pending, req.ID)
		i.mu.Unlock()
	}()

	res, err := i.roundTrip(ctx, node, req, body, ch)
	if err != nil {
		i.hooks.RemoteCallFailed(k.Iface, k.Impl, method, node, err)
	}
	return res, err
}

func (i *Invoker) roundTrip(ctx context.Context, node string, req Request, body []byte, ch <-chan Response) (Result, error) {
	topic, err := i.p.Topic(i.names.LayerRequestsName(node))
	if err != nil {
		return Result{}, err
	}
	frame := wire.EncodeFrame(wire.Frame{Kind: wire.KindRequest, Origin: i.self, Body: body})
	if err := topic.Publish(ctx, frame); err != nil {
		return Result{}, err
	}

	t := time.NewTimer(i.timeout)
	defer t.Stop()
	select {
	case resp := <-ch:
		if resp.Err != nil {
			return Result{}, &RemoteError{Node: node, Kind: resp.Err.Kind, Message: resp.Err.Message}
		}
		return Result{raw: resp.Result, remote: true}, nil
	case <-t.C:
		return Result{}, pr.Unavailable("layer.call", req.Iface+"/"+req.Impl, errCallTimeout)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (i *Invoker) ensureReplies(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return pr.ErrClosed
	}
	if i.replies != nil {
		return nil
	}
	topic, err := i.p.Topic(i.names.LayerRepliesName(i.self))
	if err != nil {
		return err
	}
	sub, err := topic.Subscribe(ctx, i.onReply)
	if err != nil {
		return err
	}
	i.replies = sub
	return nil
}

func (i *Invoker) onReply(raw []byte) {
	f, err := wire.DecodeFrame(raw)
	if err != nil || f.Kind != wire.KindResponse {
		i.log.Warn("layer reply dropped", cascluster.Fields{"node": i.self, "err": err})
		return
	}
	resp, err := codec.Msgpack[Response]{}.Decode(f.Body)
	if err != nil {
		i.log.Warn("layer reply decode failed", cascluster.Fields{"node": i.self, "origin": f.Origin, "err": err})
		return
	}
	i.mu.Lock()
	ch, ok := i.pending[resp.ID]
	i.mu.Unlock()
	if !ok {
		// caller gave up
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// Start begins serving requests addressed to this node. Each request runs on
// its own goroutine.
func (i *Invoker) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return pr.ErrClosed
	}
	if i.serving != nil {
		return nil
	}
	topic, err := i.p.Topic(i.names.LayerRequestsName(i.self))
	if err != nil {
		return err
	}
	sub, err := topic.Subscribe(ctx, i.onRequest)
	if err != nil {
		return err
	}
	i.serving = sub
	i.log.Info("layer invoker serving", cascluster.Fields{"node": i.self, "topic": topic.Name()})
	return nil
}

// Serve is Start, then Close once ctx is done.
func (i *Invoker) Serve(ctx context.Context) error {
	if err := i.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return errors.Join(ctx.Err(), i.Close())
}

func (i *Invoker) onRequest(raw []byte) {
	f, err := wire.DecodeFrame(raw)
	if err != nil || f.Kind != wire.KindRequest {
		i.log.Warn("layer request dropped", cascluster.Fields{"node": i.self, "err": err})
		return
	}
	req, err := codec.Msgpack[Request]{}.Decode(f.Body)
	if err != nil {
		i.log.Warn("layer request decode failed", cascluster.Fields{"node": i.self, "origin": f.Origin, "err": err})
		return
	}
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.wg.Add(1)
	i.mu.Unlock()
	go func() {
		defer i.wg.Done()
		i.reply(req, i.execute(req))
	}()
}

func (i *Invoker) execute(req Request) Response {
	resp := Response{ID: req.ID}
	fail := func(err error) Response {
		resp.Err = &ErrorDetail{Kind: kindOf(err), Message: err.Error()}
		return resp
	}
	c, ok := i.reg.Lookup(req.Iface, req.Impl)
	if !ok {
		return fail(fmt.Errorf("no implementation %s/%s on this node: %w", req.Iface, req.Impl, cascluster.ErrNotFound))
	}
	m, ok := c[req.Method]
	if !ok {
		return fail(fmt.Errorf("%s/%s has no method %q: %w", req.Iface, req.Impl, req.Method, cascluster.ErrNotFound))
	}

	err := session.Run(i.ctx, i.sess, session.Token(req.Identity), func(ctx context.Context) error {
		return cascluster.Safe(func() (err error) {
			resp.Result, err = m.callRaw(ctx, req.Arg)
			return err
		})
	})
	if err != nil {
		i.log.Debug("layer method failed", cascluster.Fields{
			"iface": req.Iface, "impl": req.Impl, "method": req.Method, "caller": req.ReplyTo, "err": err,
		})
		return fail(err)
	}
	return resp
}

func (i *Invoker) reply(req Request, resp Response) {
	body, err := codec.Msgpack[Response]{}.Encode(resp)
	if err != nil {
		body, _ = codec.Msgpack[Response]{}.Encode(Response{
			ID:  req.ID,
			Err: &ErrorDetail{Kind: KindError, Message: "encode result: " + err.Error()},
		})
	}
	ctx := context.WithoutCancel(i.ctx)
	topic, err := i.p.Topic(i.names.LayerRepliesName(req.ReplyTo))
	if err == nil {
		err = topic.Publish(ctx, wire.EncodeFrame(wire.Frame{Kind: wire.KindResponse, Origin: i.self, Body: body}))
	}
	if err != nil {
		i.log.Warn("layer reply failed", cascluster.Fields{"caller": req.ReplyTo, "id": req.ID, "err": err})
	}
}

// Close stops serving, waits for in-flight requests and releases the
// directory cache it created.
func (i *Invoker) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	subs := []pr.Subscription{i.serving, i.replies}
	i.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	i.cancel()
	i.wg.Wait()
	if i.ownDir {
		i.dir.Close()
	}
	return errors.Join(errs...)
}
