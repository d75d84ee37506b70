package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/events"
	"github.com/mlsysops/continuum/pkg/log"
)

const (
	// ExchangeMethod is the full name of the bidirectional message stream
	ExchangeMethod = "/mlsysops.Transport/Exchange"

	helloEvent events.EventType = "TRANSPORT_HELLO"
)

// jsonCodec carries envelopes as JSON; the payload is already JSON
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

type exchangeService interface {
	exchange(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "mlsysops.Transport",
	HandlerType: (*exchangeService)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "mlsysops/transport",
}

func exchangeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(exchangeService).exchange(stream)
}

// Server accepts streams from child agents. Each child identifies itself with
// a hello frame; later sends address it by that id.
type Server struct {
	id      string
	grpc    *grpc.Server
	inbound chan *events.Message
	logger  zerolog.Logger

	mu    sync.RWMutex
	peers map[string]*peer

	// OnPeer is called after a child attaches
	OnPeer func(id string)
}

type peer struct {
	id     string
	out    chan *events.Message
	closed chan struct{}
}

// type check: Server implements Transport
var _ Transport = &Server{}

// NewServer creates a server for the agent id
func NewServer(id string, opts ...grpc.ServerOption) *Server {
	s := &Server{
		id:      id,
		inbound: make(chan *events.Message, 256),
		logger:  log.WithComponent("transport").With().Str("server", id).Logger(),
		peers:   make(map[string]*peer),
	}
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts connections on lis until Close
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Transport listening")
	return s.grpc.Serve(lis)
}

// Listen binds addr and serves in the background
func (s *Server) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			s.logger.Error().Err(err).Msg("Transport server stopped")
		}
	}()
	return nil
}

// Peers returns the ids of attached children
func (s *Server) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) exchange(stream grpc.ServerStream) error {
	hello := &events.Message{}
	if err := stream.RecvMsg(hello); err != nil {
		return err
	}
	if hello.Event != helloEvent || hello.From == "" {
		return errdefs.Wrap(errdefs.ErrValidationFailed, "expected hello frame, got %s", hello.Event)
	}

	p := &peer{id: hello.From, out: make(chan *events.Message, 256), closed: make(chan struct{})}
	s.mu.Lock()
	if old, ok := s.peers[p.id]; ok {
		close(old.closed)
	}
	s.peers[p.id] = p
	s.mu.Unlock()
	s.logger.Info().Str("peer", p.id).Msg("Peer attached")

	defer func() {
		s.mu.Lock()
		if s.peers[p.id] == p {
			delete(s.peers, p.id)
			close(p.closed)
		}
		s.mu.Unlock()
		s.logger.Info().Str("peer", p.id).Msg("Peer detached")
	}()

	if s.OnPeer != nil {
		go s.OnPeer(p.id)
	}

	ctx := stream.Context()
	sendErr := make(chan error, 1)
	go func() {
		for {
			select {
			case msg := <-p.out:
				if err := stream.SendMsg(msg); err != nil {
					sendErr <- err
					return
				}
			case <-p.closed:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		msg := &events.Message{}
		if err := stream.RecvMsg(msg); err != nil {
			return nil
		}
		msg.From = p.id
		select {
		case s.inbound <- msg:
		case err := <-sendErr:
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) ID() string { return s.id }

// Send queues msg for the child to. An unknown or detached child is
// ErrNotFound; the child resynchronises when it attaches again.
func (s *Server) Send(ctx context.Context, to string, msg *events.Message) error {
	s.mu.RLock()
	p, ok := s.peers[to]
	s.mu.RUnlock()
	if !ok {
		return errdefs.Wrap(errdefs.ErrNotFound, "peer %s not attached", to)
	}

	out := *msg
	out.From = s.id
	out.To = to
	select {
	case p.out <- &out:
		return nil
	case <-p.closed:
		return errdefs.Wrap(errdefs.ErrNotFound, "peer %s detached", to)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) Inbound() <-chan *events.Message { return s.inbound }

func (s *Server) Close() error {
	s.grpc.Stop()
	return nil
}

// Client is the upward connection of a child agent. It reconnects with a
// fixed backoff and calls OnConnect after every (re)attach.
type Client struct {
	id      string
	target  string
	conn    *grpc.ClientConn
	inbound chan *events.Message
	backoff time.Duration
	logger  zerolog.Logger

	onConnect func()

	mu     sync.Mutex
	stream grpc.ClientStream
	ready  chan struct{}
	sendMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// ClientOption configures Dial
type ClientOption func(*clientOptions)

type clientOptions struct {
	dialOpts  []grpc.DialOption
	onConnect func()
	backoff   time.Duration
}

// WithDialOptions adds grpc dial options
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(o *clientOptions) { o.dialOpts = append(o.dialOpts, opts...) }
}

// WithOnConnect registers a callback run after every successful attach
func WithOnConnect(f func()) ClientOption {
	return func(o *clientOptions) { o.onConnect = f }
}

// WithBackoff sets the reconnect delay (default 2s)
func WithBackoff(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.backoff = d }
}

// type check: Client implements Transport
var _ Transport = &Client{}

// Dial connects the agent id to the parent at target. The connection is
// established in the background; Send waits for it.
func Dial(target, id string, opts ...ClientOption) (*Client, error) {
	o := &clientOptions{backoff: 2 * time.Second}
	for _, opt := range opts {
		opt(o)
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}, o.dialOpts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:        id,
		target:    target,
		conn:      conn,
		inbound:   make(chan *events.Message, 256),
		backoff:   o.backoff,
		logger:    log.WithComponent("transport").With().Str("client", id).Str("target", target).Logger(),
		onConnect: o.onConnect,
		ready:     make(chan struct{}),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go c.run(ctx)
	return c, nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	for {
		stream, err := c.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug().Err(err).Msg("Attach failed")
		} else {
			c.setStream(stream)
			c.logger.Info().Msg("Attached to parent")
			if c.onConnect != nil {
				go c.onConnect()
			}
			c.recv(ctx, stream)
			c.setStream(nil)
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Msg("Detached from parent, reconnecting")
		}

		select {
		case <-time.After(c.backoff):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) open(ctx context.Context) (grpc.ClientStream, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], ExchangeMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&events.Message{Event: helloEvent, From: c.id, Timestamp: time.Now()}); err != nil {
		return nil, err
	}
	return stream, nil
}

func (c *Client) recv(ctx context.Context, stream grpc.ClientStream) {
	for {
		msg := &events.Message{}
		if err := stream.RecvMsg(msg); err != nil {
			return
		}
		select {
		case c.inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) setStream(stream grpc.ClientStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = stream
	if stream != nil {
		close(c.ready)
	} else {
		c.ready = make(chan struct{})
	}
}

func (c *Client) current() (grpc.ClientStream, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream, c.ready
}

func (c *Client) ID() string { return c.id }

// Send writes msg on the stream, waiting for a connection if needed
func (c *Client) Send(ctx context.Context, to string, msg *events.Message) error {
	out := *msg
	out.From = c.id
	out.To = to

	for {
		stream, ready := c.current()
		if stream != nil {
			c.sendMu.Lock()
			err := stream.SendMsg(&out)
			c.sendMu.Unlock()
			if err != nil {
				return errdefs.Wrap(errdefs.ErrTransientAPI, "send to %s: %v", c.target, err)
			}
			return nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) Inbound() <-chan *events.Message { return c.inbound }

func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return c.conn.Close()
}
