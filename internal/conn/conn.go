package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/arohanajit/simplecql/internal/protocol"
)

// MaxStreams is the number of stream ids a connection multiplexes
const MaxStreams = 1024

var (
	ErrClosed       = errors.New("connection closed")
	ErrAuthRequired = errors.New("server requires authentication but no credentials are configured")
	// ErrStreamsExhausted fails a connection whose stream ids are held by requests the node never answered
	ErrStreamsExhausted = errors.New("stream ids exhausted by unanswered requests")
)

// Options configure a connection
type Options struct {
	Keyspace       string
	Compressor     protocol.Compressor
	Username       string
	Password       string
	ConnectTimeout time.Duration
	// MaxInFlight bounds concurrent requests reserved through TryReserve
	MaxInFlight int
	// MaxOrphaned is how many abandoned requests may wait for a late
	// response before the connection is failed. Defaults to MaxStreams/2.
	MaxOrphaned int
	Logger      *zap.Logger
}

type call struct {
	resp chan message.Message
	// set when the caller gave up waiting; guarded by Conn.mu
	orphaned bool
}

// Conn is one multiplexed transport connection to a node. Requests are
// matched to responses by stream id; a reader goroutine owns the socket reads.
type Conn struct {
	addr    string
	netConn net.Conn
	codec   *protocol.Codec
	logger  *zap.Logger

	writeMu     sync.Mutex
	compressing atomic.Bool

	mu          sync.Mutex
	calls       map[int16]*call
	streams     chan int16
	orphans     int
	maxOrphaned int

	inFlight    atomic.Int32
	maxInFlight int32

	events chan message.Message

	closed    chan struct{}
	closeOnce sync.Once
	err       error
	wg        sync.WaitGroup
}

// Dial opens a connection, performs the STARTUP handshake (authenticating if
// asked) and switches to the keyspace when one is configured.
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxInFlight <= 0 || opts.MaxInFlight > MaxStreams-1 {
		opts.MaxInFlight = MaxStreams - 1
	}
	if opts.MaxOrphaned <= 0 || opts.MaxOrphaned > MaxStreams-1 {
		opts.MaxOrphaned = MaxStreams / 2
	}

	dialCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	var d net.Dialer
	nc, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "dial %s", addr)
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	c := newConn(addr, nc, opts)
	c.wg.Add(1)
	go c.readLoop()

	if err := c.startup(dialCtx, opts); err != nil {
		c.Close()
		return nil, err
	}
	if opts.Keyspace != "" {
		if err := c.UseKeyspace(dialCtx, opts.Keyspace); err != nil {
			c.Close()
			return nil, err
		}
	}

	c.logger.Debug("Connection established", zap.Bool("compression", opts.Compressor != nil))
	return c, nil
}

func newConn(addr string, nc net.Conn, opts Options) *Conn {
	c := &Conn{
		addr:        addr,
		netConn:     nc,
		codec:       protocol.NewCodec(opts.Compressor),
		logger:      opts.Logger.With(zap.String("host", addr)),
		calls:       make(map[int16]*call),
		streams:     make(chan int16, MaxStreams),
		maxInFlight: int32(opts.MaxInFlight),
		maxOrphaned: opts.MaxOrphaned,
		events:      make(chan message.Message, 64),
		closed:      make(chan struct{}),
	}
	// stream 0 is left unused so a zero id always indicates a bug
	for i := 1; i < MaxStreams; i++ {
		c.streams <- int16(i)
	}
	return c
}

func (c *Conn) startup(ctx context.Context, opts Options) error {
	options := map[string]string{"CQL_VERSION": "3.0.0"}
	if opts.Compressor != nil {
		options["COMPRESSION"] = opts.Compressor.Name()
	}

	resp, err := c.Exec(ctx, &message.Startup{Options: options})
	if err != nil {
		return err
	}
	// Everything after STARTUP uses the negotiated compression
	c.compressing.Store(opts.Compressor != nil)

	switch m := resp.(type) {
	case *message.Ready:
		return nil
	case *message.Authenticate:
		return c.authenticate(ctx, m, opts)
	default:
		if err := protocol.Check(c.addr, resp); err != nil {
			return fmt.Errorf("startup rejected: %w", err)
		}
		return fmt.Errorf("unexpected %v in response to STARTUP", resp.GetOpCode())
	}
}

func (c *Conn) authenticate(ctx context.Context, challenge *message.Authenticate, opts Options) error {
	if opts.Username == "" {
		return ErrAuthRequired
	}
	c.logger.Debug("Authenticating", zap.String("authenticator", challenge.Authenticator))

	// SASL PLAIN: authzid, authcid and password separated by NUL
	token := make([]byte, 0, 2+len(opts.Username)+len(opts.Password))
	token = append(token, 0)
	token = append(token, opts.Username...)
	token = append(token, 0)
	token = append(token, opts.Password...)

	resp, err := c.Exec(ctx, &message.AuthResponse{Token: token})
	if err != nil {
		return err
	}
	switch resp.(type) {
	case *message.AuthSuccess:
		return nil
	default:
		if err := protocol.Check(c.addr, resp); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
		return fmt.Errorf("unexpected %v during authentication", resp.GetOpCode())
	}
}

// UseKeyspace switches the connection to keyspace
func (c *Conn) UseKeyspace(ctx context.Context, keyspace string) error {
	resp, err := c.Exec(ctx, &message.Query{
		Query:   fmt.Sprintf("USE %q", keyspace),
		Options: &message.QueryOptions{Consistency: primitive.ConsistencyLevelOne},
	})
	if err != nil {
		return err
	}
	if err := protocol.Check(c.addr, resp); err != nil {
		return err
	}
	if _, ok := resp.(*message.SetKeyspaceResult); !ok {
		return fmt.Errorf("unexpected %v in response to USE", resp.GetOpCode())
	}
	return nil
}

// Register subscribes the connection to server push events, delivered on Events
func (c *Conn) Register(ctx context.Context, types ...primitive.EventType) error {
	resp, err := c.Exec(ctx, &message.Register{EventTypes: types})
	if err != nil {
		return err
	}
	if err := protocol.Check(c.addr, resp); err != nil {
		return err
	}
	if _, ok := resp.(*message.Ready); !ok {
		return fmt.Errorf("unexpected %v in response to REGISTER", resp.GetOpCode())
	}
	return nil
}

// Ping sends OPTIONS and waits for SUPPORTED
func (c *Conn) Ping(ctx context.Context) error {
	resp, err := c.Exec(ctx, &message.Options{})
	if err != nil {
		return err
	}
	if _, ok := resp.(*message.Supported); !ok {
		return fmt.Errorf("unexpected %v in response to OPTIONS", resp.GetOpCode())
	}
	return nil
}

// Exec sends one request and waits for its response. Server errors are
// returned as messages; the error return is reserved for transport failures
// and cancellation.
func (c *Conn) Exec(ctx context.Context, req message.Message) (message.Message, error) {
	var stream int16
	select {
	case stream = <-c.streams:
	case <-c.closed:
		return nil, c.closeErr()
	case <-ctx.Done():
		// every id is held by a request that will never be answered
		if c.orphanCount() > 0 {
			c.fail(ErrStreamsExhausted)
			return nil, c.closeErr()
		}
		return nil, ctx.Err()
	}

	cl := &call{resp: make(chan message.Message, 1)}
	c.mu.Lock()
	c.calls[stream] = cl
	c.mu.Unlock()

	data, err := c.codec.EncodeFrame(stream, req, c.compressing.Load())
	if err != nil {
		c.forget(stream)
		return nil, err
	}

	c.writeMu.Lock()
	_, err = c.netConn.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(pkgerrors.Wrap(err, "write"))
		return nil, c.closeErr()
	}

	select {
	case resp := <-cl.resp:
		return resp, nil
	case <-c.closed:
		return nil, c.closeErr()
	case <-ctx.Done():
		// The stream id stays reserved until the late response arrives
		if c.orphan(stream) {
			return nil, c.closeErr()
		}
		return nil, ctx.Err()
	}
}

// orphan marks the call on stream as abandoned. Too many abandoned calls
// means the node stopped answering and the connection is failed, in which
// case orphan returns true.
func (c *Conn) orphan(stream int16) bool {
	c.mu.Lock()
	cl, ok := c.calls[stream]
	if ok && !cl.orphaned {
		cl.orphaned = true
		c.orphans++
	}
	n := c.orphans
	c.mu.Unlock()

	if n > c.maxOrphaned {
		c.logger.Warn("Too many unanswered requests, closing connection", zap.Int("orphaned", n))
		c.fail(fmt.Errorf("%w: %d requests without a response", ErrStreamsExhausted, n))
		return true
	}
	return false
}

func (c *Conn) orphanCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orphans
}

func (c *Conn) forget(stream int16) {
	c.mu.Lock()
	delete(c.calls, stream)
	c.mu.Unlock()
	c.streams <- stream
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	r := bufio.NewReader(c.netConn)
	for {
		f, err := c.codec.Decode(r)
		if err != nil {
			c.fail(pkgerrors.Wrap(err, "read"))
			return
		}

		stream := f.Header.StreamId
		if stream == protocol.EventStreamID {
			select {
			case c.events <- f.Body.Message:
			default:
				c.logger.Warn("Dropping server event, consumer is not keeping up")
			}
			continue
		}

		c.mu.Lock()
		cl, ok := c.calls[stream]
		delete(c.calls, stream)
		if ok && cl.orphaned {
			c.orphans--
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("Response for unknown stream", zap.Int16("stream", stream))
			continue
		}
		cl.resp <- f.Body.Message
		c.streams <- stream
	}
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.closed)
		c.netConn.Close()
		if !errors.Is(err, ErrClosed) {
			c.logger.Debug("Connection failed", zap.Error(err))
		}
	})
}

func (c *Conn) closeErr() error {
	<-c.closed
	if c.err == nil || errors.Is(c.err, ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %w", ErrClosed, c.err)
}

// Close shuts the connection down and waits for the reader to exit
func (c *Conn) Close() error {
	c.fail(ErrClosed)
	c.wg.Wait()
	return nil
}

// Addr returns the node address the connection is bound to
func (c *Conn) Addr() string { return c.addr }

// Done is closed once the connection is unusable
func (c *Conn) Done() <-chan struct{} { return c.closed }

// IsClosed reports whether the connection has failed or been closed
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Events delivers messages pushed on the event stream after Register
func (c *Conn) Events() <-chan message.Message { return c.events }

// TryReserve claims one request slot if the in-flight bound allows
func (c *Conn) TryReserve() bool {
	for {
		n := c.inFlight.Load()
		if n >= c.maxInFlight {
			return false
		}
		if c.inFlight.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release returns a slot claimed by TryReserve
func (c *Conn) Release() {
	c.inFlight.Add(-1)
}

// InFlight returns the number of reserved request slots
func (c *Conn) InFlight() int {
	return int(c.inFlight.Load())
}

// Orphaned returns the number of abandoned requests still holding a stream id
func (c *Conn) Orphaned() int {
	return c.orphanCount()
}
