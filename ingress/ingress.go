// Package ingress implements the Unix domain socket input adapter. External
// sensors write framed sensations to the socket; each frame is persisted
// idempotently and routed to subscribed distillers.
//
// Frame format, one frame per stanza:
//
//	/chat/visitor
//	I feel lonely
//	---
//
// The first line is the source path, subsequent lines are the sensation
// text, and a lone "---" terminates the frame. A connection may carry any
// number of frames.
package ingress

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/daringsby/psyche/core"
	"github.com/daringsby/psyche/logging"
)

// frameTerminator ends one sensation frame.
const frameTerminator = "---"

// Options configures a Server.
type Options struct {
	// MaxLineBytes bounds a single frame line.
	MaxLineBytes int
	// Health tracks consecutive ingest failures.
	Health *core.HealthTracker
}

// route pairs a source path prefix with its consumer.
type route struct {
	prefix string
	fn     func(core.Sensation)
}

// Server listens on a Unix socket, decodes sensation frames, persists each
// sensation and fans it out to every matching route. It satisfies the
// runner Unit contract.
type Server struct {
	socketPath string
	store      core.Store
	logger     *logging.PsycheLogger
	opts       Options

	mu     sync.Mutex
	routes []route
}

// NewServer creates the adapter for the given socket path.
func NewServer(socketPath string, store core.Store, logger *logging.PsycheLogger, optFns ...func(o *Options)) *Server {
	opts := Options{MaxLineBytes: 1 << 20}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Health == nil {
		opts.Health = core.NewHealthTracker(0)
	}
	if logger == nil {
		logger = logging.NewLogger(nil)
	}
	return &Server{
		socketPath: socketPath,
		store:      store,
		logger:     logger.WithUnit("ingress"),
		opts:       opts,
	}
}

// Name implements the unit contract.
func (s *Server) Name() string { return "ingress" }

// Route subscribes fn to sensations whose source path starts with prefix
// ("" matches everything). Call before Run.
func (s *Server) Route(prefix string, fn func(core.Sensation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = append(s.routes, route{prefix: strings.Trim(prefix, "/"), fn: fn})
}

// Run listens until ctx is cancelled. A stale socket file from a previous
// run is removed before binding.
func (s *Server) Run(ctx context.Context) error {
	if err := removeStaleSocket(s.socketPath); err != nil {
		return err
	}
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ingress listen on %s: %w", s.socketPath, err)
	}
	s.logger.Info("ingress.listening", "socket", s.socketPath)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})
	g.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("ingress accept: %w", err)
			}
			g.Go(func() error {
				defer conn.Close()
				s.serveConn(ctx, conn)
				return nil
			})
		}
	})
	err = g.Wait()
	_ = os.Remove(s.socketPath)
	return err
}

// serveConn decodes frames until EOF or cancellation. A malformed frame
// poisons only its own connection, never the server.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), s.opts.MaxLineBytes)

	for {
		frame, err := readFrame(scanner)
		if err != nil {
			if !errors.Is(err, errNoFrame) && ctx.Err() == nil {
				s.logger.Warn("ingress.bad_frame", "error", err.Error())
			}
			return
		}
		s.ingest(ctx, frame.path, frame.text)
	}
}

var errNoFrame = errors.New("no frame")

type frame struct {
	path string
	text string
}

// readFrame reads one path line plus body lines up to the terminator.
func readFrame(scanner *bufio.Scanner) (frame, error) {
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return frame{}, err
		}
		return frame{}, errNoFrame
	}
	path := strings.TrimSpace(scanner.Text())
	if path == "" {
		return frame{}, fmt.Errorf("frame missing source path")
	}

	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frameTerminator {
			return frame{path: path, text: strings.TrimSpace(strings.Join(lines, "\n"))}, nil
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return frame{}, err
	}
	return frame{}, fmt.Errorf("frame for %s not terminated", path)
}

// ingest persists the sensation idempotently and routes it. A duplicate
// (same source, text and second) is dropped without re-routing, which is
// what makes sensor retries safe.
func (s *Server) ingest(ctx context.Context, path, text string) {
	if text == "" {
		return
	}
	sensation := core.NewSensation(core.ParseSource(path), text)

	ictx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, exists, err := s.store.Find(ictx, core.KindSensation, sensation.DedupKey()); err != nil {
		s.opts.Health.Failure()
		s.logger.Error("ingress.store_read_failed", "error", err.Error())
	} else if exists {
		s.logger.Debug("ingress.duplicate_dropped", "source", sensation.Source.String())
		return
	}
	if err := s.store.Insert(ictx, sensation); err != nil {
		// Best-effort: the sensation still flows through the pipeline.
		s.opts.Health.Failure()
		s.logger.Error("ingress.store_write_failed", "error", err.Error())
	} else {
		s.opts.Health.Success()
	}

	matched := false
	s.mu.Lock()
	routes := s.routes
	s.mu.Unlock()
	for _, r := range routes {
		if r.prefix == "" || strings.HasPrefix(strings.Trim(path, "/"), r.prefix) {
			matched = true
			r.fn(sensation)
		}
	}
	if !matched {
		s.logger.Warn("ingress.unrouted", "source", sensation.Source.String())
	}
}

// removeStaleSocket unlinks a leftover socket file; anything else at the
// path is an error.
func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}
