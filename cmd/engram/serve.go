package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/engram/pkg/bus"
	"github.com/dotsetgreg/engram/pkg/logger"
	"github.com/dotsetgreg/engram/pkg/memory"
)

const maxRequestBytes = 4 * 1024 * 1024

// serveRequest is one line of the serve protocol. Budget and MaxUnits fall
// back to the engine defaults when omitted; an explicit 0 retrieves nothing.
type serveRequest struct {
	ID             string    `json:"id,omitempty"`
	Op             string    `json:"op"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Turn           *wireTurn `json:"turn,omitempty"`
	Query          string    `json:"query,omitempty"`
	Budget         *int      `json:"budget,omitempty"`
	MaxUnits       *int      `json:"max_units,omitempty"`
}

type serveResponse struct {
	ID      string      `json:"id,omitempty"`
	Op      string      `json:"op"`
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Warning string      `json:"warning,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

type retrieveResult struct {
	Context string       `json:"context"`
	Engrams []wireEngram `json:"engrams"`
}

// server answers serve requests. Requests for one conversation are handled
// in arrival order on that conversation's lane; lanes run concurrently.
type server struct {
	engine *memory.Engine

	writeMu sync.Mutex
	enc     *json.Encoder

	lanes map[string]*lane
	wg    sync.WaitGroup
}

// lane is one conversation's request queue. push never blocks, so a
// conversation stuck in consolidation cannot stall the reader or other
// lanes.
type lane struct {
	mu     sync.Mutex
	queue  []serveRequest
	closed bool
	wake   chan struct{}
}

func newLane() *lane {
	return &lane{wake: make(chan struct{}, 1)}
}

func (l *lane) push(req serveRequest) {
	l.mu.Lock()
	l.queue = append(l.queue, req)
	l.mu.Unlock()
	l.signal()
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// next blocks until a request is queued. It reports false once the lane
// is closed and empty.
func (l *lane) next() (serveRequest, bool) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			req := l.queue[0]
			l.queue[0] = serveRequest{}
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return req, true
		}
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return serveRequest{}, false
		}
		<-l.wake
	}
}

func newServer(engine *memory.Engine, out io.Writer) *server {
	return &server{
		engine: engine,
		enc:    json.NewEncoder(out),
		lanes:  make(map[string]*lane),
	}
}

// emit writes one JSON line. Safe for concurrent use.
func (s *server) emit(v interface{}) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.enc.Encode(v); err != nil {
		logger.WarnCF("serve", "Failed to write reply", map[string]interface{}{"error": err.Error()})
	}
}

// emitEvent forwards a bus event to the client.
func (s *server) emitEvent(ev bus.Event) {
	s.emit(struct {
		Event bus.Event `json:"event"`
	}{Event: ev})
}

// run reads requests until EOF or ctx is done, then waits for every queued
// request to be answered.
func (s *server) run(ctx context.Context, in io.Reader) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxRequestBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	defer s.drain()
	for {
		select {
		case <-ctx.Done():
			logger.InfoCF("serve", "Shutting down", nil)
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("read requests: %w", err)
					}
				default:
				}
				return nil
			}
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			var req serveRequest
			if err := json.Unmarshal(line, &req); err != nil {
				s.emit(serveResponse{Error: "decode request: " + err.Error()})
				continue
			}
			s.enqueue(ctx, req)
		}
	}
}

func (s *server) enqueue(ctx context.Context, req serveRequest) {
	l, ok := s.lanes[req.ConversationID]
	if !ok {
		l = newLane()
		s.lanes[req.ConversationID] = l
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				r, ok := l.next()
				if !ok {
					return
				}
				if ctx.Err() != nil {
					s.emit(serveResponse{ID: r.ID, Op: r.Op, Error: "server shutting down"})
					continue
				}
				s.emit(s.handle(ctx, r))
			}
		}()
	}
	l.push(req)
}

// drain closes every lane and waits until queued requests are answered.
func (s *server) drain() {
	for id, l := range s.lanes {
		l.close()
		delete(s.lanes, id)
	}
	s.wg.Wait()
	if pending := s.engine.Buffered(); len(pending) > 0 {
		sort.Strings(pending)
		logger.InfoCF("serve", "Unconsolidated turns left buffered", map[string]interface{}{
			"conversations": pending,
		})
	}
}

func (s *server) handle(ctx context.Context, req serveRequest) serveResponse {
	resp := serveResponse{ID: req.ID, Op: req.Op}
	result, warning, err := s.dispatch(ctx, req)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.OK = true
	resp.Result = result
	resp.Warning = warning
	return resp
}

var errMissingConversation = errors.New("conversation_id is required")

// dispatch runs one request. A warning means the op succeeded but left
// work deferred, such as a consolidation that will be retried.
func (s *server) dispatch(ctx context.Context, req serveRequest) (result interface{}, warning string, err error) {
	cfg := s.engine.Config()
	needsConversation := req.Op != "prune"
	if needsConversation && strings.TrimSpace(req.ConversationID) == "" {
		return nil, "", errMissingConversation
	}

	switch req.Op {
	case "turn":
		if req.Turn == nil {
			return nil, "", errors.New("turn is required")
		}
		res, warn := s.engine.Ingest(ctx, req.ConversationID, req.Turn.toTurn())
		if errors.Is(warn, memory.ErrEngineClosed) || errors.Is(warn, memory.ErrTurnNotAccepted) {
			return nil, "", warn
		}
		if warn != nil {
			warning = warn.Error()
		}
		return toWireIngest(res), warning, nil
	case "retrieve":
		budget, maxUnits := cfg.DefaultBudget, cfg.DefaultMaxUnits
		if req.Budget != nil {
			budget = *req.Budget
		}
		if req.MaxUnits != nil {
			maxUnits = *req.MaxUnits
		}
		units := s.engine.RetrieveContext(ctx, req.ConversationID, req.Query, budget, maxUnits)
		return retrieveResult{
			Context: memory.FormatContext(units, time.Now()),
			Engrams: toWireEngrams(units),
		}, "", nil
	case "flush":
		saved, err := s.engine.Flush(ctx, req.ConversationID)
		if err != nil {
			return nil, "", err
		}
		if saved == nil {
			return nil, "", nil
		}
		return toWireEngram(*saved), "", nil
	case "stats":
		st, err := s.engine.Stats(ctx, req.ConversationID)
		if err != nil {
			return nil, "", err
		}
		return toWireStats(st), "", nil
	case "delete":
		n, err := s.engine.DeleteConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, "", err
		}
		return map[string]int{"deleted": n}, "", nil
	case "prune":
		n, err := s.engine.Prune(ctx)
		if err != nil {
			return nil, "", err
		}
		return map[string]int{"tombstoned": n}, "", nil
	case "":
		return nil, "", errors.New("op is required")
	default:
		return nil, "", fmt.Errorf("unknown op %q", req.Op)
	}
}
