// Package router dispatches operator commands from transport updates to
// registered handlers through a bounded worker pool.
package router

import (
	"context"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "relaybot/internal/runtime/supervisor"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is the command word without the leading slash, e.g. "broadcast".
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	ChatID  int64
	FromID  int64
	Command string
	Args    []string

	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Transport kit.Transport
	Logger    logx.Logger
	Owners    []int64
}

// Reply sends text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.Transport.Send(ctx, strconv.FormatInt(r.ChatID, 10), kit.SendPayload{Text: text})
}

type Manager struct {
	mu     sync.RWMutex
	cmds   map[string]*Command
	alias  map[string]string // alias -> canonical route
	owners []int64

	log logx.Logger
	tr  kit.Transport

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewManager(log logx.Logger, tr kit.Transport, owners []int64) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	// copy to avoid callers mutating the slice after construction
	ownCopy := append([]int64(nil), owners...)
	return &Manager{
		cmds:   map[string]*Command{},
		alias:  map[string]string{},
		owners: ownCopy,
		log:    log,
		tr:     tr,
		jobs:   make(chan func(), 256),
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (m *Manager) SetOwners(owners []int64) {
	ownCopy := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = ownCopy
	m.mu.Unlock()
}

func (m *Manager) ownersSnapshot() []int64 {
	m.mu.RLock()
	cp := append([]int64(nil), m.owners...)
	m.mu.RUnlock()
	return cp
}

// Register installs the command set, always injecting /help.
func (m *Manager) Register(cmds []Command) {
	helper := Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show available commands",
		Usage:       "/help [cmd]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args))
		},
	}
	cmds = append(cmds, helper)

	reg := map[string]*Command{}
	alias := map[string]string{}
	for _, c := range cmds {
		route := strings.TrimSpace(c.Route)
		if route == "" || c.Handle == nil {
			continue
		}
		cc := c
		reg[route] = &cc
		for _, a := range cc.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = route
		}
	}

	m.mu.Lock()
	m.cmds = reg
	m.alias = alias
	m.mu.Unlock()
}

// Supervisor returns the dispatcher's internal supervisor (nil if not running).
func (m *Manager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *Manager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (m *Manager) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is done or the channel closes.
// Handlers run on a bounded worker pool so one slow command never stalls the
// update stream.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)

	m.log.Info("command dispatcher started",
		logx.Int("workers", workers),
		logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.Go0("command.worker."+strconv.Itoa(idx), func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case job, ok := <-m.jobs:
					if !ok {
						return
					}
					if job != nil {
						job()
					}
				}
			}
		})
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				m.log.Info("command dispatcher stopped (updates channel closed)")
				return nil
			}
			m.routeMessage(ctx, up)
		}
	}
}

func (m *Manager) routeMessage(root context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	m.mu.RLock()
	if canonical, ok := m.alias[word]; ok {
		word = canonical
	}
	cmdPtr := m.cmds[word]
	m.mu.RUnlock()

	if cmdPtr == nil {
		_ = m.replyTo(root, msg.ChatID, "unknown command. try /help")
		return
	}
	cmd := *cmdPtr

	owners := m.ownersSnapshot()
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		_ = m.replyTo(root, msg.ChatID, "unauthorized")
		return
	}

	pos, flags, bools := parseFlags(args)

	rid := newReqID()
	reqLog := m.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", cmd.Route),
	)

	req := &Request{
		Update:    up,
		ChatID:    msg.ChatID,
		FromID:    msg.FromID,
		Command:   cmd.Route,
		Args:      pos,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Transport: m.tr,
		Logger:    reqLog,
		Owners:    owners,
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(cmd.Timeout),
	)

	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		_ = m.replyTo(root, msg.ChatID, "busy, try again")
	}
}

func (m *Manager) replyTo(ctx context.Context, chatID int64, text string) error {
	return m.tr.Send(ctx, strconv.FormatInt(chatID, 10), kit.SendPayload{Text: text})
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
