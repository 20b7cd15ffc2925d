// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package peers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/flatmax/jrpc-oo"
	"github.com/flatmax/jrpc-oo/expose"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrClosed is reported by a Registry that has been closed.
var ErrClosed = errors.New("registry is closed")

// A Remote is one side of a session with a remote process. A *jrpc.Peer
// provides these operations; see PeerRemote.
type Remote interface {
	// Expose makes the given methods callable by the remote.
	Expose(jrpc.Methods)

	// Invoke calls a method of the remote and returns its result.
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)

	// Upgrade performs the capability handshake and returns the names of the
	// methods exposed by the remote.
	Upgrade(ctx context.Context) ([]string, error)

	// Stop terminates the session.
	Stop() error
}

// PeerRemote adapts a peer to the Remote interface.
func PeerRemote(p *jrpc.Peer) Remote { return peerRemote{p} }

type peerRemote struct{ *jrpc.Peer }

func (p peerRemote) Expose(ms jrpc.Methods) { p.Peer.Expose(ms) }

// Hooks are callbacks invoked by a Registry as sessions change state. Any
// hook may be nil. Hooks are called without locks held, and may call methods
// of the Registry.
type Hooks struct {
	// RemoteUp is called once for each attached session, after it is
	// registered and before its handshake completes.
	RemoteUp func(*Session)

	// RemoteDown is called once for each session removed from the registry,
	// with its ID.
	RemoteDown func(id string)

	// SetupDone is called once for each session, the first time the names it
	// exposes have been bound.
	SetupDone func(*Session)
}

// Options are settings for a Registry. A nil *Options provides defaults as
// described for each field.
type Options struct {
	// Logger receives log records from the registry. The zero value discards
	// logs.
	Logger zerolog.Logger

	// Hooks are callbacks for session state changes.
	Hooks Hooks

	// NewID returns a new unique session ID. If nil, random UUIDs are used.
	NewID func() string

	// NewPeer returns a peer to use as the template for attached sessions.
	// Each attached session runs a clone of the template. If nil, the
	// template is jrpc.NewPeer().
	NewPeer func() *jrpc.Peer

	// RemoteTimeout, if positive, overrides the remote timeout of the
	// template peer.
	RemoteTimeout time.Duration

	// HandshakeTimeout bounds the capability handshake with each session.
	// If zero, the remote timeout of the session applies.
	HandshakeTimeout time.Duration

	// CallRate and CallBurst, if positive, limit the rate of inbound calls
	// accepted from each attached session.
	CallRate  rate.Limit
	CallBurst int

	// Metrics, if non-nil, is where the registry registers its metrics.
	Metrics prometheus.Registerer
}

func (o *Options) logger() zerolog.Logger {
	if o == nil {
		return zerolog.Nop()
	}
	return o.Logger
}

func (o *Options) hooks() Hooks {
	if o == nil {
		return Hooks{}
	}
	return o.Hooks
}

func (o *Options) newID() func() string {
	if o == nil || o.NewID == nil {
		return uuid.NewString
	}
	return o.NewID
}

func (o *Options) template() *jrpc.Peer {
	p := jrpc.NewPeer()
	if o == nil {
		return p
	}
	if o.NewPeer != nil {
		p = o.NewPeer()
	}
	if o.RemoteTimeout > 0 {
		p.SetRemoteTimeout(o.RemoteTimeout)
	}
	if o.CallRate > 0 && o.CallBurst > 0 {
		p.LimitCalls(o.CallRate, o.CallBurst)
	}
	return p
}

func (o *Options) handshakeTimeout() time.Duration {
	if o == nil {
		return 0
	}
	return o.HandshakeTimeout
}

func (o *Options) metrics() prometheus.Registerer {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// A Registry owns a set of sessions with remote processes, keyed by unique
// IDs. It exposes every registered local method map to each session, learns
// the methods each remote exposes, and binds callables for them in its
// Binder and Legacy façade.
type Registry struct {
	log       zerolog.Logger
	hooks     Hooks
	newID     func() string
	template  *jrpc.Peer
	hsTimeout time.Duration
	stats     *registryMetrics
	binder    *Binder
	legacy    *Legacy
	tasks     *taskgroup.Group

	μ        sync.Mutex
	sessions map[string]*Session
	local    []jrpc.Methods
	closed   bool
}

// NewRegistry constructs a new empty Registry.
func NewRegistry(opts *Options) *Registry {
	r := &Registry{
		log:       opts.logger(),
		hooks:     opts.hooks(),
		newID:     opts.newID(),
		template:  opts.template(),
		hsTimeout: opts.handshakeTimeout(),
		stats:     newRegistryMetrics(opts.metrics()),
		binder:    NewBinder(),
		legacy:    NewLegacy(),
		tasks:     taskgroup.New(nil),
		sessions:  make(map[string]*Session),
	}
	r.binder.onCall = r.stats.aggregateDone
	return r
}

// A Session is one remote registered with a Registry.
type Session struct {
	id     string
	remote Remote
	peer   *jrpc.Peer // nil if the remote is not a peer
	reg    *Registry

	setup   sync.Once
	exposed bool // local maps have been pushed; guarded by reg.μ
}

// ID returns the unique identifier of s.
func (s *Session) ID() string { return s.id }

// Remote returns the remote of s.
func (s *Session) Remote() Remote { return s.remote }

// Peer returns the peer of s, or nil if s was not attached from a channel.
func (s *Session) Peer() *jrpc.Peer { return s.peer }

// Names returns the remote method names bound for s, in order.
func (s *Session) Names() []string { return s.reg.binder.SessionNames(s.id) }

// Call calls the named method on the remote of s alone. It reports an error
// wrapping ErrUndefined if s has not announced the name.
func (s *Session) Call(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	fn, ok := s.reg.binder.Session(s.id, name)
	if !ok {
		return nil, fmt.Errorf("session %s: %s: %w", s.id, name, ErrUndefined)
	}
	return fn(ctx, args...)
}

type sessionContextKey struct{}

// ContextSession returns the session associated with ctx, or nil. The context
// passed to a method called by the remote of an attached session has this
// value.
func ContextSession(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionContextKey{}).(*Session)
	return s
}

// AddSession registers a new session for r and returns it. The session does
// not receive the local method maps, including those registered later, and
// no hooks fire; use AttachRemote for that.
func (r *Registry) AddSession(remote Remote) (*Session, error) {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.addSessionLocked(remote, nil)
}

func (r *Registry) addSessionLocked(remote Remote, peer *jrpc.Peer) (*Session, error) {
	if r.closed {
		return nil, ErrClosed
	}
	id := r.newID()
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("duplicate session ID %q", id)
	}
	s := &Session{id: id, remote: remote, peer: peer, reg: r}
	r.sessions[id] = s
	r.stats.live.Inc()
	r.stats.total.Inc()
	return s, nil
}

// Attach starts a session over ch. It starts a clone of the template peer
// on ch, registers it, fires the RemoteUp hook, exposes every registered
// method map to it, and starts the capability handshake in the background.
// When the channel closes, the session is removed.
func (r *Registry) Attach(ch jrpc.Channel) (*Session, error) {
	peer := r.template.Clone()

	r.μ.Lock()
	s, err := r.addSessionLocked(PeerRemote(peer), peer)
	r.μ.Unlock()
	if err != nil {
		ch.Close()
		return nil, err
	}
	log := r.log.With().Str("session", s.id).Logger()

	peer.NewContext(func() context.Context {
		ctx := log.WithContext(context.Background())
		return context.WithValue(ctx, sessionContextKey{}, s)
	}).OnAnnounce(func(names []string) {
		log.Debug().Strs("names", names).Msg("remote announced components")
		r.bind(s, names)
	}).OnExit(func(err error) {
		if err != nil {
			log.Warn().Err(err).Msg("session failed")
		}
		// The peer cannot be stopped from its own exit callback.
		r.tasks.Go(func() error { r.RemoveSession(s.id); return nil })
	})
	if !r.attach(s, func() {
		peer.Start(ch)
		log.Info().Msg("session attached")
	}) {
		ch.Close()
	}
	return s, nil
}

// AttachRemote registers remote as a new session and sets it up as Attach
// does. The caller is responsible for calling RemoveSession when the remote
// disconnects.
func (r *Registry) AttachRemote(remote Remote) (*Session, error) {
	s, err := r.AddSession(remote)
	if err != nil {
		return nil, err
	}
	r.attach(s, nil)
	return s, nil
}

// attach fires the RemoteUp hook for s, exposes the local method maps to it,
// calls start if it is not nil, and starts the handshake. It reports false
// without calling start if s was removed while the hook ran.
func (r *Registry) attach(s *Session, start func()) bool {
	if h := r.hooks.RemoteUp; h != nil {
		h(s)
	}

	r.μ.Lock()
	if _, ok := r.sessions[s.id]; !ok {
		r.μ.Unlock()
		return false
	}
	for _, ms := range r.local {
		s.remote.Expose(ms)
	}
	s.exposed = true
	r.μ.Unlock()

	if start != nil {
		start()
	}
	r.tasks.Go(func() error { r.handshake(s); return nil })
	return true
}

// handshake runs the capability handshake with s and binds the names it
// reports. A failure is logged, and leaves s registered with no names.
func (r *Registry) handshake(s *Session) {
	ctx := context.Background()
	if r.hsTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.hsTimeout)
		defer cancel()
	}
	names, err := s.remote.Upgrade(ctx)
	if err != nil {
		r.stats.hsFailed.Inc()
		r.log.Error().Err(err).Str("session", s.id).Msg("handshake failed")
		return
	}
	r.log.Debug().Str("session", s.id).Strs("names", names).Msg("handshake complete")
	r.bind(s, names)
}

// bind records that s exposes names, unless s has been removed. Every
// announced name is offered to the legacy façade, so a name dropped there is
// restored when s announces it again.
func (r *Registry) bind(s *Session, names []string) {
	r.μ.Lock()
	if _, ok := r.sessions[s.id]; !ok {
		r.μ.Unlock()
		return
	}
	r.binder.Bind(s.id, s.remote, names)
	r.legacy.Bind(s.id, names, func(name string) (Func, bool) {
		return r.binder.Session(s.id, name)
	})
	r.μ.Unlock()

	if h := r.hooks.SetupDone; h != nil {
		s.setup.Do(func() { h(s) })
	}
}

// RegisterClass exposes the methods of target, as found by expose.Class with
// the given name, to all current and future sessions.
func (r *Registry) RegisterClass(target any, name string) error {
	return r.Register(expose.Class(target, name))
}

// Register exposes ms to all current and future sessions. Each live session
// receives ms exactly once, and is then sent a fresh handshake in the
// background so its remote learns the new names. Sessions whose setup has not
// yet reached the point of exposing local maps receive ms during setup.
func (r *Registry) Register(ms jrpc.Methods) error {
	r.μ.Lock()
	if r.closed {
		r.μ.Unlock()
		return ErrClosed
	}
	r.local = append(r.local, ms)
	var live []*Session
	for _, s := range r.sessions {
		if s.exposed {
			s.remote.Expose(ms)
			live = append(live, s)
		}
	}
	r.μ.Unlock()

	for _, s := range live {
		r.tasks.Go(func() error { r.handshake(s); return nil })
	}
	return nil
}

// Exposed returns the qualified names of all registered local methods, in
// order.
func (r *Registry) Exposed() []string {
	r.μ.Lock()
	defer r.μ.Unlock()
	var out []string
	for _, ms := range r.local {
		out = append(out, ms.Names()...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// RemoveSession removes the session with the given ID, discards its
// callables, stops its remote, and fires the RemoteDown hook. It reports
// whether the session was present; removing an absent session has no effect.
func (r *Registry) RemoveSession(id string) bool {
	r.μ.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.μ.Unlock()
		return false
	}
	delete(r.sessions, id)
	r.binder.Drop(id)
	r.legacy.Drop(id)
	r.stats.live.Dec()
	r.μ.Unlock()

	if err := s.remote.Stop(); err != nil {
		r.log.Debug().Err(err).Str("session", id).Msg("stopped session")
	}
	r.log.Info().Str("session", id).Msg("session removed")
	if h := r.hooks.RemoteDown; h != nil {
		h(id)
	}
	return true
}

// Session returns the live session with the given ID, or nil.
func (r *Registry) Session(id string) *Session {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.sessions[id]
}

// Sessions returns the IDs of the live sessions, in order.
func (r *Registry) Sessions() []string {
	r.μ.Lock()
	defer r.μ.Unlock()
	return slices.Sorted(maps.Keys(r.sessions))
}

// Binder returns the binder of r.
func (r *Registry) Binder() *Binder { return r.binder }

// Legacy returns the legacy façade of r.
func (r *Registry) Legacy() *Legacy { return r.legacy }

// Call calls the named method on every session that exposes it, as
// Aggregate.Call does. If no session has ever exposed the name, Call returns
// an empty map and no error.
func (r *Registry) Call(ctx context.Context, name string, args ...any) (map[string]json.RawMessage, error) {
	a, ok := r.binder.Aggregate(name)
	if !ok {
		return map[string]json.RawMessage{}, nil
	}
	return a.Call(ctx, args...)
}

// Server calls the named method through the legacy façade.
func (r *Registry) Server(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	return r.legacy.Call(ctx, name, args...)
}

// Loop attaches a session for each channel accepted from acc, until acc
// closes or ctx ends. Sessions remain attached after Loop returns; call
// Close to stop them.
func (r *Registry) Loop(ctx context.Context, acc Accepter) error {
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if _, err := r.Attach(ch); err != nil {
			return err
		}
	}
}

// Dial opens a WebSocket connection to url and attaches a session over it.
func (r *Registry) Dial(ctx context.Context, url string) (*Session, error) {
	ch, err := DialWebSocket(ctx, url)
	if err != nil {
		return nil, err
	}
	return r.Attach(ch)
}

// Close removes all sessions, and waits for background work to finish.
// After Close, attaching sessions or registering methods reports ErrClosed.
func (r *Registry) Close() error {
	r.μ.Lock()
	r.closed = true
	ids := slices.Collect(maps.Keys(r.sessions))
	r.μ.Unlock()

	for _, id := range ids {
		r.RemoveSession(id)
	}
	r.tasks.Wait()
	return nil
}
