package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/hashicorp/serf/serf"
)

// TagAdvertise is the serf tag holding the address other members
// connect to.
const TagAdvertise = "relay-addr"

// NodeNameKey holds the cluster member name of the peer of a session
// opened by `Discovery`.
var NodeNameKey = NewAttrKey[string]("relay.discovery.node")

type discoveryConfig struct {
	serfCfg      *serf.Config
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	neighbours   []string
	dialTimeout  time.Duration
}

type DiscoveryOption func(*discoveryConfig) error

// WithGossipListenOn specifies which interface the gossip protocol
// binds, port 0 picks a free one.
func WithGossipListenOn(addr string, port int) DiscoveryOption {
	return func(c *discoveryConfig) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid gossip port %d", port)
		}
		c.serfCfg.MemberlistConfig.BindAddr = addr
		c.serfCfg.MemberlistConfig.BindPort = port
		c.serfCfg.MemberlistConfig.AdvertisePort = port
		return nil
	}
}

// WithNodeName specifies which name should be exposed to other
// members. For a well-behaving cluster, the name MUST be unique.
func WithNodeName(name string) DiscoveryOption {
	return func(c *discoveryConfig) error {
		if name != "" {
			c.serfCfg.NodeName = name
		}
		return nil
	}
}

// WithNeighbours controls which members are tried initially to join
// the cluster.
func WithNeighbours(neighbours ...string) DiscoveryOption {
	return func(c *discoveryConfig) error {
		c.neighbours = neighbours
		return nil
	}
}

func WithDiscoveryLog(handler slog.Handler) DiscoveryOption {
	return func(c *discoveryConfig) error {
		c.logHandler = handler
		return nil
	}
}

func WithDiscoveryMetricSink(ms metrics.MetricSink) DiscoveryOption {
	return func(c *discoveryConfig) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithDiscoveryMetricLabels adds static labels to all metrics produced
// by the discovery and its gossip layer.
func WithDiscoveryMetricLabels(labels []metrics.Label) DiscoveryOption {
	return func(c *discoveryConfig) error {
		c.metricLabels = labels

		// serf and memberlist still emit through the armon module
		legacy := make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			legacy[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		c.serfCfg.MetricLabels = legacy
		c.serfCfg.MemberlistConfig.MetricLabels = legacy
		return nil
	}
}

// WithDialTimeout bounds connection attempts to discovered members.
func WithDialTimeout(timeout time.Duration) DiscoveryOption {
	return func(c *discoveryConfig) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.dialTimeout = timeout
		return nil
	}
}

// Discovery gossips with a serf cluster and keeps one session open
// with every other member.
type Discovery struct {
	cfg       discoveryConfig
	logger    *slog.Logger
	connector *Connector
	advertise string

	serf    *serf.Serf
	eventCh chan serf.Event

	lk       sync.Mutex
	peers    map[string]*peer
	shutdown bool
	dropCh   chan struct{}
	wg       sync.WaitGroup
}

type peer struct {
	addr    string
	session *Session
	cancel  context.CancelFunc
}

// NewDiscovery joins no one yet: it starts the gossip layer and
// advertises advertise, the address of the local `Acceptor`.
func NewDiscovery(connector *Connector, advertise string, opts ...DiscoveryOption) (*Discovery, error) {
	if connector == nil {
		return nil, fmt.Errorf("%w: connector is required", ErrInvalidCfg)
	}
	if _, _, err := net.SplitHostPort(advertise); err != nil {
		return nil, fmt.Errorf("%w: invalid advertise address: %w", ErrInvalidCfg, err)
	}

	d := &Discovery{
		connector: connector,
		advertise: advertise,
		eventCh:   make(chan serf.Event, 512),
		peers:     make(map[string]*peer),
		dropCh:    make(chan struct{}),
	}

	d.cfg.serfCfg = serf.DefaultConfig()
	d.cfg.serfCfg.MemberlistConfig = memberlist.DefaultLANConfig()
	d.cfg.serfCfg.MemberlistConfig.ProbeTimeout = 2 * time.Second
	d.cfg.serfCfg.LeavePropagateDelay = 1 * time.Second
	// We do not use coordinates for anything.
	d.cfg.serfCfg.DisableCoordinates = true
	d.cfg.serfCfg.ValidateNodeNames = true
	d.cfg.serfCfg.EventCh = d.eventCh
	d.cfg.dialTimeout = 30 * time.Second

	for _, opt := range opts {
		if err := opt(&d.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	d.cfg.serfCfg.Tags = map[string]string{TagAdvertise: advertise}

	if d.cfg.logHandler != nil {
		d.logger = slog.New(d.cfg.logHandler)
		d.cfg.serfCfg.Logger = slog.NewLogLogger(d.cfg.logHandler, slog.LevelDebug)
	} else {
		d.logger = slog.Default()
		d.cfg.serfCfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	}
	d.cfg.serfCfg.LogOutput = nil
	d.cfg.serfCfg.MemberlistConfig.Logger = d.cfg.serfCfg.Logger

	if d.cfg.msink == nil {
		d.cfg.msink = &metrics.BlackholeSink{}
	}

	s, err := serf.Create(d.cfg.serfCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	d.serf = s
	d.logger = d.logger.With(LabelPeerName.L(s.LocalMember().Name))

	d.wg.Add(1)
	go d.handleEvents()
	return d, nil
}

// Join contacts the neighbours given with `WithNeighbours` plus extra.
func (d *Discovery) Join(extra ...string) error {
	d.lk.Lock()
	if d.shutdown {
		d.lk.Unlock()
		return ErrShutdown
	}
	d.lk.Unlock()

	neighbours := append(slices.Clone(d.cfg.neighbours), extra...)
	if len(neighbours) == 0 {
		return nil
	}

	joined, err := d.serf.Join(neighbours, true)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	d.logger.Info("cluster joined")
	if len(neighbours) != joined {
		d.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(neighbours),
		)
	}
	return nil
}

// GossipAddr is the address other members join through.
func (d *Discovery) GossipAddr() string {
	return d.serf.Memberlist().LocalNode().Address()
}

func (d *Discovery) LocalName() string {
	return d.serf.LocalMember().Name
}

func (d *Discovery) Members() []serf.Member {
	return d.serf.Members()
}

// Peers returns the names of the members we hold a session with.
func (d *Discovery) Peers() []string {
	d.lk.Lock()
	defer d.lk.Unlock()
	names := make([]string, 0, len(d.peers))
	for name, p := range d.peers {
		if p.session != nil && p.session.State() == SessionOpen {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Session returns the open session with the member called name.
func (d *Discovery) Session(name string) (*Session, bool) {
	d.lk.Lock()
	defer d.lk.Unlock()
	p, ok := d.peers[name]
	if !ok || p.session == nil || p.session.State() != SessionOpen {
		return nil, false
	}
	return p.session, true
}

func (d *Discovery) handleEvents() {
	defer d.wg.Done()
	for {
		var event serf.Event
		select {
		case event = <-d.eventCh:
		case <-d.dropCh:
			return
		}

		memberEvent, ok := event.(serf.MemberEvent)
		if !ok {
			d.logger.Debug("ignored cluster event", "event", event.String())
			continue
		}

		for _, member := range memberEvent.Members {
			if member.Name == d.serf.LocalMember().Name {
				continue
			}
			switch memberEvent.Type {
			case serf.EventMemberJoin:
				d.cfg.msink.IncrCounterWithLabels(MetricDiscoveryPeerJoinCount, 1.0, d.cfg.metricLabels)
				d.logger.Info("peer joined cluster", LabelPeerName.L(member.Name))
				d.connect(member)
			case serf.EventMemberUpdate:
				d.logger.Info("peer updated", LabelPeerName.L(member.Name))
				d.connect(member)
			case serf.EventMemberLeave, serf.EventMemberFailed, serf.EventMemberReap:
				d.cfg.msink.IncrCounterWithLabels(MetricDiscoveryPeerLeftCount, 1.0, d.cfg.metricLabels)
				d.logger.Info("peer left cluster", LabelPeerName.L(member.Name), "status", member.Status.String())
				d.forget(member.Name)
			}
		}
	}
}

// connect opens a session with member unless one to its advertised
// address already exists.
func (d *Discovery) connect(member serf.Member) {
	addr, ok := member.Tags[TagAdvertise]
	if !ok {
		d.logger.Warn("peer does not advertise an address", LabelPeerName.L(member.Name))
		return
	}

	d.lk.Lock()
	if d.shutdown {
		d.lk.Unlock()
		return
	}
	if p, ok := d.peers[member.Name]; ok {
		if p.addr == addr && (p.session == nil || p.session.State() == SessionOpen) {
			d.lk.Unlock()
			return
		}
		d.dropLocked(p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.dialTimeout)
	p := &peer{addr: addr, cancel: cancel}
	d.peers[member.Name] = p
	d.lk.Unlock()

	d.connector.ConnectAsync(ctx, addr, func(s *Session, err error) {
		cancel()
		if err != nil {
			d.logger.Warn("could not connect to peer", LabelPeerName.L(member.Name), LabelError.L(err))
			d.lk.Lock()
			if d.peers[member.Name] == p {
				delete(d.peers, member.Name)
			}
			d.lk.Unlock()
			return
		}

		NodeNameKey.Set(s, member.Name)

		d.lk.Lock()
		current := d.peers[member.Name] == p && !d.shutdown
		if current {
			p.session = s
		}
		d.lk.Unlock()

		if !current {
			s.CloseAsync(nil)
			return
		}
		d.logger.Debug("connected to peer", LabelPeerName.L(member.Name), LabelPeerAddr.L(addr))
	})
}

func (d *Discovery) forget(name string) {
	d.lk.Lock()
	defer d.lk.Unlock()
	if p, ok := d.peers[name]; ok {
		d.dropLocked(p)
		delete(d.peers, name)
	}
}

func (d *Discovery) dropLocked(p *peer) {
	p.cancel()
	if p.session != nil {
		p.session.CloseAsync(nil)
	}
}

// Shutdown leaves the cluster and closes the sessions it opened. The
// connector is left open.
func (d *Discovery) Shutdown() error {
	d.lk.Lock()
	if d.shutdown {
		d.lk.Unlock()
		return nil
	}
	d.shutdown = true
	d.lk.Unlock()

	start := time.Now()
	d.logger.Info("shutting down...")

	d.logger.Info("shutdown: leave cluster")
	if err := d.serf.Leave(); err != nil {
		d.logger.Warn("could not leave cluster gracefully", LabelError.L(err))
	}

	d.logger.Info("shutdown: release gossip resources")
	close(d.dropCh)
	err := d.serf.Shutdown()
	d.wg.Wait()
	<-d.serf.ShutdownCh()

	d.lk.Lock()
	peers := d.peers
	d.peers = make(map[string]*peer)
	d.lk.Unlock()

	for _, p := range peers {
		p.cancel()
		if p.session != nil {
			p.session.Close()
		}
	}

	d.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return err
}
