package node

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/scalaris/scalaris/cyclon"
	"github.com/scalaris/scalaris/kvstore"
	"github.com/scalaris/scalaris/log"
	"github.com/scalaris/scalaris/metrics"
	"github.com/scalaris/scalaris/ring"
	"github.com/scalaris/scalaris/rrepair"
)

// Node is one Scalaris overlay participant, wiring the replica store,
// peer sampler, event bus and repair engine together.
type Node struct {
	cfg     Config
	logger  *log.Logger
	store   *kvstore.Store
	bus     *EventBus
	sampler *cyclon.Cache
	engine  *rrepair.Engine
	view    *StaticRing

	registry      *metrics.Registry
	metricsServer *http.Server

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a node from its configuration, a transport, and a ring
// view. All subsystems are initialised but no background work starts
// until Start.
func New(cfg Config, transport rrepair.Transport, view *StaticRing) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	repairCfg, err := cfg.repairConfig()
	if err != nil {
		return nil, err
	}

	logger := log.New(log.ParseLevel(cfg.LogLevel)).With("node", cfg.ID)
	store := kvstore.New()
	bus := NewEventBus()

	hosts := make([]cyclon.PeerID, 0, len(cfg.KnownHosts))
	for _, h := range cfg.KnownHosts {
		hosts = append(hosts, cyclon.PeerID(h))
	}
	sampler := cyclon.New(cyclon.PeerID(cfg.ID), cfg.Sampler, hosts)

	registry := metrics.NewRegistry()
	n := &Node{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		bus:      bus,
		sampler:  sampler,
		view:     view,
		registry: registry,
		stop:     make(chan struct{}),
	}

	engine, err := rrepair.NewEngine(repairCfg, rrepair.Options{
		ID:        rrepair.NodeID(cfg.ID),
		Store:     store,
		Sampler:   samplerAdapter{sampler},
		Lookup:    view,
		Transport: transport,
		OwnRange:  func() ring.Interval { return view.RangeOf(cfg.ID) },
		Logger:    logger,
		Registry:  registry,
	})
	if err != nil {
		return nil, err
	}
	n.engine = engine
	return n, nil
}

// samplerAdapter exposes the cyclon cache under the repair engine's
// sampler contract.
type samplerAdapter struct {
	c *cyclon.Cache
}

func (a samplerAdapter) RandomPeer() (rrepair.NodeID, bool) {
	id, ok := a.c.RandomPeer()
	return rrepair.NodeID(id), ok
}

// Store returns the node's replica store.
func (n *Node) Store() *kvstore.Store { return n.store }

// Engine returns the repair engine.
func (n *Node) Engine() *rrepair.Engine { return n.engine }

// Bus returns the node event bus.
func (n *Node) Bus() *EventBus { return n.bus }

// Sampler returns the peer sampler cache.
func (n *Node) Sampler() *cyclon.Cache { return n.sampler }

// Deliver feeds an incoming repair envelope to the engine, making the
// node usable as a transport inbox.
func (n *Node) Deliver(env rrepair.Envelope) {
	n.engine.Deliver(env)
}

// Start launches the repair engine, the sampler ageing loop, and the
// neighbourhood-event subscription.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return fmt.Errorf("node: already started")
	}
	n.running = true
	n.stop = make(chan struct{})

	n.engine.Start()

	// Subscribe before the loop runs so events published right after
	// Start returns are not lost.
	sub := n.bus.Subscribe(EventPredecessorChange, EventSuccessorChange, EventPeerUp, EventPeerDown)
	n.wg.Add(2)
	go n.samplerLoop()
	go n.eventLoop(sub)

	if n.cfg.Metrics {
		exporter := metrics.NewExporter(n.registry, metrics.DefaultExporterConfig())
		n.metricsServer = &http.Server{
			Addr:    fmt.Sprintf("127.0.0.1:%d", n.cfg.MetricsPort),
			Handler: exporter.Handler(),
		}
		go func() {
			if err := n.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				n.logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	n.logger.Info("node started",
		"method", n.cfg.ReconMethod,
		"repair", n.cfg.RepairEnabled,
		"known_hosts", len(n.cfg.KnownHosts))
	return nil
}

// Stop halts all background work.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	close(n.stop)
	n.mu.Unlock()

	n.engine.Stop()
	if n.metricsServer != nil {
		n.metricsServer.Close()
	}
	n.wg.Wait()
	n.logger.Info("node stopped")
}

// TriggerRepair fires one repair round immediately.
func (n *Node) TriggerRepair() {
	n.engine.TriggerOnce()
}

// samplerLoop ages the peer cache periodically.
func (n *Node) samplerLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.Sampler.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			if evicted := n.sampler.Tick(); evicted > 0 {
				n.logger.Debug("sampler evicted stale peers", "count", evicted)
			}
		}
	}
}

// eventLoop feeds neighbourhood changes into the sampler cache.
func (n *Node) eventLoop(sub *Subscription) {
	defer n.wg.Done()
	defer sub.Unsubscribe()
	for {
		select {
		case <-n.stop:
			return
		case ev, ok := <-sub.Chan():
			if !ok {
				return
			}
			peer, _ := ev.Data.(string)
			if peer == "" {
				continue
			}
			switch ev.Type {
			case EventPeerDown:
				n.sampler.RemoveNeighbour(cyclon.PeerID(peer))
			default:
				n.sampler.AddNeighbour(cyclon.PeerID(peer))
			}
		}
	}
}
