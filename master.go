package storemaster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Master is one candidate process in the cluster's control plane. It owns
// the NATS connection, the coordination buckets and the election machinery,
// and is constructed once at process start and passed by reference to every
// consumer.
type Master struct {
	cfg Config
	log *slog.Logger

	nc *nats.Conn
	js jetstream.JetStream

	coord      Coordinator
	dispatcher *EventDispatcher
	elector    *MasterElector
	status     *ProcessStatus
	metrics    *Metrics
	catalog    *KVCatalog
	assignment AssignmentManager
	api        *APIServer

	started   atomic.Bool
	startedAt time.Time
	cancel    context.CancelFunc
}

// NewMaster creates a master candidate from the given configuration.
func NewMaster(cfg Config) (*Master, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()

	log := cfg.Logger.With("cluster", cfg.ClusterID, "self", cfg.Address().String())
	return &Master{
		cfg:     cfg,
		log:     log,
		status:  NewProcessStatus(log),
		metrics: NewMetrics(cfg.ClusterID, cfg.Address().String(), log),
	}, nil
}

// Start connects to NATS and wires the dispatcher, elector, catalog and HTTP
// endpoints. One-time setup is guarded by an explicit compare-and-swap; a
// second call returns ErrAlreadyStarted. A failed Start leaves the master in
// its unstarted state so the caller can retry.
func (m *Master) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := m.start(ctx); err != nil {
		m.started.Store(false)
		return err
	}
	m.log.Info("master candidate started")
	return nil
}

func (m *Master) start(ctx context.Context) error {
	m.startedAt = time.Now()

	opts := []nats.Option{
		nats.Name(fmt.Sprintf("storemaster-%s-%s", m.cfg.ClusterID, m.cfg.Address())),
		nats.ReconnectWait(m.cfg.ReconnectWait),
		nats.MaxReconnects(m.cfg.MaxReconnects),
	}
	if m.cfg.NATSCredentials != "" {
		opts = append(opts, nats.UserCredentials(m.cfg.NATSCredentials))
	}

	nc, err := nats.Connect(strings.Join(m.cfg.NATSURLs, ","), opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	m.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	m.js = js

	electionKV, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      m.cfg.BucketName(),
		Description: fmt.Sprintf("Master election for cluster %s", m.cfg.ClusterID),
		History:     1,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create election bucket: %w", err)
	}

	catalogKV, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      m.cfg.CatalogBucketName(),
		Description: fmt.Sprintf("Region catalog for cluster %s", m.cfg.ClusterID),
		History:     1,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create catalog bucket: %w", err)
	}

	// Lifetime context for background components; Stop cancels it.
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.coord = NewKVCoordinator(electionKV)
	m.catalog = NewKVCatalog(catalogKV)
	m.assignment = NewNATSAssignmentManager(nc, m.cfg.ClusterID, m.cfg.Address().String(), m.log)

	m.elector = NewMasterElector(m.coord, m.status, m.metrics, ElectorConfig{
		Key:           m.cfg.ElectionKey,
		Self:          m.cfg.Address(),
		LeaseTTL:      m.cfg.LeaseTTL,
		RenewInterval: m.cfg.RenewInterval,
		RetryInterval: m.cfg.RetryInterval,
		Logger:        m.log,
	})
	m.status.OnInterrupt(m.elector.Interrupt)

	m.dispatcher = NewEventDispatcher(electionKV, m.log)
	m.dispatcher.Listen(m.elector)
	if err := m.dispatcher.Start(runCtx); err != nil {
		cancel()
		nc.Close()
		return err
	}

	if err := m.metrics.Start(runCtx, m.cfg.MetricsAddr); err != nil {
		m.dispatcher.Stop()
		cancel()
		nc.Close()
		return err
	}

	if m.cfg.APIAddr != "" {
		m.api = NewAPIServer(m, m.log)
		m.api.Start(runCtx, m.cfg.APIAddr)
	}
	return nil
}

// BecomeActiveMaster blocks until this process wins the election or the
// process is shut down. See [MasterElector.BecomeActiveMaster].
func (m *Master) BecomeActiveMaster(ctx context.Context) error {
	if !m.started.Load() {
		return ErrNotStarted
	}
	return m.elector.BecomeActiveMaster(ctx)
}

// StepDown gracefully hands mastership off. A no-op when this process is not
// the active master.
func (m *Master) StepDown(ctx context.Context) error {
	if !m.started.Load() {
		return ErrNotStarted
	}
	return m.elector.StepDown(ctx)
}

// EnableTable requests assignment of the table's offline regions.
func (m *Master) EnableTable(ctx context.Context, table string) error {
	if !m.started.Load() {
		return ErrNotStarted
	}
	handler := NewEnableTableHandler(table, m.catalog, m.assignment, m.metrics, m.log)
	return handler.Process(ctx)
}

// IsActiveMaster reports whether this process currently owns the election
// node.
func (m *Master) IsActiveMaster() bool {
	return m.started.Load() && m.elector.IsActiveMaster()
}

// MasterAddress returns the last observed active master address; ok is false
// until any observation has occurred.
func (m *Master) MasterAddress() (ServerAddress, bool) {
	if !m.started.Load() {
		return ServerAddress{}, false
	}
	return m.elector.MasterAddress()
}

// ClusterHasActiveMaster reports whether an election node currently exists.
func (m *Master) ClusterHasActiveMaster() bool {
	return m.started.Load() && m.elector.ClusterHasActiveMaster()
}

// Status returns a point-in-time view of this candidate.
func (m *Master) Status() ClusterStatus {
	st := ClusterStatus{
		ClusterID: m.cfg.ClusterID,
		Self:      m.cfg.Address(),
	}
	if !m.started.Load() {
		return st
	}

	st.State = m.elector.State()
	st.ClusterHasMaster = m.elector.ClusterHasActiveMaster()
	st.Uptime = time.Since(m.startedAt)
	st.Connected = m.nc.IsConnected()
	if addr, ok := m.elector.MasterAddress(); ok {
		st.Master = addr.String()
	}
	return st
}

// StatusController returns the process status controller.
func (m *Master) StatusController() *ProcessStatus {
	return m.status
}

// Elector returns the underlying master elector.
func (m *Master) Elector() *MasterElector {
	return m.elector
}

// Catalog returns the region catalog.
func (m *Master) Catalog() *KVCatalog {
	return m.catalog
}

// Metrics returns the metrics registry.
func (m *Master) Metrics() *Metrics {
	return m.metrics
}

// Stop shuts the process down cooperatively: the election loop is unblocked,
// mastership is handed off if held, and background components are stopped.
func (m *Master) Stop(ctx context.Context) {
	if !m.started.Load() {
		return
	}

	m.status.RequestShutdown()

	if err := m.elector.StepDown(ctx); err != nil {
		m.log.Warn("step down during shutdown failed", "error", err)
	}

	if m.api != nil {
		m.api.Stop()
	}
	m.metrics.Stop()
	m.dispatcher.Stop()
	if m.cancel != nil {
		m.cancel()
	}
	if m.nc != nil {
		m.nc.Drain()
	}
	m.log.Info("master candidate stopped")
}
