package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brandsignal/batchworks/pkg/config"
	"github.com/brandsignal/batchworks/pkg/database"
	"github.com/brandsignal/batchworks/pkg/jobnames"
	"github.com/brandsignal/batchworks/pkg/scheduler"
	"github.com/brandsignal/batchworks/pkg/store"
)

const controlChannel = "row_changes_public"

// Router watches listener_rules for active bindings and, for each one it
// owns, keeps a LISTEN subscription open against the owning workspace's
// row-change channel, enqueuing the bound job whenever a matching row
// change arrives.
type Router struct {
	dbCfg      database.Config
	cfg        config.RouterConfig
	ruleRepo   *store.ListenerRuleRepo
	enqueuer   Enqueuer
	instanceID string
	logger     *slog.Logger

	control *notifyConn

	mu       sync.Mutex
	streams  map[string]*notifyConn           // workspace schema -> stream conn
	rules    map[string][]store.ListenerRule  // workspace id -> owned active rules
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// New builds a Router. dbCfg is used to open dedicated LISTEN connections
// (one per workspace plus one control connection), separate from the
// pooled connections used for ordinary queries.
func New(dbCfg database.Config, cfg config.RouterConfig, ruleRepo *store.ListenerRuleRepo, enqueuer Enqueuer, instanceID string) *Router {
	return &Router{
		dbCfg:      dbCfg,
		cfg:        cfg,
		ruleRepo:   ruleRepo,
		enqueuer:   enqueuer,
		instanceID: instanceID,
		logger:     slog.With("component", "router", "instance_id", instanceID),
		streams:    make(map[string]*notifyConn),
		rules:      make(map[string][]store.ListenerRule),
		stopCh:     make(chan struct{}),
	}
}

// Start opens the control connection, runs an initial reconciliation, and
// launches the periodic reconcile sweep and rule-ownership heartbeat.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	r.control = newNotifyConn(r.dbCfg.DSN(""), func(channel string, payload []byte) {
		r.logger.Debug("listener_rules changed, reconciling", "channel", channel)
		if err := r.reconcile(context.Background()); err != nil {
			r.logger.Error("reconcile after rule change failed", "error", err)
		}
	})
	if err := r.control.Start(ctx); err != nil {
		return fmt.Errorf("starting router control connection: %w", err)
	}
	if err := r.control.Subscribe(ctx, controlChannel); err != nil {
		return fmt.Errorf("subscribing to %s: %w", controlChannel, err)
	}

	if err := r.reconcile(ctx); err != nil {
		return fmt.Errorf("initial reconcile: %w", err)
	}

	interval := r.cfg.ReconcileInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reconcileLoop(ctx, interval)
	}()

	heartbeat := r.cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.heartbeatLoop(ctx, heartbeat)
	}()

	r.logger.Info("change router started")
	return nil
}

// Stop unsubscribes and closes every open connection, waiting for the
// background loops to exit.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	ctx := context.Background()
	r.mu.Lock()
	for schema, conn := range r.streams {
		conn.Stop(ctx)
		delete(r.streams, schema)
	}
	r.mu.Unlock()

	if r.control != nil {
		r.control.Stop(ctx)
	}
	r.logger.Info("change router stopped")
}

// StreamCount reports how many workspace LISTEN streams are currently
// open, used by the /healthz endpoint.
func (r *Router) StreamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func (r *Router) reconcileLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reconcile(ctx); err != nil {
				r.logger.Error("periodic reconcile failed", "error", err)
			}
		}
	}
}

func (r *Router) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshOwnership(ctx)
		}
	}
}

func (r *Router) refreshOwnership(ctx context.Context) {
	r.mu.Lock()
	owned := make([]store.ListenerRule, 0)
	for _, rules := range r.rules {
		owned = append(owned, rules...)
	}
	r.mu.Unlock()

	staleAfter := 3 * r.cfg.HeartbeatInterval
	for _, rule := range owned {
		if _, err := r.ruleRepo.TryClaim(ctx, rule.ID, r.instanceID, staleAfter); err != nil {
			r.logger.Warn("heartbeat claim refresh failed", "rule_id", rule.ID, "error", err)
		}
	}
}

// reconcile loads every active rule, claims ownership of as many as
// possible, and converges the set of open streams to match — opening one
// per workspace with at least one owned rule, closing the rest. The
// periodic call of this same function is the "periodic sweep (≥60s)" that
// recovers from a missed rule-change notification or a stream that failed
// to open on a prior attempt.
func (r *Router) reconcile(ctx context.Context) error {
	active, err := r.ruleRepo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active listener rules: %w", err)
	}

	staleAfter := 3 * r.cfg.HeartbeatInterval
	if staleAfter <= 0 {
		staleAfter = 90 * time.Second
	}

	owned := make(map[string][]store.ListenerRule)
	for _, rule := range active {
		claimed, err := r.ruleRepo.TryClaim(ctx, rule.ID, r.instanceID, staleAfter)
		if err != nil {
			r.logger.Error("claiming listener rule failed", "rule_id", rule.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		owned[rule.WorkspaceID] = append(owned[rule.WorkspaceID], rule)
	}

	r.mu.Lock()
	r.rules = owned
	r.mu.Unlock()

	desiredSchemas := make(map[string]string) // schema -> workspace id
	for workspaceID := range owned {
		desiredSchemas[database.WorkspaceSchema(workspaceID)] = workspaceID
	}

	r.mu.Lock()
	toOpen := make(map[string]string)
	for schema, workspaceID := range desiredSchemas {
		if _, exists := r.streams[schema]; !exists {
			toOpen[schema] = workspaceID
		}
	}
	toClose := make([]string, 0)
	for schema := range r.streams {
		if _, wanted := desiredSchemas[schema]; !wanted {
			toClose = append(toClose, schema)
		}
	}
	r.mu.Unlock()

	for _, schema := range toClose {
		r.closeStream(ctx, schema)
	}

	maxPool := r.cfg.MaxPoolSize
	for schema, workspaceID := range toOpen {
		r.mu.Lock()
		atCapacity := maxPool > 0 && len(r.streams) >= maxPool
		r.mu.Unlock()
		if atCapacity {
			r.logger.Warn("router stream pool at capacity, deferring workspace to next sweep",
				"workspace_id", workspaceID, "max_pool_size", maxPool)
			continue
		}
		if err := r.openStream(ctx, schema, workspaceID); err != nil {
			r.logger.Error("opening workspace stream failed", "workspace_id", workspaceID, "error", err)
		}
	}
	return nil
}

func (r *Router) openStream(ctx context.Context, schema, workspaceID string) error {
	conn := newNotifyConn(r.dbCfg.DSN(""), func(channel string, payload []byte) {
		r.dispatch(workspaceID, payload)
	})
	if err := conn.Start(ctx); err != nil {
		return fmt.Errorf("starting stream for workspace %s: %w", workspaceID, err)
	}
	channel := "row_changes_" + schema

	listenTimeout := r.cfg.ListenTimeout
	if listenTimeout <= 0 {
		listenTimeout = 10 * time.Second
	}
	subscribeCtx, cancel := context.WithTimeout(ctx, listenTimeout)
	defer cancel()
	if err := conn.Subscribe(subscribeCtx, channel); err != nil {
		conn.Stop(ctx)
		return fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	r.mu.Lock()
	r.streams[schema] = conn
	r.mu.Unlock()
	r.logger.Info("opened workspace change stream", "workspace_id", workspaceID, "channel", channel)
	return nil
}

func (r *Router) closeStream(ctx context.Context, schema string) {
	r.mu.Lock()
	conn, ok := r.streams[schema]
	delete(r.streams, schema)
	r.mu.Unlock()
	if !ok {
		return
	}
	conn.Stop(ctx)
	r.logger.Info("closed workspace change stream", "schema", schema)
}

// dispatch decodes a row-change notification and enqueues the bound job
// for every owned rule matching it.
func (r *Router) dispatch(workspaceID string, payload []byte) {
	var change RowChange
	if err := json.Unmarshal(payload, &change); err != nil {
		r.logger.Error("decoding row change notification failed", "workspace_id", workspaceID, "error", err)
		return
	}

	r.mu.Lock()
	rules := append([]store.ListenerRule(nil), r.rules[workspaceID]...)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, rule := range rules {
		if !change.matches(rule) {
			continue
		}
		jobPayload := map[string]any{
			"workspace_id": workspaceID,
			"table":        change.Table,
			"op":           change.Op,
			"row":          change.Row,
		}
		uniqueKey := fmt.Sprintf("%s:%v", rule.ID, change.Row["id"])
		if err := r.enqueuer.Enqueue(ctx, jobnames.Name(rule.JobName), jobPayload, scheduler.EnqueueOptions{UniqueKey: uniqueKey}); err != nil {
			r.logger.Error("enqueueing job for rule failed", "rule_id", rule.ID, "job_name", rule.JobName, "error", err)
		}
	}
}
