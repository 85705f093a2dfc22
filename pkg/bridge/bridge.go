// Package bridge is the surface a host automation platform consumes:
// connect to a gateway, read the entity graph, subscribe to load state
// changes and send control commands. The host drives the lifecycle
// through Connect and Disconnect; the bridge never owns the main loop.
package bridge

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"wisersync/internal/api"
	"wisersync/internal/config"
	"wisersync/internal/dispatch"
	"wisersync/internal/gateway"
	"wisersync/internal/graph"
)

// Subscription is re-exported so hosts only import this package.
type Subscription = dispatch.Subscription

// LoadUpdateHandler is re-exported so hosts only import this package.
type LoadUpdateHandler = dispatch.LoadUpdateHandler

// Handle is a live connection to one gateway: an authenticated
// session, the loaded entity graph, the event dispatcher and its
// reconnection supervisor.
type Handle struct {
	logger     *zap.Logger
	session    *gateway.Session
	client     *gateway.Client
	graph      *graph.Graph
	loader     *graph.Loader
	dispatcher *dispatch.Dispatcher
	diag       *api.Server
	cancel     context.CancelFunc

	mu       sync.Mutex
	fatalErr error
	closed   bool
	supDone  chan struct{}
}

// Connect authenticates, loads the entity graph and opens the event
// stream. When cfg.Token is set the stored credential is resumed and
// verified; otherwise the claim handshake runs, requiring the physical
// button press. Auth and load errors are returned verbatim so the host
// can prompt accordingly.
func Connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Handle, error) {
	session := gateway.NewSession(cfg.Host, cfg.Username, logger)
	session.SetClaimTimeout(cfg.ClaimTimeout)

	if cfg.Token != "" {
		session.Resume(cfg.Token)
		if err := session.Refresh(ctx); err != nil {
			return nil, err
		}
	} else {
		if _, err := session.Claim(ctx); err != nil {
			return nil, err
		}
	}

	client := gateway.NewClient(session, logger)
	client.SetRequestTimeout(cfg.RequestTimeout)

	g := graph.New()
	loader := graph.NewLoader(client, cfg.StrictValidation, logger)

	snap, err := loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	g.Replace(snap)

	dispatcher := dispatch.NewDispatcher(session, g, logger)
	dispatcher.SetHeartbeatInterval(cfg.HeartbeatInterval)

	if err := dispatcher.Start(); err != nil {
		return nil, err
	}

	supervisor := dispatch.NewSupervisor(dispatcher, session, loader, g,
		cfg.ReconnectMaxAttempts, logger)

	supCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		logger:     logger,
		session:    session,
		client:     client,
		graph:      g,
		loader:     loader,
		dispatcher: dispatcher,
		cancel:     cancel,
		supDone:    make(chan struct{}),
	}

	if cfg.DiagnosticsPort > 0 {
		h.diag = api.NewServer(g, dispatcher, client, logger, cfg.DiagnosticsPort)
		if err := h.diag.Start(); err != nil {
			cancel()
			dispatcher.Stop()
			return nil, err
		}
	}

	go func() {
		defer close(h.supDone)
		if err := supervisor.Run(supCtx); err != nil {
			h.mu.Lock()
			h.fatalErr = err
			h.mu.Unlock()
			logger.Error("Gateway connection lost permanently", zap.Error(err))
		}
	}()

	return h, nil
}

// Graph returns the entity graph. Structural shape only changes on
// full re-syncs; load state fields update live.
func (h *Handle) Graph() *graph.Graph {
	return h.graph
}

// Token returns the current access token so the host can persist it
// for resuming without another button press.
func (h *Handle) Token() (string, error) {
	return h.session.Token()
}

// Err reports the terminal failure surfaced by the reconnection
// supervisor, if any. A non-nil result means the host should prompt
// for reauthentication.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fatalErr
}

// Subscribe registers a handler for confirmed state changes of one
// load. Fails with ErrUnknownLoad when the load is not in the graph.
func (h *Handle) Subscribe(loadID int, handler LoadUpdateHandler) (Subscription, error) {
	if _, ok := h.graph.Load(loadID); !ok {
		return nil, fmt.Errorf("subscribe load %d: %w", loadID, gateway.ErrUnknownLoad)
	}
	return h.dispatcher.Subscribe(loadID, handler), nil
}

// SendCommand requests a new target state for a load. The graph is not
// updated from the response; confirmed state arrives on the event
// stream. Fails fast with ErrAuthInvalid when the credential was
// invalidated, without any network call.
func (h *Handle) SendCommand(ctx context.Context, loadID int, command map[string]interface{}) error {
	if _, ok := h.graph.Load(loadID); !ok {
		return fmt.Errorf("command for load %d: %w", loadID, gateway.ErrUnknownLoad)
	}
	return h.client.SetLoadTarget(ctx, loadID, command)
}

// TriggerScene activates a scene through its backing job.
func (h *Handle) TriggerScene(ctx context.Context, sceneID int) error {
	scene, ok := h.graph.Scene(sceneID)
	if !ok {
		return fmt.Errorf("unknown scene id %d", sceneID)
	}
	return h.client.TriggerJob(ctx, scene.JobID)
}

// PingDevice lights up the button LEDs of a device for identification.
func (h *Handle) PingDevice(ctx context.Context, deviceID string) error {
	if _, ok := h.graph.Device(deviceID); !ok {
		return fmt.Errorf("unknown device id %s", deviceID)
	}
	return h.client.PingDevice(ctx, deviceID)
}

// SetStatusLight updates the button illumination of a device input
// channel. This is a compound gateway operation spanning three calls.
func (h *Handle) SetStatusLight(ctx context.Context, deviceID string, channel int, light gateway.StatusLight) error {
	if _, ok := h.graph.Device(deviceID); !ok {
		return fmt.Errorf("unknown device id %s", deviceID)
	}
	return h.client.SetStatusLight(ctx, deviceID, channel, light)
}

// Disconnect stops the supervisor and closes the event stream.
// Idempotent.
func (h *Handle) Disconnect() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	<-h.supDone
	h.dispatcher.Stop()
	if h.diag != nil {
		if err := h.diag.Stop(); err != nil {
			h.logger.Warn("Diagnostics server shutdown failed", zap.Error(err))
		}
	}
	h.logger.Info("Disconnected from gateway")
}
