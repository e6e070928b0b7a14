package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fieldsync/server/common/infra/kv"
	"fieldsync/server/common/infra/rest"
	commonlog "fieldsync/server/common/log"
	"fieldsync/server/mobilesync/service"
)

// Client is a running sync core: persisted state, network probing and the
// coordinator that the UI or CLI drives.
type Client struct {
	Coordinator *service.SyncCoordinator
	Monitor     *service.NetworkMonitor

	probeCancel context.CancelFunc
	probeDone   chan struct{}
}

type ClientOptions struct {
	Listener service.Listener
	Notifier service.Notifier
	// Prober overrides the TCP reachability probe of the first API endpoint.
	Prober service.Prober
}

func openPersister(ctx context.Context, cfg Config) (kv.Persister, error) {
	switch cfg.StoreBackend {
	case StoreMemory:
		return kv.NewMemoryPersister(), nil
	case StoreRedis:
		return kv.DialRedis(ctx, cfg.RedisAddr, cfg.DeviceID)
	case StoreSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create state dir %s: %w", dir, err)
			}
		}
		return kv.OpenSQLite(cfg.SQLitePath)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func NewClient(ctx context.Context, cfg Config, opts ClientOptions) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	persister, err := openPersister(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	store, err := service.OpenStateStore(ctx, persister)
	if err != nil {
		_ = persister.Close()
		return nil, err
	}

	prober := opts.Prober
	if prober == nil {
		prober = service.TCPProber{Addr: probeAddr(cfg.APIBaseURLs[0]), Timeout: 3 * time.Second}
	}
	monitor := service.NewNetworkMonitor(prober.Probe(ctx))

	gateway := service.NewRESTGateway(rest.NewClient(rest.Options{Timeout: cfg.HTTPTimeout()}, cfg.APIBaseURLs...))
	loop := service.NewLoop()
	coordinator, err := service.NewSyncCoordinator(loop, store, monitor, gateway, service.Options{
		AlertRingSize:     cfg.AlertRingSize,
		PhotoMaxDimension: cfg.PhotoMaxDimension,
		RefreshSchedule:   cfg.RefreshSchedule,
		Listener:          opts.Listener,
		Notifier:          opts.Notifier,
		Connection: service.ConnectionOptions{
			BaseURL:        cfg.ChannelBaseURL,
			ReconnectDelay: cfg.ReconnectDelay(),
		},
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := coordinator.Start(ctx); err != nil {
		_ = coordinator.Close()
		return nil, fmt.Errorf("start sync coordinator: %w", err)
	}

	probeCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		Coordinator: coordinator,
		Monitor:     monitor,
		probeCancel: cancel,
		probeDone:   make(chan struct{}),
	}
	go func() {
		defer close(c.probeDone)
		monitor.Run(probeCtx, prober, cfg.ProbeInterval())
	}()

	commonlog.Infof("event=fieldsync_client action=start store=%s api=%v channel=%s online=%t", cfg.StoreBackend, cfg.APIBaseURLs, cfg.ChannelBaseURL, monitor.IsOnline())
	return c, nil
}

// Shutdown stops probing and flushes persisted state.
func (c *Client) Shutdown(ctx context.Context) error {
	c.probeCancel()
	select {
	case <-c.probeDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.Coordinator.Close(); err != nil {
		return fmt.Errorf("close coordinator: %w", err)
	}
	commonlog.Infof("event=fieldsync_client action=shutdown status=ok")
	return nil
}
