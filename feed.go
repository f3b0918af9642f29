package statuspage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StatusFeedConfig configures a StatusFeed. Every field is optional.
type StatusFeedConfig struct {
	Realtime *RealtimeConfig
	// ResyncTimeout bounds the full fetch made after each reconnect.
	ResyncTimeout time.Duration
	Logger        *zap.Logger
	Metrics       *Metrics
	Now           func() time.Time
}

func (c *StatusFeedConfig) defaults() {
	if c.ResyncTimeout == 0 {
		c.ResyncTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Realtime == nil {
		c.Realtime = &RealtimeConfig{}
	}
	if c.Realtime.Logger == nil {
		c.Realtime.Logger = c.Logger
	}
	if c.Realtime.Metrics == nil {
		c.Realtime.Metrics = c.Metrics
	}
}

// StatusFeed keeps a live copy of one public status page: an anonymous
// connection, the page's public room, and a Reconciler seeded from a full
// fetch. Every reconnect triggers a fresh fetch, since events sent while the
// socket was down are not replayed.
type StatusFeed struct {
	client *Client
	slug   string
	cfg    *StatusFeedConfig
	log    *zap.Logger

	bus   *Bus
	rt    *Realtime
	rooms *Rooms
	rec   *Reconciler

	mu        sync.Mutex
	sub       *Subscription
	cancel    context.CancelFunc
	resyncing bool
	closed    bool
	wg        sync.WaitGroup
}

// NewStatusFeed creates a stopped feed for the page at slug. cfg may be nil.
func NewStatusFeed(client *Client, slug string, cfg *StatusFeedConfig) *StatusFeed {
	if cfg == nil {
		cfg = &StatusFeedConfig{}
	}
	cfg.defaults()

	bus := NewBus()
	rt := client.Realtime(bus, cfg.Realtime)
	log := cfg.Logger.With(zap.String("component", "status_feed"), zap.String("slug", slug))
	return &StatusFeed{
		client: client,
		slug:   slug,
		cfg:    cfg,
		log:    log,
		bus:    bus,
		rt:     rt,
		rooms:  NewRooms(rt, cfg.Logger),
		rec: NewReconciler(PublicStatus{}, &ReconcilerConfig{
			Logger:  cfg.Logger,
			Metrics: cfg.Metrics,
			Now:     cfg.Now,
		}),
	}
}

// Bus exposes the feed's event bus for extra subscribers.
func (f *StatusFeed) Bus() *Bus { return f.bus }

// Realtime exposes the underlying connection.
func (f *StatusFeed) Realtime() *Realtime { return f.rt }

// Snapshot returns the current read model.
func (f *StatusFeed) Snapshot() PublicStatus { return f.rec.Snapshot() }

// OnChange registers fn to receive every new snapshot.
func (f *StatusFeed) OnChange(fn func(PublicStatus)) { f.rec.OnChange(fn) }

// Start connects, joins the public room and loads the initial snapshot.
// Events that arrive before the snapshot are superseded by it.
func (f *StatusFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.New("status feed closed")
	}
	if f.cancel != nil {
		f.mu.Unlock()
		return errors.New("status feed already started")
	}
	lifeCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.sub = On(f.bus, KindConnect, func(ev Connected) {
		if ev.Reconnect {
			f.resync(lifeCtx)
		}
	})
	f.mu.Unlock()

	f.rec.Attach(f.bus, PublicKinds...)
	if err := f.rooms.JoinPublicStatus(ctx, f.slug); err != nil {
		f.Close()
		return err
	}
	if err := f.rt.ConnectAnonymous(ctx); err != nil {
		f.Close()
		return err
	}

	page, err := f.client.PublicStatus(ctx, f.slug)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to load status page: %w", err)
	}
	f.rec.Reset(*page)
	f.log.Info("status feed started", zap.Int("services", len(page.Services)))
	return nil
}

// resync refetches the page in the background. Overlapping requests collapse
// into the one already running.
func (f *StatusFeed) resync(ctx context.Context) {
	f.mu.Lock()
	if f.resyncing || ctx.Err() != nil {
		f.mu.Unlock()
		return
	}
	f.resyncing = true
	f.wg.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()
		defer func() {
			f.mu.Lock()
			f.resyncing = false
			f.mu.Unlock()
		}()

		fetchCtx, cancel := context.WithTimeout(ctx, f.cfg.ResyncTimeout)
		defer cancel()
		page, err := f.client.PublicStatus(fetchCtx, f.slug)
		if err != nil {
			f.log.Warn("resync failed", zap.Error(err))
			return
		}
		f.rec.Reset(*page)
		f.log.Debug("resynced after reconnect")
	}()
}

// Close disconnects and waits for any running resync. A closed feed cannot
// be started again.
func (f *StatusFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	cancel := f.cancel
	f.cancel = nil
	sub := f.sub
	f.sub = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	sub.Unsubscribe()
	f.rec.Detach()
	f.rooms.Close()
	err := f.rt.Disconnect()
	f.wg.Wait()
	return err
}
