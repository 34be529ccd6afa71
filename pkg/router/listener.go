package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// cmdKind distinguishes the two subscription commands a stream can be
// asked to run.
type cmdKind int

const (
	cmdSubscribe cmdKind = iota
	cmdUnsubscribe
)

// subscriptionCmd asks the stream's owning goroutine to LISTEN or UNLISTEN
// on one channel. The SQL text itself is built inside runCmd, not stored
// here, so a command only ever carries what the caller actually decided:
// which channel, which direction, and (for an unsubscribe) the epoch it
// was requested under.
type subscriptionCmd struct {
	kind    cmdKind
	channel string
	epoch   uint64 // unsubscribe only; 0 means "always run"
	done    chan error
}

// notifyConn owns one dedicated Postgres connection used purely for
// LISTEN/NOTIFY, and fans incoming notifications out to a single callback.
// Every workspace stream the Router opens, plus its one control-channel
// connection, is an independent notifyConn — there is no shared
// ConnectionManager here, just whatever closure the caller passed to
// newNotifyConn (reconcile-on-rule-change for the control connection,
// dispatch-to-rules for a workspace stream).
//
// pgx forbids issuing Exec and WaitForNotification concurrently on the
// same *pgx.Conn ("conn busy"), so exactly one goroutine — the receive
// loop started by Start — ever touches conn. Subscribe/Unsubscribe hand
// their request to that goroutine over cmdCh and block on a per-call
// result channel instead of taking the connection themselves.
type notifyConn struct {
	connString string
	onNotify   func(channel string, payload []byte)

	conn   *pgx.Conn
	connMu sync.Mutex

	subscribed   map[string]bool
	subscribedMu sync.RWMutex

	cmdCh   chan subscriptionCmd
	running atomic.Bool

	// epoch counts, per channel, how many times a LISTEN for it has been
	// run on the connection. Unsubscribe captures the epoch current at
	// call time; if a fresh Subscribe runs (and bumps the epoch) before
	// the matching UNLISTEN reaches the front of cmdCh, that UNLISTEN is
	// for a subscription that no longer exists and must be dropped —
	// otherwise a tight unsubscribe/resubscribe pair could leave the
	// channel silently unlistened.
	epoch   map[string]uint64
	epochMu sync.Mutex

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

func newNotifyConn(connString string, onNotify func(channel string, payload []byte)) *notifyConn {
	return &notifyConn{
		connString: connString,
		onNotify:   onNotify,
		subscribed: make(map[string]bool),
		cmdCh:      make(chan subscriptionCmd, 16),
		epoch:      make(map[string]uint64),
	}
}

// Start opens the dedicated connection and launches the receive loop.
func (l *notifyConn) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("opening LISTEN connection: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()
	return nil
}

// Subscribe issues LISTEN for channel and waits for it to take effect.
func (l *notifyConn) Subscribe(ctx context.Context, channel string) error {
	if err := l.submit(ctx, subscriptionCmd{kind: cmdSubscribe, channel: channel, done: make(chan error, 1)}); err != nil {
		return err
	}
	l.subscribedMu.Lock()
	l.subscribed[channel] = true
	l.subscribedMu.Unlock()
	return nil
}

// Unsubscribe issues UNLISTEN for channel, unless a newer Subscribe has
// since reclaimed it (see the epoch field's doc comment).
func (l *notifyConn) Unsubscribe(ctx context.Context, channel string) error {
	l.subscribedMu.Lock()
	if !l.subscribed[channel] {
		l.subscribedMu.Unlock()
		return nil
	}
	l.subscribedMu.Unlock()

	if !l.running.Load() {
		return nil
	}

	l.epochMu.Lock()
	capturedEpoch := l.epoch[channel]
	l.epochMu.Unlock()

	cmd := subscriptionCmd{kind: cmdUnsubscribe, channel: channel, epoch: capturedEpoch, done: make(chan error, 1)}
	if err := l.submit(ctx, cmd); err != nil {
		return err
	}

	l.epochMu.Lock()
	wonByNewerSubscribe := l.epoch[channel] != capturedEpoch
	l.epochMu.Unlock()
	if !wonByNewerSubscribe {
		l.subscribedMu.Lock()
		delete(l.subscribed, channel)
		l.subscribedMu.Unlock()
	}
	return nil
}

// submit hands cmd to the receive loop and waits for it to run.
func (l *notifyConn) submit(ctx context.Context, cmd subscriptionCmd) error {
	if !l.running.Load() {
		return fmt.Errorf("notify connection not started")
	}
	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		if err != nil {
			return fmt.Errorf("%s on %q: %w", cmdLabel(cmd.kind), cmd.channel, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cmdLabel(k cmdKind) string {
	if k == cmdSubscribe {
		return "LISTEN"
	}
	return "UNLISTEN"
}

// receiveLoop is the single goroutine allowed to touch conn: it drains
// queued subscribe/unsubscribe commands, then waits briefly for a
// notification, repeating until told to stop. The short wait timeout is
// what lets a command queued mid-wait get picked up promptly rather than
// sitting behind an open-ended WaitForNotification call.
func (l *notifyConn) receiveLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		l.drainCommands(ctx)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		switch {
		case err == nil:
			l.onNotify(notification.Channel, []byte(notification.Payload))
		case ctx.Err() != nil:
			return
		case waitCtx.Err() != nil:
			// Just the polling timeout; loop back and check cmdCh again.
		default:
			slog.Error("notify connection lost", "error", err)
			l.reconnect(ctx)
		}
	}
}

// drainCommands runs every command currently queued on cmdCh without
// blocking; new arrivals are picked up on the next receiveLoop iteration.
func (l *notifyConn) drainCommands(ctx context.Context) {
	for {
		var cmd subscriptionCmd
		select {
		case cmd = <-l.cmdCh:
		default:
			return
		}
		cmd.done <- l.runCmd(ctx, cmd)
	}
}

// runCmd executes one already-dequeued command against conn, applying the
// epoch bookkeeping described on notifyConn.epoch.
func (l *notifyConn) runCmd(ctx context.Context, cmd subscriptionCmd) error {
	if cmd.kind == cmdUnsubscribe && cmd.epoch > 0 {
		l.epochMu.Lock()
		obsolete := l.epoch[cmd.channel] != cmd.epoch
		l.epochMu.Unlock()
		if obsolete {
			return nil
		}
	}

	l.connMu.Lock()
	conn := l.conn
	l.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("connection not established")
	}

	sanitized := pgx.Identifier{cmd.channel}.Sanitize()
	sql := cmdLabel(cmd.kind) + " " + sanitized
	_, err := conn.Exec(ctx, sql)
	if err == nil && cmd.kind == cmdSubscribe {
		l.epochMu.Lock()
		l.epoch[cmd.channel]++
		l.epochMu.Unlock()
	}
	return err
}

// reconnect replaces a lost connection with a fresh one, backing off
// between attempts, then re-issues LISTEN for every channel the caller
// still considers subscribed.
func (l *notifyConn) reconnect(ctx context.Context) {
	l.connMu.Lock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
	l.connMu.Unlock()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("reconnecting notify connection failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		l.connMu.Lock()
		l.conn = conn
		l.connMu.Unlock()

		l.subscribedMu.RLock()
		channels := make([]string, 0, len(l.subscribed))
		for ch := range l.subscribed {
			channels = append(channels, ch)
		}
		l.subscribedMu.RUnlock()

		for _, ch := range channels {
			sanitized := pgx.Identifier{ch}.Sanitize()
			if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
				slog.Error("re-subscribing after reconnect failed", "channel", ch, "error", err)
			}
		}
		return
	}
}

// Stop halts the receive loop and closes the connection. Waiting for
// loopDone before closing avoids racing Close against an in-flight
// WaitForNotification on the same conn.
func (l *notifyConn) Stop(ctx context.Context) {
	l.running.Store(false)
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
