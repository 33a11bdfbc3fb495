package blockwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"multiquery/internal/jsonrpc"
)

const (
	defaultMessageTimeout    = 60 * time.Second
	defaultReconnectInterval = 5 * time.Second
	handshakeTimeout         = 10 * time.Second
)

// HeadWatcher maintains one WebSocket newHeads subscription against a node
// and feeds the decoded block numbers into a Notifier. It reconnects on
// read errors and suppresses headers it has already forwarded, so the
// notifier sees each head at most once even across reconnects.
type HeadWatcher struct {
	wsURL             string
	messageTimeout    time.Duration
	reconnectInterval time.Duration
	notifier          *Notifier
	dedup             *Deduplicator
	logger            zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewHeadWatcher creates a watcher for the given WebSocket endpoint.
// Zero durations fall back to defaults.
func NewHeadWatcher(wsURL string, notifier *Notifier, dedupSize int, messageTimeout, reconnectInterval time.Duration, logger zerolog.Logger) (*HeadWatcher, error) {
	dedup, err := NewDeduplicator(dedupSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create deduplicator: %w", err)
	}
	if messageTimeout == 0 {
		messageTimeout = defaultMessageTimeout
	}
	if reconnectInterval == 0 {
		reconnectInterval = defaultReconnectInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HeadWatcher{
		wsURL:             wsURL,
		messageTimeout:    messageTimeout,
		reconnectInterval: reconnectInterval,
		notifier:          notifier,
		dedup:             dedup,
		logger:            logger.With().Str("component", "head-watcher").Logger(),
		ctx:               ctx,
		cancel:            cancel,
	}, nil
}

// Start launches the watch loop. Calling Start twice is a no-op.
func (w *HeadWatcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run()
}

// Stop tears the connection down and waits for the watch loop to exit.
func (w *HeadWatcher) Stop() {
	w.cancel()
	w.wg.Wait()
	w.logger.Info().Msg("head watcher stopped")
}

func (w *HeadWatcher) run() {
	defer w.wg.Done()

	for {
		if w.ctx.Err() != nil {
			return
		}
		err := w.watchOnce()
		if w.ctx.Err() != nil {
			return
		}
		w.logger.Warn().Err(err).Dur("retryIn", w.reconnectInterval).Msg("head subscription lost")
		select {
		case <-w.ctx.Done():
			return
		case <-time.After(w.reconnectInterval):
		}
	}
}

// watchOnce dials, subscribes to newHeads and reads events until the
// connection fails or the watcher is stopped.
func (w *HeadWatcher) watchOnce() error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(w.ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	// Tear the read loop down when the watcher stops; ReadMessage has no
	// context form.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-w.ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if err := w.subscribe(conn); err != nil {
		return err
	}
	w.logger.Info().Str("url", w.wsURL).Msg("subscribed to newHeads")

	for {
		conn.SetReadDeadline(time.Now().Add(w.messageTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		var notification jsonrpc.SubscriptionNotification
		if err := json.Unmarshal(data, &notification); err != nil {
			continue // not a notification
		}
		if notification.Method != "eth_subscription" {
			continue
		}

		var header jsonrpc.BlockHeader
		if err := json.Unmarshal(notification.Params.Result, &header); err != nil {
			w.logger.Debug().Err(err).Msg("unparseable head event")
			continue
		}
		if w.dedup.IsDuplicate(header.Hash) {
			w.logger.Debug().Str("hash", header.Hash).Msg("duplicate head, skipping")
			continue
		}
		block, err := header.BlockNumber()
		if err != nil {
			w.logger.Debug().Err(err).Msg("head event without usable block number")
			continue
		}
		w.notifier.OnBlockUpdated(block)
	}
}

func (w *HeadWatcher) subscribe(conn *websocket.Conn) error {
	req, err := jsonrpc.NewRequest("eth_subscribe", []interface{}{"newHeads"}, jsonrpc.NewIDInt(1))
	if err != nil {
		return fmt.Errorf("failed to create subscribe request: %w", err)
	}
	reqBytes, err := req.Bytes()
	if err != nil {
		return fmt.Errorf("failed to marshal subscribe request: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, reqBytes); err != nil {
		return fmt.Errorf("failed to send subscribe request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, respData, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read subscribe response: %w", err)
	}
	resp, err := jsonrpc.ParseResponse(respData)
	if err != nil {
		return fmt.Errorf("failed to parse subscribe response: %w", err)
	}
	if resp.HasError() {
		return fmt.Errorf("subscription rejected: %s", resp.Error.Message)
	}
	return nil
}
