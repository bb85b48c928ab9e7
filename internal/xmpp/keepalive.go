package xmpp

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/rs/zerolog/log"
)

// keepalive sends a ping IQ on a fixed interval and counts consecutive
// unanswered pings. After maxMisses consecutive misses an expiry timer
// arms; if that fires too, the socket is forcibly closed.
type keepalive struct {
	conn *Connection

	mu     sync.Mutex
	misses int
	lastID string
	expiry *time.Timer
	ticker *time.Ticker
	done   chan struct{}
}

func newKeepalive(c *Connection) *keepalive {
	return &keepalive{conn: c, done: make(chan struct{})}
}

func (k *keepalive) start(ctx context.Context) {
	k.ticker = time.NewTicker(k.conn.cfg.PingInterval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-k.done:
				return
			case <-k.ticker.C:
				k.tick()
			}
		}
	}()
}

func (k *keepalive) tick() {
	k.mu.Lock()
	k.misses++
	if k.misses > k.conn.cfg.MaxPingMisses && k.expiry == nil {
		log.Warn().Str("module", "xmpp").Int("misses", k.misses).Msg("ping misses over threshold, arming expiry")
		k.expiry = time.AfterFunc(k.conn.cfg.PingInterval, func() {
			k.conn.forceClose("ping timeout")
		})
	}
	k.lastID = k.conn.nextID("ping")
	id := k.lastID
	k.mu.Unlock()

	iq := etree.NewElement("iq")
	iq.CreateAttr("xmlns", nsClient)
	iq.CreateAttr("type", "get")
	iq.CreateAttr("id", id)
	iq.CreateAttr("to", k.conn.cfg.Domain)
	ping := iq.CreateElement("ping")
	ping.CreateAttr("xmlns", nsPing)
	if err := k.conn.trySendElement(iq); err != nil {
		log.Error().Err(err).Str("module", "xmpp").Msg("send ping")
	}
}

// reset is invoked for any inbound stanza addressed to the ping id.
func (k *keepalive) reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.misses = 0
	if k.expiry != nil {
		k.expiry.Stop()
		k.expiry = nil
	}
}

func (k *keepalive) stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	select {
	case <-k.done:
	default:
		close(k.done)
	}
	if k.ticker != nil {
		k.ticker.Stop()
	}
	if k.expiry != nil {
		k.expiry.Stop()
		k.expiry = nil
	}
}
