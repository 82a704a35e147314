package tunn

import (
	mrand "math/rand/v2"
	"time"

	"github.com/database64128/wgmux-go/internal/wireguard"
)

// maxRekeyJitter is the upper bound of the random delay added to handshake retransmissions.
const maxRekeyJitter = 333 * time.Millisecond

type timers struct {
	// handshakeStarted is when the first initiation of the current attempt was sent.
	handshakeStarted   time.Time
	lastInitiationSent time.Time
	rekeyJitter        time.Duration

	sessionEstablished time.Time

	lastPacketSent     time.Time
	lastPacketReceived time.Time
	lastDataSent       time.Time
	lastDataReceived   time.Time

	wantHandshake bool
}

func (t *timers) initiationSent(now time.Time, isRetry bool) {
	if !isRetry || t.handshakeStarted.IsZero() {
		t.handshakeStarted = now
	}
	t.lastInitiationSent = now
	t.rekeyJitter = mrand.N(maxRekeyJitter + 1)
	t.wantHandshake = false
}

func (t *timers) sessionStarted(now time.Time) {
	t.sessionEstablished = now
	t.handshakeStarted = time.Time{}
	t.wantHandshake = false
}

// UpdateTimers must be called periodically, typically every 250 milliseconds.
// It expires old sessions, retransmits handshake initiations, rekeys and sends keepalives.
//
// [ErrConnectionExpired] is returned when a handshake attempt has failed for [wireguard.RekeyAttemptTime],
// or when no session has been established for 3 times [wireguard.RejectAfterTime].
func (t *Tunn) UpdateTimers(dst []byte) (Result, error) {
	now := t.now()

	if t.current != nil && t.current.expired(now) {
		t.current = nil
	}
	if t.previous != nil && t.previous.expired(now) {
		t.previous = nil
	}
	if t.next != nil && t.next.expired(now) {
		t.next = nil
	}

	if t.handshake != nil {
		if now.Sub(t.timers.handshakeStarted) >= wireguard.RekeyAttemptTime {
			t.handshake = nil
			t.timers.handshakeStarted = time.Time{}
			clear(t.queue)
			t.queue = t.queue[:0]
			return Result{}, ErrConnectionExpired
		}
		if now.Sub(t.timers.lastInitiationSent) >= wireguard.RekeyTimeout+t.timers.rekeyJitter {
			return t.sendInitiation(dst, now, true)
		}
	}

	if !t.timers.sessionEstablished.IsZero() && now.Sub(t.timers.sessionEstablished) >= 3*wireguard.RejectAfterTime {
		t.current = nil
		t.previous = nil
		t.next = nil
		t.timers.sessionEstablished = time.Time{}
		return Result{}, ErrConnectionExpired
	}

	if t.handshake == nil && t.shouldInitiate(now) {
		return t.sendInitiation(dst, now, false)
	}

	kp := t.current
	if kp == nil || !kp.canSend(now) {
		return Result{}, nil
	}

	if len(t.queue) > 0 {
		return t.sendQueued(dst, now)
	}

	// Passive keepalive: we received data but have not sent anything since.
	if t.timers.lastDataReceived.After(t.timers.lastPacketSent) &&
		now.Sub(t.timers.lastDataReceived) >= wireguard.KeepaliveTimeout {
		return t.sealWith(kp, dst, nil, now)
	}

	if t.persistentKeepalive > 0 && now.Sub(t.timers.lastPacketSent) >= t.persistentKeepalive {
		return t.sealWith(kp, dst, nil, now)
	}

	return Result{}, nil
}

func (t *Tunn) shouldInitiate(now time.Time) bool {
	if t.timers.wantHandshake {
		return true
	}

	kp := t.current
	if kp == nil {
		// Packets are waiting and no responder session is pending confirmation.
		return len(t.queue) > 0 && t.next == nil
	}

	if kp.isInitiator && (now.Sub(kp.created) >= wireguard.RekeyAfterTime || kp.sendCounter >= wireguard.RekeyAfterMessages) {
		return true
	}

	// We sent data but heard nothing back.
	return t.timers.lastDataSent.After(t.timers.lastPacketReceived) &&
		now.Sub(t.timers.lastDataSent) >= wireguard.KeepaliveTimeout+wireguard.RekeyTimeout
}
