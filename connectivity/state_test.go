package connectivity

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestConnStateNoTimeoutOnStart(t *testing.T) {
	c := newConnState(t0)
	if c.connected || c.rxTimedOut(t0) || c.trafficTimedOut(t0) {
		t.Errorf("new state: connected %v rxTimedOut %v trafficTimedOut %v", c.connected, c.rxTimedOut(t0), c.trafficTimedOut(t0))
	}
}

func TestConnStateConnectingTimeout(t *testing.T) {
	c := newConnState(t0)
	now := t0.Add(BytesRxTimeout)

	// Sending alone does not connect.
	if c.update(now, Stats{TxBytes: 148}) {
		t.Error("update reported rx without any received bytes")
	}
	if c.connected {
		t.Error("connected without any received bytes")
	}
	if c.txTimestamp != now {
		t.Errorf("tx timestamp = %v, want %v", c.txTimestamp, now)
	}
	if !c.rxTimedOut(now) || !c.trafficTimedOut(now) {
		t.Error("connecting state did not time out after BytesRxTimeout")
	}
}

func TestConnStateConnect(t *testing.T) {
	c := newConnState(t0)
	now := t0.Add(time.Second)

	if !c.update(now, Stats{TxBytes: 148, RxBytes: 92}) {
		t.Fatal("update did not report the first received bytes")
	}
	if !c.connected {
		t.Fatal("not connected after receiving bytes")
	}
	if c.rxTimestamp != now || c.txTimestamp != t0 {
		t.Errorf("rx %v tx %v, want rx %v tx %v", c.rxTimestamp, c.txTimestamp, now, t0)
	}
}

func TestConnStateConnectedTimeouts(t *testing.T) {
	for _, c := range []struct {
		name            string
		rxAgo, txAgo    time.Duration
		rxTimedOut      bool
		trafficTimedOut bool
	}{
		{"Fresh", 0, 0, false, false},
		{"SentNoReply", BytesRxTimeout, 0, true, false},
		{"ReceivedLastRecently", time.Second, 2 * time.Second, false, false},
		{"ReceivedLastLongAgo", BytesRxTimeout, BytesRxTimeout + time.Second, false, false},
		{"IdleRx", TrafficTimeout, TrafficTimeout + time.Second, false, true},
		{"IdleTx", time.Second, TrafficTimeout, false, true},
	} {
		t.Run(c.name, func(t *testing.T) {
			now := t0.Add(time.Hour)
			s := connState{
				connected:   true,
				rxTimestamp: now.Add(-c.rxAgo),
				txTimestamp: now.Add(-c.txAgo),
			}
			if got := s.rxTimedOut(now); got != c.rxTimedOut {
				t.Errorf("rxTimedOut() = %v, want %v", got, c.rxTimedOut)
			}
			if got := s.trafficTimedOut(now); got != c.trafficTimedOut {
				t.Errorf("trafficTimedOut() = %v, want %v", got, c.trafficTimedOut)
			}
		})
	}
}

func TestConnStateConnectedUpdate(t *testing.T) {
	c := newConnState(t0)
	c.update(t0, Stats{TxBytes: 148, RxBytes: 92})

	now := t0.Add(time.Second)
	if c.update(now, Stats{TxBytes: 296, RxBytes: 92}) {
		t.Error("update reported rx when only tx increased")
	}
	if c.txTimestamp != now || c.rxTimestamp != t0 {
		t.Errorf("rx %v tx %v, want rx %v tx %v", c.rxTimestamp, c.txTimestamp, t0, now)
	}

	now = now.Add(time.Second)
	if !c.update(now, Stats{TxBytes: 296, RxBytes: 184}) {
		t.Error("update did not report rx")
	}
	if c.rxTimestamp != now {
		t.Errorf("rx timestamp = %v, want %v", c.rxTimestamp, now)
	}

	later := now.Add(time.Minute)
	c.resetAfterSuspension(later)
	if c.rxTimestamp != later {
		t.Errorf("rx timestamp after suspension = %v, want %v", c.rxTimestamp, later)
	}
}

func TestPingState(t *testing.T) {
	pinger := &fakePinger{}
	p := pingState{pinger: pinger}

	if !p.due(t0) {
		t.Fatal("first ping not due")
	}
	if err := p.send(t0); err != nil {
		t.Fatal(err)
	}
	if p.due(t0.Add(PingInterval - time.Millisecond)) {
		t.Error("second ping due before PingInterval")
	}
	if !p.due(t0.Add(PingInterval)) {
		t.Error("second ping not due after PingInterval")
	}
	if p.timedOut(t0.Add(PingTimeout), PingTimeout) {
		t.Error("timed out at exactly PingTimeout")
	}
	if !p.timedOut(t0.Add(PingTimeout+time.Millisecond), PingTimeout) {
		t.Error("not timed out after PingTimeout")
	}

	p.reset()
	if p.timedOut(t0.Add(time.Hour), PingTimeout) || p.sent != 0 || pinger.resets != 1 {
		t.Errorf("after reset: sent %d resets %d", p.sent, pinger.resets)
	}
}
