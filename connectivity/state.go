package connectivity

import "time"

// Stats is a snapshot of the traffic counters of a tunnel.
type Stats struct {
	TxBytes uint64
	RxBytes uint64
}

// connState tracks when traffic last moved in each direction.
//
// A tunnel starts out connecting and becomes connected once it has received
// at least one byte. It never goes back to connecting.
type connState struct {
	connected bool
	stats     Stats

	// start is when the monitor started. Only meaningful while connecting.
	start time.Time

	// txTimestamp is when tx last increased. Zero while connecting means never.
	txTimestamp time.Time

	// rxTimestamp is when rx last increased. Only meaningful once connected.
	rxTimestamp time.Time
}

func newConnState(now time.Time) connState {
	return connState{start: now}
}

// update records a new snapshot and reports whether rx increased,
// which includes the transition to connected.
func (c *connState) update(now time.Time, stats Stats) bool {
	if !c.connected {
		if stats.RxBytes > 0 {
			if c.txTimestamp.IsZero() {
				c.txTimestamp = c.start
			}
			c.connected = true
			c.rxTimestamp = now
			c.stats = stats
			return true
		}
		if stats.TxBytes > c.stats.TxBytes {
			c.txTimestamp = now
		}
		c.stats = stats
		return false
	}

	rxIncremented := stats.RxBytes > c.stats.RxBytes
	if rxIncremented {
		c.rxTimestamp = now
	}
	if stats.TxBytes > c.stats.TxBytes {
		c.txTimestamp = now
	}
	c.stats = stats
	return rxIncremented
}

// resetAfterSuspension pretends that bytes were just received.
func (c *connState) resetAfterSuspension(now time.Time) {
	if c.connected {
		c.rxTimestamp = now
	}
}

// rxTimedOut reports whether we sent something and heard nothing back for too long.
func (c *connState) rxTimedOut(now time.Time) bool {
	if !c.connected {
		return now.Sub(c.start) >= BytesRxTimeout
	}
	return !c.txTimestamp.Before(c.rxTimestamp) && now.Sub(c.rxTimestamp) >= BytesRxTimeout
}

// trafficTimedOut reports whether the tunnel has been idle in either direction for too long.
func (c *connState) trafficTimedOut(now time.Time) bool {
	if !c.connected {
		return c.rxTimedOut(now)
	}
	return now.Sub(c.rxTimestamp) >= TrafficTimeout || now.Sub(c.txTimestamp) >= TrafficTimeout
}

// pingState tracks the pings sent since traffic last flowed.
type pingState struct {
	pinger Pinger

	// initial is when the first ping was sent. Zero when no ping is outstanding.
	initial time.Time
	sent    int
}

// due reports whether another ping should be sent now.
func (p *pingState) due(now time.Time) bool {
	if p.initial.IsZero() {
		return true
	}
	return now.Sub(p.initial) >= time.Duration(p.sent)*PingInterval
}

func (p *pingState) send(now time.Time) error {
	if err := p.pinger.SendICMP(); err != nil {
		return err
	}
	if p.initial.IsZero() {
		p.initial = now
	}
	p.sent++
	return nil
}

func (p *pingState) timedOut(now time.Time, timeout time.Duration) bool {
	return !p.initial.IsZero() && now.Sub(p.initial) > timeout
}

func (p *pingState) reset() {
	p.initial = time.Time{}
	p.sent = 0
	p.pinger.Reset()
}
