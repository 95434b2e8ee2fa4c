// ABOUTME: Timer handles owned by the run loop.
// ABOUTME: An unarmed handle exposes a nil channel so select skips it.

package shard

import "time"

type timer struct {
	t *time.Timer
}

func (t *timer) arm(d time.Duration) {
	t.stop()
	t.t = time.NewTimer(d)
}

func (t *timer) stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

func (t *timer) C() <-chan time.Time {
	if t.t == nil {
		return nil
	}
	return t.t.C
}

type ticker struct {
	t *time.Ticker
}

func (t *ticker) start(d time.Duration) {
	t.stop()
	t.t = time.NewTicker(d)
}

func (t *ticker) stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

func (t *ticker) C() <-chan time.Time {
	if t.t == nil {
		return nil
	}
	return t.t.C
}

type timers struct {
	open, hello, ready, resume, guilds, retry timer
	heartbeat                                 ticker
}

func (t *timers) stopAll() {
	t.open.stop()
	t.hello.stop()
	t.ready.stop()
	t.resume.stop()
	t.guilds.stop()
	t.retry.stop()
	t.heartbeat.stop()
}
