package model

import (
	"testing"
	"time"
)

func TestChannelDue(t *testing.T) {
	now := time.Now()

	never := &Channel{CheckInterval: time.Hour}
	if !never.Due(now) {
		t.Fatal("channel with nil LastChecked should always be due")
	}

	recentlyChecked := now.Add(-30 * time.Minute)
	c := &Channel{CheckInterval: time.Hour, LastChecked: &recentlyChecked}
	if c.Due(now) {
		t.Fatal("channel checked 30m ago with 1h interval should not be due")
	}

	overdue := now.Add(-2 * time.Hour)
	c.LastChecked = &overdue
	if !c.Due(now) {
		t.Fatal("channel checked 2h ago with 1h interval should be due")
	}
}

func TestPostHasMediaURL(t *testing.T) {
	p := &Post{}
	if p.HasMediaURL() {
		t.Fatal("post with empty media source url should report false")
	}
	p.MediaSourceURL = "https://cdn/x1.vid"
	if !p.HasMediaURL() {
		t.Fatal("post with media source url should report true")
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	s := &Session{CreatedAt: now.Add(-10 * time.Minute)}

	if s.Expired(30*time.Minute, now) {
		t.Fatal("10m-old session with 30m ttl should not be expired")
	}
	if !s.Expired(5*time.Minute, now) {
		t.Fatal("10m-old session with 5m ttl should be expired")
	}

	var nilSession *Session
	if !nilSession.Expired(time.Hour, now) {
		t.Fatal("nil session should be treated as expired")
	}
}
