package connectivity

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/orchardlog/fieldsync/internal/apiclient"
)

func TestMonitor_FiresOnTransitionsOnly(t *testing.T) {
	m := NewMonitor(true, nil)
	var got []bool
	m.Subscribe(func(online bool) { got = append(got, online) })

	m.Set(true) // no change
	m.Set(false)
	m.Set(false) // no change
	m.Set(true)

	if len(got) != 2 || got[0] != false || got[1] != true {
		t.Errorf("transitions = %v, want [false true]", got)
	}
	if !m.IsOnline() {
		t.Error("IsOnline = false after Set(true)")
	}
}

func TestMonitor_OrderAndUnsubscribe(t *testing.T) {
	m := NewMonitor(false, nil)
	var order []string
	unsub := m.Subscribe(func(bool) { order = append(order, "first") })
	m.Subscribe(func(bool) { order = append(order, "second") })

	m.Set(true)
	unsub()
	m.Set(false)

	if strings.Join(order, ",") != "first,second,second" {
		t.Errorf("order = %v", order)
	}
}

type fakeHealth struct {
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *fakeHealth) Health(ctx context.Context) (*apiclient.HealthResponse, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return &apiclient.HealthResponse{Status: "ok"}, nil
}

func TestProber_ProbeOnce(t *testing.T) {
	m := NewMonitor(true, nil)
	hc := &fakeHealth{}
	p := NewProber(m, hc, ProberConfig{})

	hc.fail.Store(true)
	if p.ProbeOnce(context.Background()) {
		t.Error("ProbeOnce = true for failing check")
	}
	if m.IsOnline() {
		t.Error("monitor still online after failed probe")
	}

	hc.fail.Store(false)
	if !p.ProbeOnce(context.Background()) || !m.IsOnline() {
		t.Error("monitor not online after successful probe")
	}
}

func TestProber_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewMonitor(false, nil)
	hc := &fakeHealth{}
	p := NewProber(m, hc, ProberConfig{Interval: 10 * time.Millisecond})

	online := make(chan struct{}, 1)
	m.Subscribe(func(on bool) {
		if on {
			select {
			case online <- struct{}{}:
			default:
			}
		}
	})

	p.Start(context.Background())
	p.Start(context.Background()) // second start is a no-op

	select {
	case <-online:
	case <-time.After(2 * time.Second):
		t.Fatal("prober never reported online")
	}

	time.Sleep(35 * time.Millisecond)
	p.Stop()
	p.Stop()

	if hc.calls.Load() < 2 {
		t.Errorf("health calls = %d, want periodic probing", hc.calls.Load())
	}
}
