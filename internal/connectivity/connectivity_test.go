package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func receive(t *testing.T, updates <-chan Transition) Transition {
	t.Helper()
	select {
	case transition := <-updates:
		return transition
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for transition")
	}
	return Transition{}
}

func expectNone(t *testing.T, updates <-chan Transition) {
	t.Helper()
	select {
	case transition := <-updates:
		t.Fatalf("unexpected transition %#v", transition)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitorSetPublishesOnlyChanges(t *testing.T) {
	monitor := NewMonitor(MonitorConfig{InitiallyOnline: true})
	defer monitor.Close()
	updates, unsubscribe := monitor.Subscribe(context.Background())
	defer unsubscribe()

	if monitor.Set(true) {
		t.Fatalf("redundant set should report no change")
	}
	expectNone(t, updates)

	if !monitor.Set(false) {
		t.Fatalf("expected change")
	}
	transition := receive(t, updates)
	if transition.Online || !transition.Changed {
		t.Fatalf("unexpected transition %#v", transition)
	}
	if monitor.Online() {
		t.Fatalf("monitor should be offline")
	}
}

func TestMonitorReportAlwaysPublishes(t *testing.T) {
	monitor := NewMonitor(MonitorConfig{InitiallyOnline: true})
	defer monitor.Close()
	updates, unsubscribe := monitor.Subscribe(context.Background())
	defer unsubscribe()

	monitor.Report(true)
	transition := receive(t, updates)
	if !transition.Online || transition.Changed {
		t.Fatalf("expected redundant online report, got %#v", transition)
	}
}

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error {
	return s.err
}

func TestProberRequiresInternetAndBackend(t *testing.T) {
	probe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD probe, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer probe.Close()

	testCases := []struct {
		name     string
		probeURL string
		backend  Pinger
		want     bool
	}{
		{name: "both reachable", probeURL: probe.URL, backend: stubPinger{}, want: true},
		{name: "backend down", probeURL: probe.URL, backend: stubPinger{err: errors.New("refused")}, want: false},
		{name: "internet down", probeURL: "http://127.0.0.1:1/favicon.ico", backend: stubPinger{}, want: false},
		{name: "no probe url", backend: stubPinger{}, want: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			monitor := NewMonitor(MonitorConfig{InitiallyOnline: !testCase.want})
			defer monitor.Close()
			prober, err := NewProber(ProberConfig{
				Monitor:  monitor,
				Backend:  testCase.backend,
				ProbeURL: testCase.probeURL,
				Timeout:  time.Second,
			})
			if err != nil {
				t.Fatalf("failed to create prober: %v", err)
			}
			if got := prober.Check(context.Background()); got != testCase.want {
				t.Fatalf("expected online=%v, got %v", testCase.want, got)
			}
			if monitor.Online() != testCase.want {
				t.Fatalf("monitor not updated")
			}
		})
	}
}

func TestProberReportsEveryCheck(t *testing.T) {
	monitor := NewMonitor(MonitorConfig{InitiallyOnline: true})
	defer monitor.Close()
	updates, unsubscribe := monitor.Subscribe(context.Background())
	defer unsubscribe()
	prober, err := NewProber(ProberConfig{Monitor: monitor, Backend: stubPinger{}})
	if err != nil {
		t.Fatalf("failed to create prober: %v", err)
	}

	for i := 0; i < 2; i++ {
		if !prober.Check(context.Background()) {
			t.Fatalf("expected check %d to succeed", i)
		}
		transition := receive(t, updates)
		if !transition.Online || transition.Changed {
			t.Fatalf("expected unchanged online report, got %#v", transition)
		}
	}
}

func TestNewProberRejectsInvalidSchedule(t *testing.T) {
	_, err := NewProber(ProberConfig{Monitor: NewMonitor(MonitorConfig{}), Schedule: "every now and then"})
	if err == nil {
		t.Fatalf("expected invalid schedule error")
	}
	if _, err := NewProber(ProberConfig{}); !errors.Is(err, errMissingMonitor) {
		t.Fatalf("expected missing monitor error, got %v", err)
	}
}

func TestProberStartRunsInitialCheck(t *testing.T) {
	monitor := NewMonitor(MonitorConfig{})
	defer monitor.Close()
	prober, err := NewProber(ProberConfig{Monitor: monitor, Backend: stubPinger{}, Schedule: "@every 1h"})
	if err != nil {
		t.Fatalf("failed to create prober: %v", err)
	}
	prober.Start(context.Background())
	defer prober.Stop()
	if !monitor.Online() {
		t.Fatalf("expected initial check to mark the monitor online")
	}
}
