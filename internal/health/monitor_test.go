package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zhijun2003/QingyunAI/internal/config"
	"github.com/zhijun2003/QingyunAI/internal/store"
)

type staticSource []store.Provider

func (s staticSource) ActiveProviders(context.Context) ([]store.Provider, error) { return s, nil }

type mapProber map[string]error

func (m mapProber) TestConnection(_ context.Context, id string) (bool, error) {
	err, ok := m[id]
	if !ok {
		return false, nil
	}
	return err == nil, err
}

func TestCheckNowRecordsEveryProvider(t *testing.T) {
	source := staticSource{
		{ID: "p1", Name: "alpha"},
		{ID: "p2", Name: "beta"},
		{ID: "p3", Name: "gamma"},
	}
	prober := mapProber{"p1": nil, "p2": errors.New("no available provider credential")}

	m := NewMonitor(source, prober, config.HealthConfig{CheckInterval: time.Minute}, nil)
	m.CheckNow(context.Background())

	snap := m.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 results, got %d", len(snap))
	}
	if !snap[0].Healthy || snap[0].ProviderID != "p1" {
		t.Fatalf("expected alpha healthy, got %+v", snap[0])
	}
	if snap[1].Healthy || snap[1].Error == "" {
		t.Fatalf("expected beta to carry the probe error, got %+v", snap[1])
	}
	if snap[2].Healthy || snap[2].Error != "connection test failed" {
		t.Fatalf("expected gamma failed probe, got %+v", snap[2])
	}
}

func TestStartWithZeroIntervalIsIdle(t *testing.T) {
	m := NewMonitor(staticSource{{ID: "p1"}}, mapProber{"p1": nil}, config.HealthConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	if len(m.Snapshot()) != 0 {
		t.Fatalf("expected no probes when the interval is zero")
	}
}

func TestStartRunsInitialSweep(t *testing.T) {
	m := NewMonitor(staticSource{{ID: "p1", Name: "alpha"}}, mapProber{"p1": nil}, config.HealthConfig{CheckInterval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap := m.Snapshot(); len(snap) == 1 && snap[0].Healthy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("initial sweep did not run")
}
