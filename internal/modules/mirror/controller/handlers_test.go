package controller

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dhtsync/internal/adjuster"
	"dhtsync/internal/journal"
	"dhtsync/internal/remote/memstore"
	"dhtsync/internal/syncengine"
	"dhtsync/internal/telemetry"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type mockJournal struct {
	samples    []journal.SampleRecord
	samplesErr error
	changes    []journal.ConfigChange
	changesErr error

	gotField telemetry.Field
	gotLimit int
}

func (m *mockJournal) RecordSample(context.Context, telemetry.Sample, time.Time) error {
	return nil
}

func (m *mockJournal) RecordConfig(context.Context, telemetry.Field, string, time.Time) error {
	return nil
}

func (m *mockJournal) LatestSamples(_ context.Context, limit int) ([]journal.SampleRecord, error) {
	m.gotLimit = limit
	return m.samples, m.samplesErr
}

func (m *mockJournal) ConfigHistory(_ context.Context, field telemetry.Field, limit int) ([]journal.ConfigChange, error) {
	m.gotField, m.gotLimit = field, limit
	return m.changes, m.changesErr
}

type fixture struct {
	store   *memstore.Store
	engine  *syncengine.Engine
	journal *mockJournal
	ctrl    *mirrorControllerImpl
	mux     *http.ServeMux
}

func newFixture(t *testing.T, opts ...adjuster.Option) *fixture {
	t.Helper()
	store := memstore.New()
	engine := syncengine.New(store,
		syncengine.WithLogger(quiet),
		syncengine.WithConfirmPolicy(syncengine.ConfirmAck),
		syncengine.WithWriteTimeout(time.Second),
	)
	adj := adjuster.New(store, engine, append([]adjuster.Option{adjuster.WithLogger(quiet)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = adj.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	j := &mockJournal{}
	ctrl := NewMirrorController(engine, adj, j).(*mirrorControllerImpl)
	mux := http.NewServeMux()
	ctrl.RegisterRoutes(mux)
	return &fixture{store: store, engine: engine, journal: j, ctrl: ctrl, mux: mux}
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	return v
}

func Test_handleState(t *testing.T) {
	f := newFixture(t)

	t.Run("empty mirror", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/v1/state", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d; want %d", rec.Code, http.StatusOK)
		}
		got := decode[telemetry.MirrorState](t, rec)
		if got.LatestSample != nil || got.Config.Threshold != nil || got.Config.Mode != "" {
			t.Errorf("state = %+v; want empty", got)
		}
	})

	t.Run("applied values", func(t *testing.T) {
		f.engine.ApplySampleEvent("1700000000", telemetry.Float32(21.5), nil)
		f.engine.ApplyConfigEvent(telemetry.FieldThreshold, "27.5")
		f.engine.ApplyConfigEvent(telemetry.FieldMode, "alert")

		got := decode[telemetry.MirrorState](t, f.do(http.MethodGet, "/api/v1/state", ""))
		if got.LatestSample == nil || got.LatestSample.ObservedAt != 1700000000 {
			t.Fatalf("latest sample = %+v", got.LatestSample)
		}
		if got.LatestSample.Humidity != nil {
			t.Errorf("humidity = %v; want absent", *got.LatestSample.Humidity)
		}
		if got.Config.Threshold == nil || *got.Config.Threshold != 27.5 {
			t.Errorf("threshold = %v; want 27.5", got.Config.Threshold)
		}
		if got.Config.Mode != telemetry.ModeAlert {
			t.Errorf("mode = %q; want alert", got.Config.Mode)
		}
	})
}

func Test_handleSetThreshold(t *testing.T) {
	t.Run("writes the store", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(http.MethodPut, "/api/v1/config/threshold", `{"value":27.5}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d; want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
		}
		got := decode[configResponse](t, rec)
		if got.Field != telemetry.FieldThreshold || got.Value != "27.5" {
			t.Errorf("response = %+v", got)
		}
		stored, err := f.store.Get(context.Background(), f.engine.Paths().Threshold)
		if err != nil || stored != "27.5" {
			t.Errorf("stored = %q, %v; want 27.5", stored, err)
		}
	})

	t.Run("bad input", func(t *testing.T) {
		f := newFixture(t)
		for _, body := range []string{``, `{}`, `{"value":"x"}`, `{"value":1e300}`, `{"value":1,"extra":2}`, `{"value":1}{}`} {
			rec := f.do(http.MethodPut, "/api/v1/config/threshold", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("body %q: status = %d; want %d", body, rec.Code, http.StatusBadRequest)
			}
		}
	})

	t.Run("store failure is a bad gateway", func(t *testing.T) {
		f := newFixture(t)
		f.store.FailWrites(errors.New("permission denied"))
		rec := f.do(http.MethodPut, "/api/v1/config/threshold", `{"value":20}`)
		if rec.Code != http.StatusBadGateway {
			t.Errorf("status = %d; want %d", rec.Code, http.StatusBadGateway)
		}
		if body := rec.Body.String(); !strings.Contains(body, "permission denied") {
			t.Errorf("body = %q; want the store error", body)
		}
	})

	t.Run("slow store is a gateway timeout", func(t *testing.T) {
		f := newFixture(t)
		f.store.SetLatency(5 * time.Second)
		rec := f.do(http.MethodPut, "/api/v1/config/threshold", `{"value":20}`)
		if rec.Code != http.StatusGatewayTimeout {
			t.Errorf("status = %d; want %d", rec.Code, http.StatusGatewayTimeout)
		}
	})
}

func Test_handleSetMode(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPut, "/api/v1/config/mode", `{"mode":"alert"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if got := f.engine.CurrentState().Config.Mode; got != telemetry.ModeAlert {
		t.Errorf("mirror mode = %q; want alert", got)
	}

	rec = f.do(http.MethodPut, "/api/v1/config/mode", `{"mode":"panic"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d; want %d", rec.Code, http.StatusBadRequest)
	}
}

func Test_handleAdjustThreshold(t *testing.T) {
	t.Run("adds the delta to the stored value", func(t *testing.T) {
		f := newFixture(t)
		if err := f.store.Set(context.Background(), f.engine.Paths().Threshold, "25"); err != nil {
			t.Fatalf("seed: %v", err)
		}
		rec := f.do(http.MethodPost, "/api/v1/config/threshold/adjust", `{"delta":2}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d; want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
		}
		if got := decode[adjustResponse](t, rec); got.Value != 27 {
			t.Errorf("value = %v; want 27", got.Value)
		}
	})

	t.Run("missing stored value", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(http.MethodPost, "/api/v1/config/threshold/adjust", `{"delta":2}`)
		if rec.Code != http.StatusBadGateway {
			t.Errorf("status = %d; want %d", rec.Code, http.StatusBadGateway)
		}
	})

	t.Run("missing delta", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(http.MethodPost, "/api/v1/config/threshold/adjust", `{}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d; want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("busy under reject policy", func(t *testing.T) {
		f := newFixture(t, adjuster.WithPolicy(adjuster.PolicyReject))
		if err := f.store.Set(context.Background(), f.engine.Paths().Threshold, "25"); err != nil {
			t.Fatalf("seed: %v", err)
		}
		f.store.SetLatency(200 * time.Millisecond)

		first := make(chan int, 1)
		go func() {
			first <- f.do(http.MethodPost, "/api/v1/config/threshold/adjust", `{"delta":1}`).Code
		}()
		time.Sleep(50 * time.Millisecond)

		rec := f.do(http.MethodPost, "/api/v1/config/threshold/adjust", `{"delta":1}`)
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d; want %d", rec.Code, http.StatusConflict)
		}
		if code := <-first; code != http.StatusOK {
			t.Errorf("first adjust status = %d; want %d", code, http.StatusOK)
		}
	})
}

func Test_handleSampleHistory(t *testing.T) {
	f := newFixture(t)
	f.journal.samples = []journal.SampleRecord{{ObservedAt: 2}, {ObservedAt: 1}}

	rec := f.do(http.MethodGet, "/api/v1/history/samples?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want %d", rec.Code, http.StatusOK)
	}
	if got := decode[[]journal.SampleRecord](t, rec); len(got) != 2 || got[0].ObservedAt != 2 {
		t.Errorf("samples = %+v", got)
	}
	if f.journal.gotLimit != 2 {
		t.Errorf("limit = %d; want 2", f.journal.gotLimit)
	}

	if rec := f.do(http.MethodGet, "/api/v1/history/samples?limit=0", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0: status = %d; want %d", rec.Code, http.StatusBadRequest)
	}

	f.journal.samplesErr = errors.New("disk I/O error")
	if rec := f.do(http.MethodGet, "/api/v1/history/samples", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d; want %d", rec.Code, http.StatusInternalServerError)
	}
}

func Test_handleConfigHistory(t *testing.T) {
	f := newFixture(t)
	f.journal.changes = []journal.ConfigChange{{Field: telemetry.FieldMode, Value: "alert"}}

	rec := f.do(http.MethodGet, "/api/v1/history/config?field=mode", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want %d", rec.Code, http.StatusOK)
	}
	if f.journal.gotField != telemetry.FieldMode || f.journal.gotLimit != defaultLimit {
		t.Errorf("query = (%q, %d); want (mode, %d)", f.journal.gotField, f.journal.gotLimit, defaultLimit)
	}

	f.do(http.MethodGet, "/api/v1/history/config", "")
	if f.journal.gotField != "" {
		t.Errorf("field = %q; want all fields", f.journal.gotField)
	}

	if rec := f.do(http.MethodGet, "/api/v1/history/config?field=colour", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d; want %d", rec.Code, http.StatusBadRequest)
	}
}

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, f *fixture) *bufio.Reader {
	t.Helper()
	ts := httptest.NewServer(f.mux)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/state/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q; want text/event-stream", ct)
	}
	return bufio.NewReader(resp.Body)
}

func Test_handleStateStream(t *testing.T) {
	f := newFixture(t)
	f.engine.ApplyConfigEvent(telemetry.FieldThreshold, "25")
	r := openStream(t, f)

	first := readEvent(t, r)
	if first.name != "state" {
		t.Fatalf("first event = %q; want state", first.name)
	}
	var st telemetry.MirrorState
	if err := json.Unmarshal([]byte(first.data), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Config.Threshold == nil || *st.Config.Threshold != 25 {
		t.Errorf("first threshold = %v; want current value 25", st.Config.Threshold)
	}

	f.engine.ApplyConfigEvent(telemetry.FieldMode, "alert")
	next := readEvent(t, r)
	if err := json.Unmarshal([]byte(next.data), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Config.Mode != telemetry.ModeAlert {
		t.Errorf("mode = %q; want alert", st.Config.Mode)
	}
}

func Test_handleStateStream_FeedFailure(t *testing.T) {
	f := newFixture(t)
	paths := f.engine.Paths()
	if err := f.store.Set(context.Background(), paths.Mode, "normal"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// The mode feed is subscribed last; once it applied, every feed is live.
	deadline := time.Now().Add(2 * time.Second)
	for f.engine.CurrentState().Config.Mode != telemetry.ModeNormal {
		if time.Now().After(deadline) {
			t.Fatal("engine did not sync")
		}
		time.Sleep(time.Millisecond)
	}

	r := openStream(t, f)
	if ev := readEvent(t, r); ev.name != "state" {
		t.Fatalf("first event = %q; want state", ev.name)
	}

	f.store.Break(paths.Threshold, errors.New("permission denied"))
	ev := readEvent(t, r)
	if ev.name != "error" {
		t.Fatalf("event = %q; want error", ev.name)
	}
	if !strings.Contains(ev.data, "permission denied") {
		t.Errorf("data = %q; want the feed error", ev.data)
	}
}
