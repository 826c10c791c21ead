package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alert-dispatcher/internal/logger"
	"alert-dispatcher/internal/metrics"
)

type fakeChannel struct {
	name  string
	err   error
	calls int64
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, msg Message) error {
	atomic.AddInt64(&f.calls, 1)
	return f.err
}

func setupTestRegistry(t *testing.T) (*Registry, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	require.NoError(t, err)
	return NewRegistry(logger.NewNopLogger(), m), reg
}

func TestPermanentError(t *testing.T) {
	base := errors.New("invalid webhook key")

	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(base))
	assert.False(t, IsPermanent(context.DeadlineExceeded))

	perm := Permanent(base)
	assert.True(t, IsPermanent(perm))
	assert.ErrorIs(t, perm, base)
	assert.Equal(t, "invalid webhook key", perm.Error())

	wrapped := fmt.Errorf("wechat: %w", perm)
	assert.True(t, IsPermanent(wrapped))
}

func TestCheckHTTPStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		permanent bool
	}{
		{"ok", http.StatusOK, false, false},
		{"no content", http.StatusNoContent, false, false},
		{"bad request", http.StatusBadRequest, true, true},
		{"not found", http.StatusNotFound, true, true},
		{"too many requests", http.StatusTooManyRequests, true, false},
		{"server error", http.StatusInternalServerError, true, false},
		{"bad gateway", http.StatusBadGateway, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.status, Body: io.NopCloser(strings.NewReader("details"))}
			err := CheckHTTPStatus(resp)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "details")
			assert.Equal(t, tt.permanent, IsPermanent(err))
		})
	}
}

func TestRegistrySend(t *testing.T) {
	r, reg := setupTestRegistry(t)
	ok := &fakeChannel{name: "wechat"}
	flaky := &fakeChannel{name: "webhook", err: errors.New("connection reset")}
	broken := &fakeChannel{name: "email", err: Permanent(errors.New("no recipients"))}
	r.Register(ok, Options{})
	r.Register(flaky, Options{})
	r.Register(broken, Options{})

	ctx := context.Background()
	msg := Message{Title: "t", Content: "c"}

	sent, err := r.Send(ctx, "wechat", msg)
	assert.True(t, sent)
	assert.NoError(t, err)

	sent, err = r.Send(ctx, "webhook", msg)
	assert.False(t, sent)
	assert.Error(t, err)
	assert.False(t, IsPermanent(err))

	sent, err = r.Send(ctx, "email", msg)
	assert.False(t, sent)
	assert.True(t, IsPermanent(err))

	sent, err = r.Send(ctx, "sms", msg)
	assert.False(t, sent)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, ErrUnknownChannel)

	expected := `
# HELP alert_dispatcher_send_attempts_total Channel send attempts by channel and result
# TYPE alert_dispatcher_send_attempts_total counter
alert_dispatcher_send_attempts_total{channel="email",result="permanent"} 1
alert_dispatcher_send_attempts_total{channel="sms",result="permanent"} 1
alert_dispatcher_send_attempts_total{channel="webhook",result="transient"} 1
alert_dispatcher_send_attempts_total{channel="wechat",result="success"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "alert_dispatcher_send_attempts_total"))
}

func TestRegistryGetAndNames(t *testing.T) {
	r, _ := setupTestRegistry(t)
	r.Register(&fakeChannel{name: "wechat"}, Options{})
	r.Register(&fakeChannel{name: "log"}, Options{})

	ch, ok := r.Get("wechat")
	require.True(t, ok)
	assert.Equal(t, "wechat", ch.Name())

	_, ok = r.Get("sms")
	assert.False(t, ok)

	assert.Equal(t, []string{"log", "wechat"}, r.Names())
}

func TestRegistryThrottle(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ch := &fakeChannel{name: "wechat"}
	r.Register(ch, Options{RatePerSecond: 1, Burst: 1})

	ctx := context.Background()
	sent, err := r.Send(ctx, "wechat", Message{})
	require.NoError(t, err)
	require.True(t, sent)

	// the bucket is empty; a short deadline cannot wait for the next token
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	sent, err = r.Send(shortCtx, "wechat", Message{})
	assert.False(t, sent)
	assert.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, int64(1), atomic.LoadInt64(&ch.calls))
}

func TestRegistryConcurrentUse(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ch := &fakeChannel{name: "log"}
	r.Register(ch, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Send(context.Background(), "log", Message{})
		}()
		go func() {
			defer wg.Done()
			r.Register(&fakeChannel{name: "other"}, Options{})
			_ = r.Names()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), atomic.LoadInt64(&ch.calls))
}
