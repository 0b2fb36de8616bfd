package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		TimeoutDelay:   time.Millisecond,
		ServerDelay:    2 * time.Millisecond,
		RateLimitDelay: 3 * time.Millisecond,
		MaxAttempts:    attempts,
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want Class
		ok   bool
	}{
		{200, 0, false},
		{429, ClassRateLimit, true},
		{500, ClassServer, true},
		{502, ClassServer, true},
		{520, ClassServer, true},
		{530, ClassServer, true},
		{400, ClassClient, true},
		{404, ClassClient, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			got, ok := ClassifyStatus(tt.code)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	var ne net.Error = timeoutErr{}

	assert.True(t, IsRetryable(Classify("op", ne)))
	assert.True(t, IsRetryable(Classify("op", fmt.Errorf("dial: %w", syscall.ECONNREFUSED))))
	assert.True(t, IsRetryable(Classify("op", &url.Error{Op: "Get", URL: "x", Err: errors.New("boom")})))
	assert.True(t, IsRetryable(Classify("op", context.DeadlineExceeded)))

	assert.ErrorIs(t, Classify("op", context.Canceled), context.Canceled)
	assert.False(t, IsRetryable(Classify("op", context.Canceled)))
	assert.False(t, IsRetryable(Classify("op", errors.New("strange"))))
	assert.Nil(t, Classify("op", nil))

	xe := StatusError("op", 429, []byte("slow down"))
	assert.Same(t, xe, Classify("op", xe))
}

func TestRetryPolicy_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int
	var waits []time.Duration
	p := fastPolicy(5)
	p.OnRetry = func(err *Error, wait time.Duration) { waits = append(waits, wait) }

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		switch calls {
		case 1:
			return StatusError("op", 503, nil)
		case 2:
			return StatusError("op", 429, nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 3 * time.Millisecond}, waits)
}

func TestRetryPolicy_FatalReturnsImmediately(t *testing.T) {
	var calls int
	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return StatusError("op", 404, []byte("no market"))
	})

	var xe *Error
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, ClassClient, xe.Class)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_ExhaustedKeepsRetryableError(t *testing.T) {
	var calls int
	err := fastPolicy(3).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return StatusError("op", 502, nil)
	})

	assert.Equal(t, 3, calls)
	assert.True(t, IsRetryable(err))
}

func TestRetryPolicy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy(0)
	p.ServerDelay = time.Hour
	var calls int

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		return StatusError("op", 500, nil)
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDefaultRetryPolicyDelays(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 30*time.Second, p.Delay(ClassServer))
	assert.Equal(t, 30*time.Second, p.Delay(ClassTimeout))
	assert.Equal(t, 90*time.Second, p.Delay(ClassRateLimit))
}

func TestClient_GetJSON(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		assert.Equal(t, "/markets/BTC-PERP", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("x"))
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"name":"BTC-PERP","price":"41000.5"}`)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/", WithRetryPolicy(fastPolicy(3)), WithRateLimit(0))
	require.NoError(t, err)
	var statuses []int
	c.OnRequest = func(_ string, status int, _ time.Duration) { statuses = append(statuses, status) }

	var out struct {
		Name  string `json:"name"`
		Price string `json:"price"`
	}
	require.NoError(t, c.GetJSON(context.Background(), "/markets/BTC-PERP", url.Values{"x": {"1"}}, &out))

	assert.Equal(t, "BTC-PERP", out.Name)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, []int{502, 200}, statuses)
}

func TestClient_MalformedIsFatal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"name":`)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithRetryPolicy(fastPolicy(3)), WithRateLimit(0))
	require.NoError(t, err)

	var out map[string]any
	err = c.GetJSON(context.Background(), "/x", nil, &out)

	var xe *Error
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, ClassMalformed, xe.Class)
	assert.Equal(t, int32(1), hits.Load())
}
