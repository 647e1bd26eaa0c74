/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatcher

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/testutil"
)

func TestDownstreamLimitHandler_ServeHTTP(t *testing.T) {
	const errDomain = "MyGateway"

	makeReqAndRespRec := func(host string) (*http.Request, *httptest.ResponseRecorder) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Host = host
		return req, httptest.NewRecorder()
	}

	t.Run("maxConnsPerHost=1, block timeout elapses", func(t *testing.T) {
		d := New(makeQueueConfig(1, false))
		defer d.Shutdown()

		acquired := make(chan struct{})
		req1Continued := make(chan struct{})
		block := true
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if block {
				close(acquired)
				<-req1Continued
			}
			rw.WriteHeader(http.StatusOK)
		})
		handler := DownstreamLimitWithOpts(d, errDomain, DownstreamLimitOpts{
			BlockTimeout: time.Millisecond * 50,
		})(next)

		respCode := make(chan int)
		go func() {
			req, respRec := makeReqAndRespRec("origin-1:443")
			handler.ServeHTTP(respRec, req)
			respCode <- respRec.Code
		}()
		<-acquired // Wait until the first HTTP request starts to be processed.
		block = false

		// The second HTTP request to the same host waits and is rejected with 503.
		req, respRec := makeReqAndRespRec("origin-1:443")
		handler.ServeHTTP(respRec, req)
		testutil.RequireErrorInRecorder(t, respRec, http.StatusServiceUnavailable, errDomain, DownstreamLimitErrCode)
		require.Empty(t, respRec.Header().Get("Retry-After"))

		// A request to a different host is not limited.
		req, respRec = makeReqAndRespRec("origin-2:443")
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusOK, respRec.Code)

		close(req1Continued)
		require.Equal(t, http.StatusOK, <-respCode)

		// Freed capacity, the next request for the first host passes.
		req, respRec = makeReqAndRespRec("origin-1:443")
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusOK, respRec.Code)
	})

	t.Run("waiting request is promoted and served", func(t *testing.T) {
		d := New(makeQueueConfig(1, false))
		defer d.Shutdown()

		acquired := make(chan struct{})
		req1Continued := make(chan struct{})
		block := true
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if block {
				close(acquired)
				<-req1Continued
			}
			rw.WriteHeader(http.StatusOK)
		})
		handler := DownstreamLimit(d, errDomain)(next)

		resp1Code := make(chan int)
		go func() {
			req, respRec := makeReqAndRespRec("origin-1:443")
			handler.ServeHTTP(respRec, req)
			resp1Code <- respRec.Code
		}()
		<-acquired
		block = false

		resp2Code := make(chan int)
		go func() {
			req, respRec := makeReqAndRespRec("origin-1:443")
			handler.ServeHTTP(respRec, req)
			resp2Code <- respRec.Code
		}()
		waitForQueueLen(t, d, 2)

		close(req1Continued)
		require.Equal(t, http.StatusOK, <-resp1Code)
		require.Equal(t, http.StatusOK, <-resp2Code)
	})

	t.Run("Retry-After header", func(t *testing.T) {
		d := New(makeQueueConfig(1, false))
		defer d.Shutdown()

		acquired := make(chan struct{})
		req1Continued := make(chan struct{})
		block := true
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if block {
				close(acquired)
				<-req1Continued
			}
			rw.WriteHeader(http.StatusOK)
		})
		handler := DownstreamLimitWithOpts(d, errDomain, DownstreamLimitOpts{
			BlockTimeout:  time.Millisecond * 50,
			GetRetryAfter: func(r *http.Request) time.Duration { return time.Second * 30 },
		})(next)

		respCode := make(chan int)
		go func() {
			req, respRec := makeReqAndRespRec("origin-1:443")
			handler.ServeHTTP(respRec, req)
			respCode <- respRec.Code
		}()
		<-acquired
		block = false

		req, respRec := makeReqAndRespRec("origin-1:443")
		handler.ServeHTTP(respRec, req)
		testutil.RequireErrorInRecorder(t, respRec, http.StatusServiceUnavailable, errDomain, DownstreamLimitErrCode)
		require.Equal(t, "30", respRec.Header().Get("Retry-After"))

		close(req1Continued)
		require.Equal(t, http.StatusOK, <-respCode)
	})

	t.Run("custom GetAuthority with bypass", func(t *testing.T) {
		d := New(makeQueueConfig(1, false))
		defer d.Shutdown()

		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusOK)
		})
		handler := DownstreamLimitWithOpts(d, errDomain, DownstreamLimitOpts{
			GetAuthority: func(r *http.Request) (string, bool, error) {
				return "", r.Header.Get("X-Internal") == "yes", nil
			},
		})(next)

		req, respRec := makeReqAndRespRec("origin-1:443")
		req.Header.Set("X-Internal", "yes")
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusOK, respRec.Code)
		require.Equal(t, 0, d.Len())
	})

	t.Run("custom OnReject", func(t *testing.T) {
		d := New(makeQueueConfig(1, false))
		defer d.Shutdown()

		acquired := make(chan struct{})
		req1Continued := make(chan struct{})
		block := true
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if block {
				close(acquired)
				<-req1Continued
			}
			rw.WriteHeader(http.StatusOK)
		})
		var gotParams DownstreamLimitParams
		handler := DownstreamLimitWithOpts(d, errDomain, DownstreamLimitOpts{
			BlockTimeout: time.Millisecond * 50,
			OnReject: func(rw http.ResponseWriter, r *http.Request,
				params DownstreamLimitParams, next http.Handler, logger log.FieldLogger,
			) {
				gotParams = params
				rw.WriteHeader(http.StatusTooManyRequests)
			},
		})(next)

		respCode := make(chan int)
		go func() {
			req, respRec := makeReqAndRespRec("origin-1:443")
			handler.ServeHTTP(respRec, req)
			respCode <- respRec.Code
		}()
		<-acquired
		block = false

		req, respRec := makeReqAndRespRec("origin-1:443")
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusTooManyRequests, respRec.Code)
		require.Equal(t, "origin-1:443", gotParams.Authority)
		require.True(t, gotParams.RequestBlocked)

		close(req1Continued)
		require.Equal(t, http.StatusOK, <-respCode)
	})

	t.Run("closed dispatcher rejects requests", func(t *testing.T) {
		d := New(makeQueueConfig(1, false))
		d.Shutdown()

		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusOK)
		})
		handler := DownstreamLimit(d, errDomain)(next)

		req, respRec := makeReqAndRespRec("origin-1:443")
		handler.ServeHTTP(respRec, req)
		testutil.RequireErrorInRecorder(t, respRec, http.StatusServiceUnavailable, errDomain, DownstreamLimitErrCode)
	})
}
