/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/acronis/go-appkit/httpserver/middleware"
	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/restapi"
)

// DownstreamLimitErrCode is the error code that is used in a response body
// if the request is rejected by the middleware that limits downstream connections.
const DownstreamLimitErrCode = "tooManyDownstreamConns"

// Log fields for DownstreamLimit middleware.
const (
	DownstreamLimitLogFieldAuthority = "downstream_limit_authority"
	DownstreamLimitLogFieldBlocked   = "downstream_limit_blocked"
)

const downstreamLimitUserAgentLogFieldKey = "user_agent"

// DownstreamLimitParams contains data that relates to the downstream limiting
// procedure and could be used for rejecting or handling an occurred error.
type DownstreamLimitParams struct {
	ResponseStatusCode int
	GetRetryAfter      DownstreamLimitGetRetryAfterFunc
	ErrDomain          string
	Authority          string
	RequestBlocked     bool
}

// DownstreamLimitGetRetryAfterFunc is a function that is called to get a value for Retry-After response HTTP header
// when the downstream connection limit is exceeded.
type DownstreamLimitGetRetryAfterFunc func(r *http.Request) time.Duration

// DownstreamLimitOnRejectFunc is a function that is called for rejecting HTTP request
// when the downstream connection limit is exceeded.
type DownstreamLimitOnRejectFunc func(rw http.ResponseWriter, r *http.Request,
	params DownstreamLimitParams, next http.Handler, logger log.FieldLogger)

// DownstreamLimitOnErrorFunc is a function that is called in case of any error
// that may occur during the downstream limiting.
type DownstreamLimitOnErrorFunc func(rw http.ResponseWriter, r *http.Request,
	params DownstreamLimitParams, err error, next http.Handler, logger log.FieldLogger)

// DownstreamLimitGetAuthorityFunc is a function that is called for getting
// the destination authority of the request.
// Returns authority, bypass (whether to bypass downstream limiting), and error.
type DownstreamLimitGetAuthorityFunc func(r *http.Request) (authority string, bypass bool, err error)

// DownstreamLimitOpts represents options for the middleware to limit downstream connections.
type DownstreamLimitOpts struct {
	GetAuthority       DownstreamLimitGetAuthorityFunc
	ResponseStatusCode int
	GetRetryAfter      DownstreamLimitGetRetryAfterFunc
	BlockTimeout       time.Duration

	OnReject DownstreamLimitOnRejectFunc
	OnError  DownstreamLimitOnErrorFunc
}

type downstreamLimitHandler struct {
	dispatcher     *Dispatcher
	next           http.Handler
	getAuthority   DownstreamLimitGetAuthorityFunc
	errDomain      string
	respStatusCode int
	getRetryAfter  DownstreamLimitGetRetryAfterFunc
	blockTimeout   time.Duration

	onReject DownstreamLimitOnRejectFunc
	onError  DownstreamLimitOnErrorFunc
}

// DownstreamLimit is a middleware that limits the number of simultaneously
// open downstream connections per target host. Requests over the cap wait for
// capacity in FIFO order and are rejected with 503 when the wait times out.
func DownstreamLimit(d *Dispatcher, errDomain string) func(next http.Handler) http.Handler {
	return DownstreamLimitWithOpts(d, errDomain, DownstreamLimitOpts{})
}

// DownstreamLimitWithOpts is a configurable version of a middleware to limit downstream connections.
func DownstreamLimitWithOpts(
	d *Dispatcher, errDomain string, opts DownstreamLimitOpts,
) func(next http.Handler) http.Handler {
	respStatusCode := opts.ResponseStatusCode
	if respStatusCode == 0 {
		respStatusCode = http.StatusServiceUnavailable
	}
	return func(next http.Handler) http.Handler {
		return &downstreamLimitHandler{
			dispatcher:     d,
			next:           next,
			getAuthority:   opts.GetAuthority,
			errDomain:      errDomain,
			respStatusCode: respStatusCode,
			getRetryAfter:  opts.GetRetryAfter,
			blockTimeout:   opts.BlockTimeout,
			onReject:       makeDownstreamLimitOnRejectFunc(opts),
			onError:        makeDownstreamLimitOnErrorFunc(opts),
		}
	}
}

func (h *downstreamLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLoggerFromContext(r.Context())

	authority, bypass, err := h.authority(r)
	if err != nil {
		h.onError(rw, r, h.makeParams(authority, false), fmt.Errorf("get downstream authority: %w", err), h.next, logger)
		return
	}
	if bypass {
		h.next.ServeHTTP(rw, r)
		return
	}

	doErr := h.dispatcher.DoWithOpts(r.Context(), authority, func(ctx context.Context) error {
		h.next.ServeHTTP(rw, r.WithContext(ctx))
		return nil
	}, DoOpts{BlockTimeout: h.blockTimeout})

	switch {
	case doErr == nil:
	case errors.Is(doErr, ErrBlockTimeout):
		h.onReject(rw, r, h.makeParams(authority, true), h.next, logger)
	case errors.Is(doErr, ErrClosed):
		h.onReject(rw, r, h.makeParams(authority, false), h.next, logger)
	default:
		h.onError(rw, r, h.makeParams(authority, false), doErr, h.next, logger)
	}
}

func (h *downstreamLimitHandler) authority(r *http.Request) (authority string, bypass bool, err error) {
	if h.getAuthority != nil {
		return h.getAuthority(r)
	}
	if r.Host == "" {
		return "", false, fmt.Errorf("request has no host to derive downstream authority from")
	}
	return r.Host, false, nil
}

func (h *downstreamLimitHandler) makeParams(authority string, blocked bool) DownstreamLimitParams {
	return DownstreamLimitParams{
		ResponseStatusCode: h.respStatusCode,
		GetRetryAfter:      h.getRetryAfter,
		ErrDomain:          h.errDomain,
		Authority:          authority,
		RequestBlocked:     blocked,
	}
}

// DefaultDownstreamLimitOnReject sends HTTP response in a typical go-appkit way
// when the downstream connection limit is exceeded.
func DefaultDownstreamLimitOnReject(
	rw http.ResponseWriter, r *http.Request, params DownstreamLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.String(DownstreamLimitLogFieldAuthority, params.Authority),
			log.Bool(DownstreamLimitLogFieldBlocked, params.RequestBlocked),
			log.String(downstreamLimitUserAgentLogFieldKey, r.UserAgent()),
		)
	}
	if params.GetRetryAfter != nil {
		rw.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(params.GetRetryAfter(r).Seconds()))))
	}
	apiErr := restapi.NewError(params.ErrDomain, DownstreamLimitErrCode, "Too many downstream connections.")
	restapi.RespondError(rw, params.ResponseStatusCode, apiErr, logger)
}

// DefaultDownstreamLimitOnError sends HTTP response in a typical go-appkit way
// in case when an error occurs during the downstream limiting.
func DefaultDownstreamLimitOnError(
	rw http.ResponseWriter, r *http.Request, params DownstreamLimitParams, err error, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Error(err.Error(), log.String(DownstreamLimitLogFieldAuthority, params.Authority))
	}
	restapi.RespondInternalError(rw, params.ErrDomain, logger)
}

func makeDownstreamLimitOnRejectFunc(opts DownstreamLimitOpts) DownstreamLimitOnRejectFunc {
	if opts.OnReject != nil {
		return opts.OnReject
	}
	return DefaultDownstreamLimitOnReject
}

func makeDownstreamLimitOnErrorFunc(opts DownstreamLimitOpts) DownstreamLimitOnErrorFunc {
	if opts.OnError != nil {
		return opts.OnError
	}
	return DefaultDownstreamLimitOnError
}
