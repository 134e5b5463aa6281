package server

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"github.com/ulule/limiter"
	"github.com/ulule/limiter/drivers/store/memory"
)

// admission throttles WebSocket upgrade attempts per client IP. Messages on
// established connections are never limited.
type admission struct {
	limiter *limiter.Limiter
}

func newAdmission(rate string) (*admission, error) {
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid admission rate %q", rate)
	}
	return &admission{limiter: limiter.New(memory.NewStore(), r)}, nil
}

// allow consumes one attempt for the request's client IP and reports whether
// the upgrade may proceed. Rate limit headers are set on w either way.
func (a *admission) allow(ctx context.Context, w http.ResponseWriter, r *http.Request) (bool, error) {
	lctx, err := a.limiter.Get(ctx, clientIP(r))
	if err != nil {
		return false, errors.Wrap(err, "failed to query admission limiter")
	}

	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

	return !lctx.Reached, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
