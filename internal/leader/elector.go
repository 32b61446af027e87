// Package leader implements lease-based leader election over the shared
// store. A lease is a plain key created with SetIfAbsent and a TTL: holding
// it means the key exists and was created by this process. There is no
// renewal; a crashed holder is superseded once the TTL elapses.
package leader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"keysync/internal/sharedstore"
	dErrors "keysync/pkg/domainerrors"
)

// Role identifies a logical leadership role. The pod role gates whole polling
// cycles; the route role gates individual scheduled sub-routes so one replica
// running several schedules cannot double-fire.
type Role string

const (
	RolePod   Role = "pod"
	RoleRoute Role = "route"
)

const leaseKeyPrefix = sharedstore.Namespace + "lease:"

var leadershipHeld = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "keysync_leadership_held",
	Help: "Whether this replica currently believes it holds a leadership lease, per role",
}, []string{"role"})

// Elector acquires time-bounded exclusive leases per role.
type Elector struct {
	store       sharedstore.Store
	environment string
	holderToken string
	logger      *slog.Logger
}

// Option configures an Elector.
type Option func(*Elector)

// WithLogger sets the logger used for acquisition events.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Elector) {
		e.logger = logger
	}
}

// New constructs an Elector. holderToken identifies this replica in the lease
// value; it exists for operator visibility only and is never used for fencing.
func New(store sharedstore.Store, environment, holderToken string, opts ...Option) (*Elector, error) {
	if store == nil {
		return nil, fmt.Errorf("shared store is required")
	}
	if environment == "" {
		return nil, fmt.Errorf("environment is required")
	}
	e := &Elector{
		store:       store,
		environment: environment,
		holderToken: holderToken,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// TryAcquire attempts to take the lease for role. It returns true iff this
// call created the lease key; false with a nil error means another holder has
// it, which is not retryable. A store error is returned as a transient fault
// and is the only retryable outcome.
func (e *Elector) TryAcquire(ctx context.Context, role Role, ttl time.Duration) (bool, error) {
	created, err := e.store.SetIfAbsent(ctx, e.leaseKey(role), e.holderToken, ttl)
	if err != nil {
		leadershipHeld.WithLabelValues(string(role)).Set(0)
		return false, dErrors.Wrapf(err, dErrors.CodeTransient, "acquire %s lease", role)
	}
	if created {
		leadershipHeld.WithLabelValues(string(role)).Set(1)
		if e.logger != nil {
			e.logger.InfoContext(ctx, "leadership lease acquired",
				"role", role,
				"ttl", ttl,
			)
		}
	} else {
		leadershipHeld.WithLabelValues(string(role)).Set(0)
	}
	return created, nil
}

// Release deletes the lease for role unconditionally. Only the route role is
// ever explicitly released; the pod role is left to expire.
func (e *Elector) Release(ctx context.Context, role Role) error {
	if err := e.store.Del(ctx, e.leaseKey(role)); err != nil {
		return dErrors.Wrapf(err, dErrors.CodeTransient, "release %s lease", role)
	}
	leadershipHeld.WithLabelValues(string(role)).Set(0)
	return nil
}

// Held reports whether any holder currently has the lease for role. It is an
// observability probe, not a fencing check.
func (e *Elector) Held(ctx context.Context, role Role) (bool, error) {
	held, err := e.store.Exists(ctx, e.leaseKey(role))
	if err != nil {
		return false, dErrors.Wrapf(err, dErrors.CodeTransient, "probe %s lease", role)
	}
	return held, nil
}

func (e *Elector) leaseKey(role Role) string {
	return leaseKeyPrefix + sharedstore.SanitizeSegment(e.environment) + ":" + string(role)
}
