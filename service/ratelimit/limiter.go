package ratelimit

import (
	"context"
	"time"

	"PPChat/logger"

	"go.uber.org/zap"
)

type Options struct {
	Policies     map[Kind]Policy
	KeyPrefix    string
	StoreTimeout time.Duration // 单次存储调用的上限，超时按存储故障处理
	FailClosed   bool          // 默认 false：存储故障时放行
	ClosedRetry  time.Duration // fail-closed 时给客户端的重试提示
}

func (o *Options) norm() {
	if o.Policies == nil {
		o.Policies = DefaultPolicies()
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 150 * time.Millisecond
	}
	if o.ClosedRetry <= 0 {
		o.ClosedRetry = time.Second
	}
}

// Limiter 实时动作的准入控制
type Limiter struct {
	store Store
	opts  Options
}

func New(store Store, opts Options) *Limiter {
	opts.norm()
	policies := make(map[Kind]Policy, len(opts.Policies))
	for k, p := range opts.Policies {
		if p.valid() {
			policies[k] = p
		} else {
			logger.Warn("ratelimit: ignoring invalid policy", zap.String("kind", string(k)))
		}
	}
	opts.Policies = policies
	return &Limiter{store: store, opts: opts}
}

func (l *Limiter) Policy(kind Kind) (Policy, bool) {
	p, ok := l.opts.Policies[kind]
	return p, ok
}

// Check 对 (actorID, kind) 做一次原子检查并计数。未配置策略的动作直接放行。
func (l *Limiter) Check(ctx context.Context, actorID string, kind Kind) Decision {
	p, ok := l.opts.Policies[kind]
	if !ok {
		return Decision{Allowed: true}
	}

	cctx, cancel := context.WithTimeout(ctx, l.opts.StoreTimeout)
	defer cancel()
	res, err := l.store.Hit(cctx, Key(l.opts.KeyPrefix, actorID, kind), p)
	if err != nil {
		storeErrorsTotal.Inc()
		if l.opts.FailClosed {
			checksTotal.WithLabelValues(string(kind), "fail_closed").Inc()
			logger.Warn("ratelimit store unavailable, failing closed",
				zap.String("actor", actorID), zap.String("kind", string(kind)), zap.Error(err))
			return Decision{FailedClosed: true, RetryAfter: l.opts.ClosedRetry}
		}
		checksTotal.WithLabelValues(string(kind), "fail_open").Inc()
		logger.Warn("ratelimit store unavailable, failing open",
			zap.String("actor", actorID), zap.String("kind", string(kind)), zap.Error(err))
		return Decision{Allowed: true, FailedOpen: true}
	}

	if !res.Allowed {
		checksTotal.WithLabelValues(string(kind), "denied").Inc()
		return Decision{RetryAfter: res.RetryAfter, Count: res.Count}
	}
	checksTotal.WithLabelValues(string(kind), "admitted").Inc()
	return Decision{Allowed: true, Count: res.Count}
}

// Allow 是 Check 的错误形式：放行返回 nil，否则返回 AdmissionDenied/StoreUnavailable
func (l *Limiter) Allow(ctx context.Context, actorID string, kind Kind) error {
	return l.Check(ctx, actorID, kind).Err(kind)
}
