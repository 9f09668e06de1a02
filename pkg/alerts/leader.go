package alerts

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"safety-aware-orchestrator/pkg/constants"
	"safety-aware-orchestrator/pkg/metrics"
)

const (
	renewScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
	resignScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
)

// LeaderElection elects one pod to reclaim stale internal alerts. Every pod
// consumes new alerts; only the leader sweeps the pending list, so two pods
// never claim the same entry back and forth.
type LeaderElection struct {
	rdb      *redis.Client
	podID    string
	ttl      time.Duration
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	isLeader atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewLeaderElection(rdb *redis.Client, podID string, ttl time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *LeaderElection {
	return &LeaderElection{
		rdb:     rdb,
		podID:   podID,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
		stopCh:  make(chan struct{}),
	}
}

func (le *LeaderElection) Start(ctx context.Context) error {
	le.logger.Info("Starting relay leader election")

	le.tryBecomeLeader(ctx)

	le.wg.Add(1)
	go func() {
		defer le.wg.Done()
		le.leaderElectionLoop(ctx)
	}()
	return nil
}

// Stop ends the election loop and gives up leadership so another pod can take
// over without waiting for the TTL.
func (le *LeaderElection) Stop() {
	le.stopOnce.Do(func() { close(le.stopCh) })
	le.wg.Wait()
	if le.isLeader.Load() {
		le.resignLeadership(context.Background())
	}
}

// IsLeader reports the outcome of the last election round.
func (le *LeaderElection) IsLeader() bool {
	return le.isLeader.Load()
}

func (le *LeaderElection) leaderElectionLoop(ctx context.Context) {
	interval := le.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-le.stopCh:
			return
		case <-ticker.C:
			le.tryBecomeLeader(ctx)
		}
	}
}

func (le *LeaderElection) tryBecomeLeader(ctx context.Context) {
	start := time.Now()
	defer func() {
		le.metrics.RedisOperationDuration.WithLabelValues("leader_election").Observe(time.Since(start).Seconds())
	}()

	acquired, err := le.rdb.SetNX(ctx, constants.RelayLeaderKey, le.podID, le.ttl).Result()
	if err != nil {
		le.logger.WithError(err).Error("Failed to attempt leader election")
		le.setLeader(false)
		return
	}
	if acquired {
		le.setLeader(true)
		return
	}

	// the key exists; it is ours only if the renewal succeeds
	le.setLeader(le.renewLeadership(ctx))
}

func (le *LeaderElection) renewLeadership(ctx context.Context) bool {
	renewed, err := le.rdb.Eval(ctx, renewScript, []string{constants.RelayLeaderKey}, le.podID, le.ttl.Milliseconds()).Int64()
	if err != nil {
		le.logger.WithError(err).Error("Failed to renew leadership")
		return false
	}
	return renewed == 1
}

func (le *LeaderElection) resignLeadership(ctx context.Context) {
	err := le.rdb.Eval(ctx, resignScript, []string{constants.RelayLeaderKey}, le.podID).Err()
	if err != nil {
		le.logger.WithError(err).Error("Failed to resign leadership")
	} else {
		le.logger.Info("Resigned relay leadership")
	}
	le.isLeader.Store(false)
}

func (le *LeaderElection) setLeader(leader bool) {
	if le.isLeader.Swap(leader) == leader {
		return
	}
	le.metrics.RelayLeaderChanges.Inc()
	if leader {
		le.logger.WithField("pod_id", le.podID).Info("Became relay leader")
	} else {
		le.logger.WithField("pod_id", le.podID).Info("Lost relay leadership")
	}
}
