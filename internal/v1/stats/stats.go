// Package stats aggregates usage counters over the shared store so every
// instance reports the same numbers.
package stats

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/devroulette/backend/internal/v1/logging"
	"github.com/devroulette/backend/internal/v1/match"
	"github.com/devroulette/backend/internal/v1/metrics"
	"github.com/devroulette/backend/internal/v1/store"
)

const (
	globalKey = "stats:global"
	modeKey   = "stats:mode"

	fieldOnline      = "online"
	fieldTotal       = "totalConnections"
	fieldActiveRooms = "activeRooms"

	// dailyTTL keeps yesterday's counter around long enough to survive
	// clock skew between instances.
	dailyTTL = 48 * time.Hour
)

// Realtime is the live portion of a snapshot, computed from queue depths
// and the room gauge rather than historical counters.
type Realtime struct {
	ActiveRooms   int64            `json:"activeRooms"`
	WaitingByMode map[string]int64 `json:"waitingByMode"`
	TotalWaiting  int64            `json:"totalWaiting"`
}

// Snapshot is the aggregate view returned to clients.
type Snapshot struct {
	Online           int64            `json:"online"`
	TotalConnections int64            `json:"totalConnections"`
	TodayConnections int64            `json:"todayConnections"`
	ByMode           map[string]int64 `json:"byMode"`
	Realtime         Realtime         `json:"realtime"`
}

// Service maintains and reads the counters.
type Service struct {
	store *store.Store
	queue *match.Queue
	now   func() time.Time
}

// New creates a stats Service.
func New(st *store.Store, queue *match.Queue) *Service {
	return &Service{store: st, queue: queue, now: time.Now}
}

func (s *Service) dailyKey() string {
	return "stats:daily:" + s.now().UTC().Format("2006-01-02")
}

// RecordConnect bumps the online gauge and the connection totals. Called
// once per accepted websocket.
func (s *Service) RecordConnect(ctx context.Context) {
	if _, err := s.store.HIncrBy(ctx, globalKey, fieldOnline, 1); err != nil {
		logging.Warn(ctx, "Failed to bump online gauge", zap.Error(err))
	}
	if _, err := s.store.HIncrBy(ctx, globalKey, fieldTotal, 1); err != nil {
		logging.Warn(ctx, "Failed to bump connection total", zap.Error(err))
	}
	if _, err := s.store.Incr(ctx, s.dailyKey(), dailyTTL); err != nil {
		logging.Warn(ctx, "Failed to bump daily connections", zap.Error(err))
	}
}

// RecordDisconnect decrements the online gauge.
func (s *Service) RecordDisconnect(ctx context.Context) {
	if _, err := s.store.HIncrBy(ctx, globalKey, fieldOnline, -1); err != nil {
		logging.Warn(ctx, "Failed to drop online gauge", zap.Error(err))
	}
}

// RecordMatch counts a minted room against its intent and bumps the room
// gauge.
func (s *Service) RecordMatch(ctx context.Context, intent match.Intent) {
	if _, err := s.store.HIncrBy(ctx, modeKey, string(intent), 1); err != nil {
		logging.Warn(ctx, "Failed to bump mode counter", zap.Error(err))
	}
	if _, err := s.store.HIncrBy(ctx, globalKey, fieldActiveRooms, 1); err != nil {
		logging.Warn(ctx, "Failed to bump room gauge", zap.Error(err))
	}
}

// RecordRoomClosed drops the room gauge after a room is destroyed.
func (s *Service) RecordRoomClosed(ctx context.Context) {
	if _, err := s.store.HIncrBy(ctx, globalKey, fieldActiveRooms, -1); err != nil {
		logging.Warn(ctx, "Failed to drop room gauge", zap.Error(err))
	}
}

// Snapshot assembles the aggregate view. Counter reads are best-effort:
// a missing hash yields zeroes rather than an error.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	global, err := s.store.HGetAll(ctx, globalKey)
	if err != nil {
		return Snapshot{}, err
	}
	byMode, err := s.store.HGetAll(ctx, modeKey)
	if err != nil {
		return Snapshot{}, err
	}
	depths, err := s.queue.Depths(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	today := int64(0)
	if raw, ok, err := s.store.Get(ctx, s.dailyKey()); err == nil && ok {
		today, _ = strconv.ParseInt(raw, 10, 64)
	}

	modes := make(map[string]int64, len(byMode))
	for mode, raw := range byMode {
		n, _ := strconv.ParseInt(raw, 10, 64)
		modes[mode] = n
	}

	total := int64(0)
	for _, depth := range depths {
		total += depth
	}

	snap := Snapshot{
		Online:           clamp(parseField(global, fieldOnline)),
		TotalConnections: parseField(global, fieldTotal),
		TodayConnections: today,
		ByMode:           modes,
		Realtime: Realtime{
			ActiveRooms:   clamp(parseField(global, fieldActiveRooms)),
			WaitingByMode: depths,
			TotalWaiting:  total,
		},
	}

	metrics.ActiveRooms.Set(float64(snap.Realtime.ActiveRooms))
	return snap, nil
}

func parseField(hash map[string]string, field string) int64 {
	n, _ := strconv.ParseInt(hash[field], 10, 64)
	return n
}

// Gauges can drift negative when an instance dies between increment and
// decrement; never show that to clients.
func clamp(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
