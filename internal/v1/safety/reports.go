package safety

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devroulette/backend/internal/v1/errs"
	"github.com/devroulette/backend/internal/v1/logging"
	"github.com/devroulette/backend/internal/v1/metrics"
	"github.com/devroulette/backend/internal/v1/session"
	"github.com/devroulette/backend/internal/v1/store"
)

const (
	// AutoDisconnectThreshold is the report count at which the target is
	// forcibly disconnected.
	AutoDisconnectThreshold = 3

	// AutoDisconnectDelay gives the target's UI time to show a warning
	// before the forced leave.
	AutoDisconnectDelay = 10 * time.Second

	// ReportRetention bounds individual report records.
	ReportRetention = 7 * 24 * time.Hour

	// CounterTTL bounds the per-target report counter.
	CounterTTL = 24 * time.Hour

	// listMax caps the shared recent-reports list.
	listMax = 500
)

// Report is an abuse report against a session.
type Report struct {
	ID         string `json:"id"`
	ReporterID string `json:"reporterId"`
	TargetID   string `json:"reportedSessionId"`
	RoomID     string `json:"roomId"`
	Reason     string `json:"reason"`
	Details    string `json:"details,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Status     string `json:"status"` // pending | reviewed | resolved
}

// Outcome is the result of filing a report.
type Outcome struct {
	ReportID             string
	ShouldAutoDisconnect bool
}

// Reports ingests abuse reports and tracks per-target counters.
type Reports struct {
	store    *store.Store
	sessions *session.Authority
	now      func() time.Time
}

// NewReports creates a Reports service.
func NewReports(st *store.Store, sessions *session.Authority) *Reports {
	return &Reports{store: st, sessions: sessions, now: time.Now}
}

func reportKey(id string) string { return "report:" + id }

func counterKey(sid string) string { return "reported:" + sid }

func userTopic(sid string) string { return "user:" + sid }

func reportsListKey() string { return "reports:list" }

// File records a report from reporter against target. Self-reports are
// rejected. When the target's 24 h counter reaches the threshold, the
// outcome flags shouldAutoDisconnect and an auto-disconnect event is
// published to the target's topic so whichever instance holds its
// connection can act.
func (r *Reports) File(ctx context.Context, reporterID, targetID, roomID, reason, details string) (Outcome, error) {
	if reporterID == targetID {
		metrics.ReportsTotal.WithLabelValues("self_rejected").Inc()
		return Outcome{}, errs.New(errs.KindInvalidArgument, "self-reports are not accepted")
	}
	if targetID == "" || reason == "" {
		return Outcome{}, errs.New(errs.KindInvalidArgument, "reportedSessionId and reason are required")
	}

	report := Report{
		ID:         uuid.NewString(),
		ReporterID: reporterID,
		TargetID:   targetID,
		RoomID:     roomID,
		Reason:     reason,
		Details:    details,
		Timestamp:  r.now().UnixMilli(),
		Status:     "pending",
	}

	data, err := json.Marshal(report)
	if err != nil {
		return Outcome{}, errs.Wrap(errs.KindFatal, "failed to marshal report", err)
	}

	if err := r.store.Set(ctx, reportKey(report.ID), string(data), ReportRetention); err != nil {
		return Outcome{}, err
	}
	if err := r.store.RPush(ctx, reportsListKey(), string(data)); err != nil {
		return Outcome{}, err
	}
	if err := r.store.LTrim(ctx, reportsListKey(), -listMax, -1); err != nil {
		logging.Warn(ctx, "Failed to trim reports list", zap.Error(err))
	}

	count, err := r.store.Incr(ctx, counterKey(targetID), CounterTTL)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := r.sessions.BumpReportCount(ctx, targetID); err != nil {
		logging.Warn(ctx, "Failed to bump session report count", zap.Error(err))
	}

	metrics.ReportsTotal.WithLabelValues("accepted").Inc()
	logging.Info(ctx, "Report filed",
		zap.String("reportId", report.ID),
		zap.String("target", targetID),
		zap.String("reason", reason),
		zap.Int64("targetReportCount", count))

	outcome := Outcome{ReportID: report.ID, ShouldAutoDisconnect: count >= AutoDisconnectThreshold}
	if outcome.ShouldAutoDisconnect {
		if err := r.store.Publish(ctx, userTopic(targetID), "auto-disconnect", map[string]any{"reason": "abuse reports"}, ""); err != nil {
			logging.Error(ctx, "Failed to publish auto-disconnect", zap.String("target", targetID), zap.Error(err))
		}
	}

	return outcome, nil
}

// Recent returns up to limit of the most recent reports, optionally
// filtered by status.
func (r *Reports) Recent(ctx context.Context, status string, limit int) ([]Report, error) {
	raw, err := r.store.LRange(ctx, reportsListKey(), int64(-limit), -1)
	if err != nil {
		return nil, err
	}

	reports := make([]Report, 0, len(raw))
	// Newest last in the list; return newest first.
	for i := len(raw) - 1; i >= 0; i-- {
		var rep Report
		if err := json.Unmarshal([]byte(raw[i]), &rep); err != nil {
			continue
		}
		if status != "" && rep.Status != status {
			continue
		}
		reports = append(reports, rep)
	}
	return reports, nil
}
