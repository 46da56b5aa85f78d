package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/telemetry"
)

// subscriberTimeout bounds the catalog writes of one delivered event.
const subscriberTimeout = 5 * time.Second

// ExperimentEntry builds the catalog entry of a resolved experiment.
func ExperimentEntry(exp *engine.Experiment) (*Experiment, error) {
	def, err := json.Marshal(exp)
	if err != nil {
		return nil, err
	}
	return &Experiment{
		ID:         exp.ID,
		Name:       exp.Name,
		Path:       exp.Path,
		Definition: string(def),
	}, nil
}

// UnitEntries builds the catalog entries of run units in their current status.
func UnitEntries(experimentID string, units []*engine.RunUnit) []*Unit {
	out := make([]*Unit, 0, len(units))
	for _, u := range units {
		out = append(out, &Unit{
			ID:           u.ID,
			ExperimentID: experimentID,
			Algorithm:    u.Algorithm,
			Suite:        u.Problem.Suite,
			Domain:       u.Problem.Domain,
			Problem:      u.Problem.ID(),
			Seed:         u.Seed,
			Status:       u.Status,
		})
	}
	return out
}

// RecordEntry builds the catalog entry of a unit from its execution record.
func RecordEntry(experimentID string, rec *engine.UnitRecord) *Unit {
	return &Unit{
		ID:           rec.ID,
		ExperimentID: experimentID,
		Algorithm:    rec.Algorithm,
		Suite:        rec.Suite,
		Domain:       rec.Domain,
		Problem:      rec.Problem,
		Seed:         rec.Seed,
		Status:       rec.Status,
		ExitCode:     rec.ExitCode,
		WallTime:     rec.WallTime,
		Attempts:     rec.Attempts,
		Error:        rec.Error,
		UpdatedAt:    rec.CompletedAt,
	}
}

// Subscribe mirrors the publisher's events into the catalog. Unit events
// also update the unit's status. Write failures are logged and dropped.
func (s *SQLiteStore) Subscribe(events *telemetry.EventPublisher, logger *telemetry.Logger) {
	if events == nil {
		return
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	logger = logger.NewComponentLogger("catalog")

	events.Subscribe(func(ev telemetry.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), subscriberTimeout)
		defer cancel()

		if err := s.AppendEvent(ctx, FromTelemetry(ev)); err != nil {
			logger.WithError(err).Warn("failed to record event")
		}

		if ev.UnitID == "" {
			return
		}
		switch ev.Type {
		case telemetry.EventTypeUnitCompleted, telemetry.EventTypeUnitFailed:
			status, _ := ev.Data["status"].(string)
			cause, _ := ev.Data["cause"].(string)
			if status == "" {
				return
			}
			if err := s.updateUnitStatus(ctx, ev.ExperimentID, ev.UnitID, engine.UnitStatus(status), cause); err != nil {
				logger.WithUnit(ev.UnitID).WithError(err).Debug("unit status not recorded")
			}
		}
	}, nil)
}

// FromTelemetry converts a pipeline event into a catalog event.
func FromTelemetry(ev telemetry.Event) *Event {
	out := &Event{
		ID:           ev.ID,
		ExperimentID: ev.ExperimentID,
		Type:         ev.Type,
		Step:         ev.Step,
		UnitID:       ev.UnitID,
		Level:        EventLevel(ev.Level),
		Message:      ev.Message,
		Timestamp:    ev.Timestamp,
	}
	if len(ev.Data) > 0 {
		if data, err := json.Marshal(ev.Data); err == nil {
			out.Data = string(data)
		}
	}
	return out
}
