// Pushgw is the push-based vendor family. Systems of this vendor are
// never cron-polled; their readings arrive as JSON documents over the
// HTTP webhook endpoint or the MQTT intake, both of which share the
// same delivery format.
package pushgw

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexwatt/fleet_telemetry/pkg/types"
	"github.com/nexwatt/fleet_telemetry/pkg/vendors"
)

const VendorID = "pushgw"

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Info() vendors.Info {
	return vendors.Info{
		ID:              VendorID,
		Name:            "Push gateway",
		DefaultInterval: 0,
	}
}

// EvaluateSchedule always declines: push systems are driven by their
// deliveries, not by the heartbeat.
func (a *Adapter) EvaluateSchedule(sys types.System, status types.PollingStatus, now time.Time) vendors.ScheduleDecision {
	return vendors.ScheduleDecision{Reason: "push only"}
}

// Acquire exists to satisfy the contract; a scheduled acquisition of a
// push system has nothing to fetch.
func (a *Adapter) Acquire(ctx context.Context, sys types.System, creds vendors.Credentials, session types.Session, dryRun bool) (*vendors.PollResult, error) {
	return &vendors.PollResult{Outcome: vendors.OutcomeSkipped, Reason: "push only"}, nil
}

func (a *Adapter) TestConnection(ctx context.Context, sys types.System, creds vendors.Credentials) error {
	return nil
}

// Delivery is the wire format of one push document.
type Delivery struct {
	SentAt   int64             `json:"sent_at"`
	Readings []DeliveryReading `json:"readings"`
}

type DeliveryReading struct {
	Key        string   `json:"key"`
	Path       string   `json:"path"`
	Kind       string   `json:"kind"` // power | energy | soc | text
	Unit       string   `json:"unit"`
	Value      *float64 `json:"value"`
	Text       string   `json:"text,omitempty"`
	MeasuredAt int64    `json:"measured_at"`
}

// ParseDelivery maps a push document to normalized readings. Rows
// without a key or measurement time are a malformed delivery, not
// something to silently drop.
func (a *Adapter) ParseDelivery(payload []byte) ([]types.Reading, error) {
	var doc Delivery
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode push delivery: %w", err)
	}
	if len(doc.Readings) == 0 {
		return nil, fmt.Errorf("push delivery carried no readings")
	}

	readings := make([]types.Reading, 0, len(doc.Readings))
	for i, dr := range doc.Readings {
		if dr.Key == "" {
			return nil, fmt.Errorf("delivery reading %d has no key", i)
		}
		if dr.MeasuredAt == 0 {
			return nil, fmt.Errorf("delivery reading %d (%s) has no measurement time", i, dr.Key)
		}

		kind, err := parseKind(dr.Kind)
		if err != nil {
			return nil, fmt.Errorf("delivery reading %d (%s): %w", i, dr.Key, err)
		}
		if kind != types.PointText && dr.Value == nil {
			return nil, fmt.Errorf("delivery reading %d (%s) has no value", i, dr.Key)
		}

		r := types.Reading{
			Key:        dr.Key,
			Kind:       kind,
			Unit:       dr.Unit,
			Path:       dr.Path,
			Text:       dr.Text,
			MeasuredAt: dr.MeasuredAt,
		}
		if dr.Value != nil {
			r.Value = *dr.Value
		}
		readings = append(readings, r)
	}
	return readings, nil
}

func parseKind(s string) (types.PointKind, error) {
	switch s {
	case "power":
		return types.PointPower, nil
	case "energy":
		return types.PointEnergy, nil
	case "soc":
		return types.PointSOC, nil
	case "text":
		return types.PointText, nil
	}
	return 0, fmt.Errorf("unknown reading kind %q", s)
}
