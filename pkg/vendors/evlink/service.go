// Evlink polls a cloud vehicle API for battery state of charge,
// charging power and lifetime charge energy. The platform imposes a
// daily call quota, so the family runs in its own budgeted scheduler
// pass. An observed charging state shortens the poll interval; the
// state is persisted via the polling-status hint and only cached in
// process as a fast path.
package evlink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nexwatt/fleet_telemetry/pkg/types"
	"github.com/nexwatt/fleet_telemetry/pkg/vendors"
)

const VendorID = "evlink"

const (
	intervalIdle     = 15 * time.Minute
	intervalCharging = 5 * time.Minute

	HintCharging = "charging"
	HintIdle     = "idle"
)

type Adapter struct {
	// BaseURL is overridable for tests.
	BaseURL string
	client  *http.Client

	mu       sync.Mutex
	charging map[int64]bool // same-process fast path; authoritative copy is the status hint
}

func New() *Adapter {
	return &Adapter{
		BaseURL:  "https://api.evlink.example.com",
		client:   &http.Client{Timeout: 30 * time.Second},
		charging: make(map[int64]bool),
	}
}

func (a *Adapter) Info() vendors.Info {
	return vendors.Info{
		ID:              VendorID,
		Name:            "EVLink cloud",
		DefaultInterval: intervalIdle,
		Tolerance:       30 * time.Second,
		DailyCallBudget: 120,
		Credentials: []vendors.CredentialField{
			{
				Field:    "api_token",
				Name:     "API token",
				Type:     "password",
				Required: true,
			},
		},
	}
}

func (a *Adapter) EvaluateSchedule(sys types.System, status types.PollingStatus, now time.Time) vendors.ScheduleDecision {
	interval := intervalIdle

	a.mu.Lock()
	charging, cached := a.charging[sys.ID]
	a.mu.Unlock()
	if !cached {
		// Fresh process: fall back to the persisted hint.
		charging = status.LastHint == HintCharging
	}
	if charging {
		interval = intervalCharging
	}

	dec := vendors.IntervalDue(status, interval, a.Info().Tolerance, now)
	if dec.ShouldPoll && charging {
		dec.Reason = "charging, shortened interval elapsed"
	}
	return dec
}

// telemetryDoc is the vendor wire shape.
type telemetryDoc struct {
	Timestamp       int64   `json:"timestamp"`
	BatteryLevel    float64 `json:"battery_level"`
	ChargingState   string  `json:"charging_state"`
	ChargerPowerW   float64 `json:"charger_power_w"`
	ChargeEnergyKwh float64 `json:"charge_energy_total_kwh"`
	VehicleState    string  `json:"vehicle_state"`
}

func (a *Adapter) Acquire(ctx context.Context, sys types.System, creds vendors.Credentials, session types.Session, dryRun bool) (*vendors.PollResult, error) {
	token := creds["api_token"]
	if token == "" {
		return nil, fmt.Errorf("missing evlink api token")
	}

	body, err := a.fetch(ctx, sys.VendorSiteID, token)
	if err != nil {
		return nil, err
	}

	var doc telemetryDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode evlink telemetry: %w", err)
	}
	if doc.Timestamp == 0 {
		doc.Timestamp = time.Now().Unix()
	}

	charging := doc.ChargingState == "Charging"
	if !dryRun {
		a.mu.Lock()
		a.charging[sys.ID] = charging
		a.mu.Unlock()
	}

	hint := HintIdle
	interval := intervalIdle
	if charging {
		hint = HintCharging
		interval = intervalCharging
	}

	readings := []types.Reading{
		{
			Key:        "battery_level",
			Kind:       types.PointSOC,
			Unit:       "%",
			Path:       types.PathSOCBattery,
			Value:      doc.BatteryLevel,
			MeasuredAt: doc.Timestamp,
		},
		{
			Key:        "charger_power",
			Kind:       types.PointPower,
			Unit:       "W",
			Path:       types.PathPowerBattery,
			Value:      doc.ChargerPowerW,
			MeasuredAt: doc.Timestamp,
		},
		{
			Key:        "charge_energy_total",
			Kind:       types.PointEnergy,
			Unit:       "kWh",
			Path:       types.PathEnergyBattIn,
			Value:      doc.ChargeEnergyKwh,
			MeasuredAt: doc.Timestamp,
		},
		{
			Key:        "vehicle_state",
			Kind:       types.PointText,
			Unit:       "",
			Path:       "vehicle.state",
			Text:       doc.VehicleState,
			MeasuredAt: doc.Timestamp,
		},
	}

	return &vendors.PollResult{
		Outcome:  vendors.OutcomePolled,
		Readings: readings,
		NextPoll: time.Now().Add(interval),
		Raw:      string(body),
		Hint:     hint,
	}, nil
}

func (a *Adapter) TestConnection(ctx context.Context, sys types.System, creds vendors.Credentials) error {
	_, err := a.fetch(ctx, sys.VendorSiteID, creds["api_token"])
	return err
}

func (a *Adapter) fetch(ctx context.Context, vehicleID, token string) ([]byte, error) {
	url := fmt.Sprintf("%s/v1/vehicles/%s/telemetry", a.BaseURL, vehicleID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("evlink request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("evlink returned status %d: %s", resp.StatusCode, body)
	}
	return body, nil
}
