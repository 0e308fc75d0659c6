// Sunmod polls a PV inverter over Modbus-TCP. The inverter sits on a
// flaky household WLAN, so every acquisition ping-checks reachability
// first and retries the register read a bounded number of times.
package sunmod

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	probing "github.com/prometheus-community/pro-bing"

	"github.com/nexwatt/fleet_telemetry/pkg/types"
	"github.com/nexwatt/fleet_telemetry/pkg/vendors"
)

const VendorID = "sunmod"

var (
	ErrInverterUnreachable = fmt.Errorf("inverter unreachable")
	ErrRegisterReadFailed  = fmt.Errorf("register read failed")
)

// Register layout of the supported inverter family.
const (
	regActivePower   = 32080 // int32, W
	regLifetimeYield = 32106 // uint32, kWh * 100
)

type Adapter struct {
	mu sync.Mutex
	// Cached last read per system, to avoid hammering inverters when
	// an admin poll lands right after a scheduled one. Best-effort
	// only; losing it costs one extra modbus round-trip.
	lastRead map[int64]cachedRead
}

type cachedRead struct {
	powerW   int64
	yieldKwh float64
	at       time.Time
}

func New() *Adapter {
	return &Adapter{lastRead: make(map[int64]cachedRead)}
}

func (a *Adapter) Info() vendors.Info {
	return vendors.Info{
		ID:              VendorID,
		Name:            "Modbus PV inverter",
		DefaultInterval: 5 * time.Minute,
		Tolerance:       20 * time.Second,
	}
}

func (a *Adapter) EvaluateSchedule(sys types.System, status types.PollingStatus, now time.Time) vendors.ScheduleDecision {
	info := a.Info()
	interval := info.DefaultInterval
	// After repeated failures, back off to spare the WLAN.
	if status.ConsecutiveErrors >= 3 {
		interval = 30 * time.Minute
	}
	return vendors.IntervalDue(status, interval, info.Tolerance, now)
}

func (a *Adapter) Acquire(ctx context.Context, sys types.System, creds vendors.Credentials, session types.Session, dryRun bool) (*vendors.PollResult, error) {
	now := time.Now()

	a.mu.Lock()
	cached, ok := a.lastRead[sys.ID]
	a.mu.Unlock()

	var powerW int64
	var yieldKwh float64
	if ok && now.Sub(cached.at) < 10*time.Second {
		powerW, yieldKwh = cached.powerW, cached.yieldKwh
	} else {
		var err error
		powerW, yieldKwh, err = a.readRegisters(ctx, sys.VendorSiteID)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.lastRead[sys.ID] = cachedRead{powerW: powerW, yieldKwh: yieldKwh, at: now}
		a.mu.Unlock()
	}

	readings := []types.Reading{
		{
			Key:        "active_power",
			Kind:       types.PointPower,
			Unit:       "W",
			Path:       types.PathPowerSolar,
			Value:      float64(powerW),
			MeasuredAt: now.Unix(),
		},
		{
			Key:        "lifetime_yield",
			Kind:       types.PointEnergy,
			Unit:       "kWh",
			Path:       types.PathEnergySolar,
			Value:      yieldKwh,
			MeasuredAt: now.Unix(),
		},
	}

	return &vendors.PollResult{
		Outcome:  vendors.OutcomePolled,
		Readings: readings,
		NextPoll: now.Add(a.Info().DefaultInterval),
		Raw:      fmt.Sprintf(`{"active_power_w":%d,"lifetime_yield_kwh":%.2f}`, powerW, yieldKwh),
	}, nil
}

func (a *Adapter) TestConnection(ctx context.Context, sys types.System, creds vendors.Credentials) error {
	_, _, err := a.readRegisters(ctx, sys.VendorSiteID)
	return err
}

func (a *Adapter) readRegisters(ctx context.Context, hostPort string) (int64, float64, error) {
	const maxRetries = 3
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if ctx.Err() != nil {
			return 0, 0, ctx.Err()
		}
		if attempt > 0 {
			time.Sleep(2 * time.Second)
		}

		// Ping check before attempting the modbus connection
		if ok, err := ping(hostPort); !ok || err != nil {
			lastErr = fmt.Errorf("ping failed on attempt %d: %w", attempt+1, err)
			continue
		}

		handler := modbus.NewTCPClientHandler(hostPort)
		handler.Timeout = 10 * time.Second
		handler.SlaveId = 0

		if err := handler.Connect(); err != nil {
			lastErr = fmt.Errorf("connection failed on attempt %d: %w", attempt+1, err)
			handler.Close()
			continue
		}
		client := modbus.NewClient(handler)

		power, err := client.ReadHoldingRegisters(regActivePower, 2)
		if err != nil {
			handler.Close()
			lastErr = fmt.Errorf("read power failed on attempt %d: %w", attempt+1, err)
			continue
		}
		yield, err := client.ReadHoldingRegisters(regLifetimeYield, 2)
		handler.Close()
		if err != nil {
			lastErr = fmt.Errorf("read yield failed on attempt %d: %w", attempt+1, err)
			continue
		}

		powerW := int64(int32(power[0])<<24 | int32(power[1])<<16 | int32(power[2])<<8 | int32(power[3]))
		rawYield := uint32(yield[0])<<24 | uint32(yield[1])<<16 | uint32(yield[2])<<8 | uint32(yield[3])
		return powerW, float64(rawYield) / 100, nil
	}

	return 0, 0, errors.Join(ErrRegisterReadFailed, lastErr)
}

func ping(hostPort string) (bool, error) {
	host := hostPort
	for i := range host {
		if host[i] == ':' {
			host = host[:i]
			break
		}
	}

	pinger, err := probing.NewPinger(host)
	if err != nil {
		return false, err
	}

	pinger.Count = 1
	pinger.Timeout = 2 * time.Second
	pinger.SetPrivileged(false) // UDP-based, no root needed

	if err := pinger.Run(); err != nil {
		return false, err
	}
	if pinger.Statistics().PacketsRecv > 0 {
		return true, nil
	}
	return false, errors.Join(ErrInverterUnreachable, fmt.Errorf("no response from %s", host))
}
