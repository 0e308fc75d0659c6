// Dsmr polls a locally attached DSMR P1 meter. One acquisition reads a
// single CRC-checked telegram from the serial port and maps its OBIS
// fields to grid power and lifetime import/export counters.
package dsmr

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/sigurn/crc16"

	"github.com/nexwatt/fleet_telemetry/pkg/types"
	"github.com/nexwatt/fleet_telemetry/pkg/units"
	"github.com/nexwatt/fleet_telemetry/pkg/vendors"
)

const VendorID = "dsmr"

const defaultBaudrate = 115200

type Adapter struct {
	obisPatterns map[string]*regexp.Regexp
	tsPattern    *regexp.Regexp
}

func New() *Adapter {
	return &Adapter{
		obisPatterns: map[string]*regexp.Regexp{
			"current_consumption":     regexp.MustCompile(`1-0:1\.7\.0\((\d+\.\d+)\*kW\)`),
			"current_production":      regexp.MustCompile(`1-0:2\.7\.0\((\d+\.\d+)\*kW\)`),
			"total_consumption_day":   regexp.MustCompile(`1-0:1\.8\.1\((\d+\.\d+)\*kWh\)`),
			"total_consumption_night": regexp.MustCompile(`1-0:1\.8\.2\((\d+\.\d+)\*kWh\)`),
			"total_production_day":    regexp.MustCompile(`1-0:2\.8\.1\((\d+\.\d+)\*kWh\)`),
			"total_production_night":  regexp.MustCompile(`1-0:2\.8\.2\((\d+\.\d+)\*kWh\)`),
		},
		tsPattern: regexp.MustCompile(`0-0:1\.0\.0\((\d{12})[WS]\)`),
	}
}

func (a *Adapter) Info() vendors.Info {
	return vendors.Info{
		ID:              VendorID,
		Name:            "DSMR P1 meter",
		DefaultInterval: time.Minute,
		Tolerance:       10 * time.Second,
		Credentials: []vendors.CredentialField{
			{
				Field:       "baudrate",
				Name:        "Baudrate",
				Type:        "string",
				Required:    false,
				Description: "Serial baudrate, defaults to 115200.",
			},
		},
	}
}

func (a *Adapter) EvaluateSchedule(sys types.System, status types.PollingStatus, now time.Time) vendors.ScheduleDecision {
	info := a.Info()
	return vendors.IntervalDue(status, info.DefaultInterval, info.Tolerance, now)
}

// Acquire opens the port named by the system's site id, reads one
// telegram and maps it. The port is opened per acquisition so a wedged
// reader never outlives the attempt.
func (a *Adapter) Acquire(ctx context.Context, sys types.System, creds vendors.Credentials, session types.Session, dryRun bool) (*vendors.PollResult, error) {
	telegram, err := a.readTelegram(ctx, sys, creds)
	if err != nil {
		return nil, err
	}
	if !validCRC(telegram) {
		return nil, fmt.Errorf("telegram failed CRC check")
	}

	readings, err := a.mapTelegram(telegram)
	if err != nil {
		return nil, err
	}

	info := a.Info()
	return &vendors.PollResult{
		Outcome:  vendors.OutcomePolled,
		Readings: readings,
		NextPoll: time.Now().Add(info.DefaultInterval),
		Raw:      telegram,
	}, nil
}

func (a *Adapter) TestConnection(ctx context.Context, sys types.System, creds vendors.Credentials) error {
	port, err := openPort(sys, creds)
	if err != nil {
		return err
	}
	return port.Close()
}

func openPort(sys types.System, creds vendors.Credentials) (io.ReadWriteCloser, error) {
	baud := uint(defaultBaudrate)
	if v, ok := creds["baudrate"]; ok && v != "" {
		parsed, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid baudrate %q: %w", v, err)
		}
		baud = uint(parsed)
	}

	options := serial.OpenOptions{
		PortName:        sys.VendorSiteID,
		BaudRate:        baud,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
	}
	port, err := serial.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	return port, nil
}

func (a *Adapter) readTelegram(ctx context.Context, sys types.System, creds vendors.Credentials) (string, error) {
	type result struct {
		telegram string
		err      error
	}
	ch := make(chan result, 1)

	port, err := openPort(sys, creds)
	if err != nil {
		return "", err
	}

	go func() {
		defer port.Close()
		ch <- func() result {
			var buffer strings.Builder
			var inTelegram bool
			reader := bufio.NewReader(port)
			for {
				line, err := reader.ReadString('\n')
				if err != nil {
					return result{err: err}
				}

				if strings.HasPrefix(line, "/") {
					// Start of telegram
					buffer.Reset()
					buffer.WriteString(line)
					inTelegram = true
				} else if inTelegram {
					buffer.WriteString(line)
					if strings.HasPrefix(strings.TrimSpace(line), "!") {
						return result{telegram: buffer.String()}
					}
				}
			}
		}()
	}()

	select {
	case res := <-ch:
		return res.telegram, res.err
	case <-ctx.Done():
		port.Close()
		return "", fmt.Errorf("telegram read cancelled: %w", ctx.Err())
	}
}

// validCRC checks the telegram trailer with CRC16/ARC, per the DSMR
// specification.
func validCRC(telegram string) bool {
	parts := strings.Split(telegram, "!")
	if len(parts) != 2 || len(parts[1]) < 4 {
		return false
	}

	data := parts[0] + "!"
	givenCRC := parts[1][:4]

	table := crc16.MakeTable(crc16.CRC16_ARC)
	calcCRC := crc16.Checksum([]byte(data), table)

	return strings.ToUpper(givenCRC) == fmt.Sprintf("%04X", calcCRC)
}

func (a *Adapter) mapTelegram(telegram string) ([]types.Reading, error) {
	values := make(map[string]float64)
	for field, pattern := range a.obisPatterns {
		match := pattern.FindStringSubmatch(telegram)
		if match == nil {
			continue
		}
		v, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			continue
		}
		values[field] = v
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("telegram carried no known OBIS fields")
	}

	measuredAt := time.Now().Unix()
	if match := a.tsPattern.FindStringSubmatch(telegram); match != nil {
		if t, err := time.ParseInLocation("060102150405", match[1], time.Local); err == nil {
			measuredAt = t.Unix()
		}
	}

	var readings []types.Reading

	// Net grid power: positive while importing, negative while the
	// house exports.
	if cons, okC := values["current_consumption"]; okC {
		prod := values["current_production"]
		readings = append(readings, types.Reading{
			Key:        "grid_power",
			Kind:       types.PointPower,
			Unit:       "W",
			Path:       types.PathPowerGrid,
			Value:      float64(units.KwToW(cons - prod)),
			MeasuredAt: measuredAt,
		})
	}

	// Lifetime registers: day and night tariff are summed into one
	// counter per direction.
	if day, ok := values["total_consumption_day"]; ok {
		readings = append(readings, types.Reading{
			Key:        "grid_import_total",
			Kind:       types.PointEnergy,
			Unit:       "kWh",
			Path:       types.PathEnergyGridIn,
			Value:      day + values["total_consumption_night"],
			MeasuredAt: measuredAt,
		})
	}
	if day, ok := values["total_production_day"]; ok {
		readings = append(readings, types.Reading{
			Key:        "grid_export_total",
			Kind:       types.PointEnergy,
			Unit:       "kWh",
			Path:       types.PathEnergyGridOut,
			Value:      day + values["total_production_night"],
			MeasuredAt: measuredAt,
		})
	}

	return readings, nil
}
