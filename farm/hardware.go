package main

import (
	"fmt"
	"log/slog"

	"gobot.io/x/gobot/v2"
	"gobot.io/x/gobot/v2/drivers/gpio"
	"gobot.io/x/gobot/v2/drivers/i2c"
	"gobot.io/x/gobot/v2/platforms/raspi"

	"furitingoasis/farmnode/actuators"
	"furitingoasis/farmnode/config"
	"furitingoasis/farmnode/sensors"
)

// hardware is the board: relays, the climate sensor and the flow meter,
// all driven by one gobot robot on the Raspberry Pi adaptor.
type hardware struct {
	robot   *gobot.Robot
	bank    *actuators.Bank
	readers []sensors.Reader
	flow    *sensors.FlowMeter
}

func newHardware(cfg *config.Config, logger *slog.Logger) (*hardware, error) {
	r := raspi.NewAdaptor()
	var devices []gobot.Device

	relays := make([]*actuators.Relay, 0, len(cfg.Actuators))
	for _, a := range cfg.Actuators {
		driver := gpio.NewRelayDriver(r, a.Pin)
		devices = append(devices, driver)
		relays = append(relays, actuators.NewRelay(a.Name, driver, a.Inverted, logger))
	}
	bank, err := actuators.NewBank(relays...)
	if err != nil {
		return nil, err
	}

	hw := &hardware{bank: bank}
	if cfg.Sensors.SHT2x {
		sht2x := i2c.NewSHT2xDriver(r)
		devices = append(devices, sht2x)
		hw.readers = append(hw.readers,
			sensors.NewTemperature(sht2x),
			sensors.NewHumidity(sht2x, cfg.Sensors.HumidityOffset),
		)
	}
	if cfg.Sensors.FlowPin != "" {
		button := gpio.NewButtonDriver(r, cfg.Sensors.FlowPin)
		hw.flow = sensors.NewFlowMeter(cfg.Sensors.PulsesPerLitre)
		if err := hw.flow.Attach(button); err != nil {
			return nil, fmt.Errorf("flow meter on pin %s: %w", cfg.Sensors.FlowPin, err)
		}
		devices = append(devices, button)
		hw.readers = append(hw.readers, hw.flow)
	}

	hw.robot = gobot.NewRobot("farmnode", []gobot.Connection{r}, devices)
	return hw, nil
}

// start connects the adaptor and starts every driver without blocking.
func (hw *hardware) start() error {
	if err := hw.robot.Start(false); err != nil {
		return fmt.Errorf("start robot: %w", err)
	}
	return nil
}

func (hw *hardware) stop() error {
	offErr := hw.bank.AllOff()
	if err := hw.robot.Stop(); err != nil {
		return fmt.Errorf("stop robot: %w", err)
	}
	return offErr
}
