// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// owtherm periodically reads every DS18B20 temperature sensor on a software
// 1-wire bus and logs the readings.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/womat/debug"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/GermanBionicSystems/onewire/ds18b20"
	"github.com/GermanBionicSystems/onewire/owbus"
)

// cooldown is how long to leave the bus alone after a failed cycle before
// trying again.
const cooldown = 5 * time.Second

func main() {
	exitCode := 1
	defer func() {
		os.Exit(exitCode)
	}()

	var (
		pinName  string
		period   time.Duration
		parasite bool
		logLevel string
	)

	cliApp := &cli.App{
		Name:  "owtherm",
		Usage: "DS18B20 temperature logger over a bit-banged 1-wire bus",
		UsageText: "owtherm [--pin <name>] [--period <duration>] [--log standard|debug|trace]" +
			"\n\nEXAMPLE:" +
			"\n\tread all sensors on GPIO4 once a minute" +
			"\n\t\towtherm --pin GPIO4 --period 1m",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pin", Aliases: []string{"p"}, Destination: &pinName, Value: "GPIO4", Usage: "gpio `PIN` the bus data line is wired to"},
			&cli.DurationFlag{Name: "period", Destination: &period, Value: time.Minute, Usage: "`DURATION` between measurement cycles"},
			&cli.BoolFlag{Name: "parasite", Destination: &parasite, Usage: "power the sensors from the data line"},
			&cli.StringFlag{Name: "log", Aliases: []string{"l"}, Destination: &logLevel, Value: "standard", Usage: "`LEVEL` defines the log level (standard|debug|trace)"},
		},
		Action: func(ctx *cli.Context) error {
			switch logLevel {
			case "trace", "full":
				debug.SetDebug(os.Stderr, debug.Full)
			case "debug":
				debug.SetDebug(os.Stderr, debug.Warning|debug.Info|debug.Error|debug.Fatal|debug.Debug)
			default:
				debug.SetDebug(os.Stderr, debug.Standard)
			}

			bus, err := openBus(pinName, parasite)
			if err != nil {
				return err
			}

			ticker := time.NewTicker(period)
			defer ticker.Stop()

			// capture exit signals to ensure resources are released on exit.
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)

			measureCycle(bus)
			for {
				select {
				case <-ticker.C:
					measureCycle(bus)
				case sig := <-quit:
					debug.InfoLog.Printf("got %s signal, aborting", sig)
					return bus.Halt()
				}
			}
		},
	}

	sort.Sort(cli.FlagsByName(cliApp.Flags))
	sort.Sort(cli.CommandsByName(cliApp.Commands))

	if err := cliApp.Run(os.Args); err != nil {
		debug.FatalLog.Print(err)
		exitCode = 1
		return
	}

	exitCode = 0
}

func openBus(pinName string, parasite bool) (*owbus.Dev, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, fmt.Errorf("no gpio pin named %q", pinName)
	}
	return owbus.New(owbus.PinPort(pin), &owbus.Opts{Parasite: parasite})
}

// measureCycle enumerates the bus, runs one conversion on every sensor at
// once and reads the results back. A failing bus is logged and left alone
// until the cooldown expires; sensors come and go, the logger keeps running.
func measureCycle(bus *owbus.Dev) {
	devices, err := bus.SearchDevices(false)
	if err != nil {
		debug.ErrorLog.Printf("bus enumeration: %v", err)
		time.Sleep(cooldown)
		return
	}

	sensors := make([]*ds18b20.Dev, 0, len(devices))
	for _, dev := range devices {
		debug.DebugLog.Printf("found %v (family %#02x)", dev, dev.Family())
		if ds18b20.Family(dev.Family()) != ds18b20.DS18B20 {
			continue
		}
		sensors = append(sensors, ds18b20.NewForced(bus, dev, ds18b20.Bits12))
	}
	if len(sensors) == 0 {
		debug.InfoLog.Print("no temperature sensors on the bus")
		return
	}

	if err := ds18b20.ConvertAll(bus, ds18b20.Bits12); err != nil {
		debug.ErrorLog.Printf("conversion: %v", err)
		time.Sleep(cooldown)
		return
	}
	for _, s := range sensors {
		raw, err := s.ReadRaw()
		if err != nil {
			debug.ErrorLog.Printf("%v: %v", s, err)
			continue
		}
		debug.InfoLog.Printf("%v: %s", s, formatTemp(raw))
	}
}

// formatTemp renders a raw reading as degrees Celsius without touching
// floating point.
func formatTemp(raw int16) string {
	integer, fraction := ds18b20.SplitTemp(raw)
	sign := ""
	if raw < 0 {
		sign, integer, fraction = "-", -integer, -fraction
	}
	return fmt.Sprintf("%s%d.%04d°C", sign, integer, fraction)
}
