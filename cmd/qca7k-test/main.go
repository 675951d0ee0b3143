// Copyright (c) 2020 by Thorsten von Eicken, see LICENSE file for details

// qca7k-test exercises a QCA7000 modem attached to an SPI port: it prints
// every Ethernet frame coming off the powerline and can push test frames
// out. Handy to verify board wiring and to watch a GreenPHY segment.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tve/qca7k"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"
)

func run(spiName, intrName, resetName string, driveReset, debug bool, send int) error {
	if _, err := host.Init(); err != nil {
		return err
	}

	intrPin := gpioreg.ByName(intrName)
	if intrPin == nil {
		return fmt.Errorf("cannot open pin %s", intrName)
	}
	var resetPin gpio.PinOut
	if resetName != "" {
		if resetPin = gpioreg.ByName(resetName); resetPin == nil {
			return fmt.Errorf("cannot open pin %s", resetName)
		}
	}

	port, err := spireg.Open(spiName)
	if err != nil {
		return err
	}
	defer port.Close()
	conn, err := port.Connect(12*physic.MegaHertz, spi.Mode3, 8)
	if err != nil {
		return err
	}

	var logger qca7k.LogPrintf
	if debug {
		logger = log.Printf
	}

	log.Printf("Initializing qca7k...")
	t0 := time.Now()
	modem, err := qca7k.New(conn, intrPin, qca7k.Opts{
		ResetPin:   resetPin,
		DriveReset: driveReset,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	log.Printf("Link ready (%.1fs)", time.Since(t0).Seconds())

	if send > 0 {
		go func() {
			for i := 1; i <= send; i++ {
				frame := make([]byte, 60)
				// Broadcast destination, locally administered source.
				copy(frame, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
				copy(frame[6:], []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01})
				frame[12] = 0x88
				frame[13] = 0xB5 // local experimental ethertype
				frame[14] = byte(i)
				modem.Send(frame)
				log.Printf("Sent test frame %d", i)
				time.Sleep(time.Second)
			}
		}()
	}

	ticker := time.NewTicker(30 * time.Second)
	for {
		select {
		case frame, ok := <-modem.RxChan:
			if !ok {
				return modem.Error()
			}
			log.Printf("Rx %d bytes: % x ...", len(frame.Payload), frame.Payload[:16])
		case <-ticker.C:
			s := modem.Stats()
			log.Printf("Stats: rx %d pkts/%d bytes tx %d pkts/%d bytes, sync %s",
				s.RxPackets, s.RxBytes, s.TxPackets, s.TxBytes, modem.Sync())
		}
	}
}

func main() {
	spiName := flag.String("spi", "SPI0.0", "SPI port the modem is attached to")
	intrName := flag.String("intr", "GPIO25", "interrupt pin name")
	resetName := flag.String("reset", "", "reset pin name, empty for none")
	driveReset := flag.Bool("drivereset", false, "drive the reset pin from the sync state machine")
	debug := flag.Bool("debug", false, "enable driver debug logging")
	send := flag.Int("send", 0, "number of test frames to broadcast")
	flag.Parse()

	if err := run(*spiName, *intrName, *resetName, *driveReset, *debug, *send); err != nil {
		fmt.Fprintf(os.Stderr, "qca7k-test: %s\n", err)
		os.Exit(1)
	}
}
