// Copyright (c) 2020 by Thorsten von Eicken, see LICENSE file for details

// plcmqtt gateways a QCA7000 powerline modem to an MQTT broker. Every
// Ethernet frame received off the powerline is published as a JSON message,
// frames published to the tx topic are transmitted, and the driver's
// counters go out periodically so the link can be monitored.
//
// The configuration comes from a toml file, see sample.toml.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/tve/qca7k"
	"github.com/tve/qca7k/thread"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"
)

type Config struct {
	Debug bool
	Mqtt  MqttConfig
	Modem ModemConfig
}

type MqttConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Prefix   string // topic prefix, e.g. "plc/garage"
}

type ModemConfig struct {
	SpiPort    string `toml:"spi_port"`
	IntrPin    string `toml:"intr_pin"`
	ResetPin   string `toml:"reset_pin"`
	DriveReset bool   `toml:"drive_reset"`
	Realtime   bool   // give the frame pump realtime priority
}

// RxFrame is the JSON payload published for each received frame.
type RxFrame struct {
	Frame []byte    `json:"frame"` // full Ethernet frame, base64 in JSON
	At    time.Time `json:"at"`    // receive timestamp
}

// TxFrame is the JSON payload expected on the tx topic.
type TxFrame struct {
	Frame []byte `json:"frame"`
}

// LinkStats is the JSON payload published periodically with the driver's
// counters and sync state.
type LinkStats struct {
	qca7k.Stats
	Sync string `json:"sync"`
}

func openModem(c ModemConfig, debug qca7k.LogPrintf) (*qca7k.Modem, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	intrPin := gpioreg.ByName(c.IntrPin)
	if intrPin == nil {
		return nil, fmt.Errorf("cannot open pin %s", c.IntrPin)
	}
	var resetPin gpio.PinOut
	if c.ResetPin != "" {
		if resetPin = gpioreg.ByName(c.ResetPin); resetPin == nil {
			return nil, fmt.Errorf("cannot open pin %s", c.ResetPin)
		}
	}
	port, err := spireg.Open(c.SpiPort)
	if err != nil {
		return nil, err
	}
	conn, err := port.Connect(12*physic.MegaHertz, spi.Mode3, 8)
	if err != nil {
		return nil, err
	}
	return qca7k.New(conn, intrPin, qca7k.Opts{
		ResetPin:   resetPin,
		DriveReset: c.DriveReset,
		Logger:     debug,
	})
}

func connectMqtt(c MqttConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.Host, c.Port))
	opts.SetClientID("plcmqtt")
	if c.User != "" {
		opts.SetUsername(c.User)
		opts.SetPassword(c.Password)
	}
	opts.SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	t := client.Connect()
	t.Wait()
	return client, t.Error()
}

func run(configFile string) error {
	var config Config
	if _, err := toml.DecodeFile(configFile, &config); err != nil {
		return err
	}
	if config.Mqtt.Prefix == "" {
		config.Mqtt.Prefix = "plc"
	}
	var debug qca7k.LogPrintf
	if config.Debug {
		debug = log.Printf
	}

	modem, err := openModem(config.Modem, debug)
	if err != nil {
		return err
	}
	log.Printf("Modem link up")

	client, err := connectMqtt(config.Mqtt)
	if err != nil {
		return err
	}
	log.Printf("Connected to MQTT broker %s:%d", config.Mqtt.Host, config.Mqtt.Port)

	// Frames published to the tx topic go out on the powerline.
	txTopic := config.Mqtt.Prefix + "/tx"
	token := client.Subscribe(txTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var tx TxFrame
		if err := json.Unmarshal(msg.Payload(), &tx); err != nil {
			log.Printf("Bad tx message on %s: %s", msg.Topic(), err)
			return
		}
		modem.Send(tx.Frame)
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}

	// Counters go out periodically.
	go func() {
		for range time.Tick(time.Minute) {
			stats := LinkStats{Stats: modem.Stats(), Sync: modem.Sync().String()}
			payload, _ := json.Marshal(stats)
			client.Publish(config.Mqtt.Prefix+"/stats", 0, false, payload)
		}
	}()

	// Received frames go to the rx topic. This pump is the latency
	// sensitive part, so optionally give it a realtime thread.
	if config.Modem.Realtime {
		if err := thread.Realtime(); err != nil {
			log.Printf("Cannot set realtime priority: %s", err)
		}
	}
	rxTopic := config.Mqtt.Prefix + "/rx"
	for frame := range modem.RxChan {
		payload, _ := json.Marshal(RxFrame{Frame: frame.Payload, At: frame.At})
		client.Publish(rxTopic, 0, false, payload)
	}
	return fmt.Errorf("modem failed: %s", modem.Error())
}

func main() {
	configFile := flag.String("config", "plcmqtt.toml", "configuration file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "plcmqtt: %s\n", err)
		os.Exit(1)
	}
}
