// Command ectrl is a thin CLI front end over pkg/motion: enough to start
// the bus, issue a move, check status, and stop it from a shell or a
// process supervisor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"ectrl/internal/telemetry"
	"ectrl/internal/units"
	"ectrl/pkg/motion"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func main() {
	adapter := flag.String("adapter", env("ECTRL_ADAPTER", "eth0"), "network adapter bound to the EtherCAT ring")
	numSlaves := flag.Int("slaves", 2, "number of CiA 402 slaves on the ring")
	cycleMS := flag.Int("cycle-ms", 10, "control loop cycle period in milliseconds")
	maxSyncErrMM := flag.Float64("max-sync-err-mm", envFloat("ECTRL_MAX_SYNC_ERR_MM", 0.5), "sync-error trip threshold in millimeters")
	couplingGain := flag.Float64("coupling-gain", 0, "cross-coupling gain in [0,1], 0 disables coupling")
	axesFlag := flag.String("axes", "Z,Z", "comma-separated per-slave axis tags (X or Z)")
	simulated := flag.Bool("simulated", false, "run against an in-memory fieldbus instead of a real adapter")
	mqttBroker := flag.String("mqtt-broker", env("ECTRL_MQTT_BROKER", ""), "MQTT broker URL; telemetry publishing is disabled when empty")
	mqttTopic := flag.String("mqtt-topic", env("ECTRL_MQTT_TOPIC", "ectrl/axis"), "MQTT topic base for telemetry publishing")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ectrl [flags] <move|origin|status|stop> [args...]")
		os.Exit(2)
	}
	cmd, rest := args[0], args[1:]

	axes, err := parseAxes(*axesFlag, *numSlaves)
	if err != nil {
		log.Fatalf("ectrl: %v", err)
	}

	logger := log.New(os.Stderr, "ectrl: ", log.LstdFlags)

	ctrl, err := motion.New(motion.Config{
		Adapter:         *adapter,
		NumSlaves:       *numSlaves,
		CyclePeriod:     time.Duration(*cycleMS) * time.Millisecond,
		MaxSyncErrorMM:  *maxSyncErrMM,
		CouplingGain:    *couplingGain,
		CouplingEnabled: *couplingGain > 0,
		Axes:            axes,
		Logger:          logger,
		Simulated:       *simulated,
	})
	if err != nil {
		log.Fatalf("ectrl: %v", err)
	}

	if err := ctrl.Start(); err != nil {
		log.Fatalf("ectrl: start: %v", err)
	}
	defer ctrl.Stop(2 * time.Second)

	if *mqttBroker != "" {
		pub, err := telemetry.New(telemetry.Config{
			Enabled:         true,
			BrokerURL:       *mqttBroker,
			ClientID:        "ectrl-" + *adapter,
			TopicBase:       *mqttTopic,
			PublishInterval: 2 * time.Second,
			MaxRate:         5,
		}, logger)
		if err != nil {
			logger.Printf("telemetry disabled: %v", err)
		} else {
			ctx, cancel := context.WithCancel(context.Background())
			go pub.Run(ctx, ctrl.Bus())
			defer cancel()
			defer pub.Close()
		}
	}

	switch cmd {
	case "move":
		runMove(ctrl, rest)
	case "origin":
		runOrigin(ctrl, rest)
	case "status":
		runStatus(ctrl, *numSlaves)
	case "stop":
		ctrl.Stop(2 * time.Second)
	default:
		log.Fatalf("ectrl: unknown subcommand %q", cmd)
	}
}

// parseAxes splits a comma-separated X/Z tag list into a per-slave axis
// slice, padding any missing trailing entries with the Z default: every
// slave has an axis tag, defaulted when never set.
func parseAxes(spec string, numSlaves int) ([]units.Axis, error) {
	axes := make([]units.Axis, numSlaves)
	for i := range axes {
		axes[i] = units.AxisZ
	}
	if spec == "" {
		return axes, nil
	}
	parts := strings.Split(spec, ",")
	for i := 0; i < numSlaves && i < len(parts); i++ {
		axis, ok := units.ParseAxis(strings.TrimSpace(parts[i]))
		if !ok {
			return nil, fmt.Errorf("bad axis tag %q for slave %d", parts[i], i)
		}
		axes[i] = axis
	}
	return axes, nil
}

func runMove(ctrl *motion.Controller, args []string) {
	if len(args) != 2 {
		log.Fatal("ectrl: usage: move <slave> <mm>")
	}
	slave, err := strconv.Atoi(args[0])
	if err != nil {
		log.Fatalf("ectrl: bad slave index %q: %v", args[0], err)
	}
	mm, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		log.Fatalf("ectrl: bad target mm %q: %v", args[1], err)
	}
	if err := ctrl.MoveToMM(slave, mm); err != nil {
		log.Fatalf("ectrl: move: %v", err)
	}
	waitForIdle(ctrl, slave)
}

func runOrigin(ctrl *motion.Controller, args []string) {
	if len(args) != 1 {
		log.Fatal("ectrl: usage: origin <slave>")
	}
	slave, err := strconv.Atoi(args[0])
	if err != nil {
		log.Fatalf("ectrl: bad slave index %q: %v", args[0], err)
	}
	if err := ctrl.SetOrigin(slave); err != nil {
		log.Fatalf("ectrl: origin: %v", err)
	}
}

func runStatus(ctrl *motion.Controller, numSlaves int) {
	for i := 0; i < numSlaves; i++ {
		fmt.Printf("slave %d: statusword=%#04x moving=%t pos_mm=%.4f sync_error=%t\n",
			i, ctrl.StatusWord(i), ctrl.IsMoving(i), ctrl.CurrentPositionMM(i), ctrl.HasSyncError())
	}
}

func waitForIdle(ctrl *motion.Controller, slave int) {
	for ctrl.IsMoving(slave) {
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Printf("slave %d settled at %.4f mm\n", slave, ctrl.CurrentPositionMM(slave))
}
