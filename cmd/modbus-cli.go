// modbus-cli is a small example client driver: it loads its connection
// and retry/queue settings from a config file (or flags), opens a
// Channel-backed Client, and runs one or more read/write operations
// against it, printing the results to stdout.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	modbus "github.com/munnik/modbus-engine"
	"github.com/spf13/viper"
	"go.bug.st/serial"
)

type operation struct {
	kind  string
	addr  uint16
	count uint16
	value string
}

func main() {
	var target string
	var unitID uint
	var opFlags stringSliceFlag

	flag.StringVar(&target, "target", "", "target device URL (e.g. tcp://plc:502, rtu:///dev/ttyUSB0) [required]")
	flag.UintVar(&unitID, "unit-id", 1, "unit/slave id to use")
	flag.Var(&opFlags, "op", "operation to run, repeatable: read-coils:ADDR:COUNT, read-holding:ADDR:COUNT, "+
		"write-coil:ADDR:VALUE, write-register:ADDR:VALUE")
	configFile := flag.String("config", "", "path to a config file (yaml/json/toml) with retry/queue/decode-level settings")
	flag.Parse()

	if target == "" {
		fmt.Fprintln(os.Stderr, "-target is required")
		flag.Usage()
		os.Exit(1)
	}

	ops, err := parseOperations(opFlags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -op: %v\n", err)
		os.Exit(1)
	}

	chCfg, err := loadChannelConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	client, err := modbus.NewClient(modbus.ClientConfiguration{
		URL:      target,
		Speed:    19200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.TwoStopBits,
		Timeout:  chCfg.RequestTimeout,
		Channel:  chCfg,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create client: %v\n", err)
		os.Exit(1)
	}
	client.SetUnitId(modbus.UnitId(unitID))
	client.Open()
	defer client.Shutdown()

	for _, op := range ops {
		if err := runOperation(client, op); err != nil {
			fmt.Fprintf(os.Stderr, "%s @ %d: %v\n", op.kind, op.addr, err)
			continue
		}
	}
}

// loadChannelConfig reads retry/queue/decode-level settings via viper, the
// way the example CLIs in the retrieval pack load their own runtime
// config: an optional config file, overridden by environment variables
// prefixed MODBUS_CLI, falling back to DefaultChannelConfig when neither
// is set.
func loadChannelConfig(configFile string) (modbus.ChannelConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("MODBUS_CLI")
	v.AutomaticEnv()

	def := modbus.DefaultChannelConfig()
	v.SetDefault("max_queued_requests", def.MaxQueuedRequests)
	v.SetDefault("request_timeout", def.RequestTimeout.String())
	v.SetDefault("pending_capacity", def.PendingCapacity)
	v.SetDefault("retry_min_delay", def.Retry.MinDelay.String())
	v.SetDefault("retry_max_delay", def.Retry.MaxDelay.String())
	v.SetDefault("decode_level", "nothing")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return modbus.ChannelConfig{}, err
		}
	}

	requestTimeout, err := time.ParseDuration(v.GetString("request_timeout"))
	if err != nil {
		return modbus.ChannelConfig{}, fmt.Errorf("request_timeout: %w", err)
	}
	minDelay, err := time.ParseDuration(v.GetString("retry_min_delay"))
	if err != nil {
		return modbus.ChannelConfig{}, fmt.Errorf("retry_min_delay: %w", err)
	}
	maxDelay, err := time.ParseDuration(v.GetString("retry_max_delay"))
	if err != nil {
		return modbus.ChannelConfig{}, fmt.Errorf("retry_max_delay: %w", err)
	}

	return modbus.ChannelConfig{
		MaxQueuedRequests: v.GetInt("max_queued_requests"),
		RequestTimeout:    requestTimeout,
		PendingCapacity:   v.GetInt("pending_capacity"),
		Retry:             modbus.RetryStrategy{MinDelay: minDelay, MaxDelay: maxDelay},
		DecodeLevel:       decodeLevelFromString(v.GetString("decode_level")),
	}, nil
}

func decodeLevelFromString(s string) modbus.DecodeLevel {
	switch strings.ToLower(s) {
	case "header":
		return modbus.DecodeHeader
	case "data-headers", "data_headers":
		return modbus.DecodeDataHeaders
	default:
		return modbus.DecodeNothing
	}
}

func parseOperations(raw []string) ([]operation, error) {
	ops := make([]operation, 0, len(raw))
	for _, s := range raw {
		parts := strings.Split(s, ":")
		if len(parts) < 2 {
			return nil, fmt.Errorf("%q: expected KIND:ADDR[:COUNT_OR_VALUE]", s)
		}
		addr, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%q: bad address: %w", s, err)
		}
		op := operation{kind: parts[0], addr: uint16(addr)}
		if len(parts) > 2 {
			switch op.kind {
			case "read-coils", "read-discrete", "read-holding", "read-input":
				count, err := strconv.ParseUint(parts[2], 10, 16)
				if err != nil {
					return nil, fmt.Errorf("%q: bad count: %w", s, err)
				}
				op.count = uint16(count)
			default:
				op.value = parts[2]
			}
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func runOperation(client *modbus.Client, op operation) error {
	switch op.kind {
	case "read-coils":
		values, err := client.ReadCoils(op.addr, op.count)
		if err != nil {
			return err
		}
		fmt.Printf("read-coils @ %d x%d: %v\n", op.addr, op.count, values)

	case "read-discrete":
		values, err := client.ReadDiscreteInputs(op.addr, op.count)
		if err != nil {
			return err
		}
		fmt.Printf("read-discrete @ %d x%d: %v\n", op.addr, op.count, values)

	case "read-holding":
		values, err := client.ReadHoldingRegisters(op.addr, op.count)
		if err != nil {
			return err
		}
		fmt.Printf("read-holding @ %d x%d: %v\n", op.addr, op.count, values)

	case "read-input":
		values, err := client.ReadInputRegisters(op.addr, op.count)
		if err != nil {
			return err
		}
		fmt.Printf("read-input @ %d x%d: %v\n", op.addr, op.count, values)

	case "write-coil":
		v := op.value == "1" || strings.EqualFold(op.value, "true")
		point, err := client.WriteSingleCoil(modbus.NewIndexed(op.addr, v))
		if err != nil {
			return err
		}
		fmt.Printf("write-coil @ %d: %v\n", point.Index, point.Value)

	case "write-register":
		raw, err := strconv.ParseUint(op.value, 10, 16)
		if err != nil {
			return fmt.Errorf("bad register value: %w", err)
		}
		point, err := client.WriteSingleRegister(modbus.NewIndexed(op.addr, uint16(raw)))
		if err != nil {
			return err
		}
		fmt.Printf("write-register @ %d: %v\n", point.Index, point.Value)

	default:
		return fmt.Errorf("unknown operation %q", op.kind)
	}
	return nil
}

// stringSliceFlag collects repeated -op flags into a slice.
type stringSliceFlag []string

func (f *stringSliceFlag) String() string {
	return strings.Join(*f, ",")
}

func (f *stringSliceFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}
