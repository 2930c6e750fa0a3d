// Command modbus-cli is a small test client for MODBUS TCP servers.
//
//	modbus-cli -address 127.0.0.1:502 -op read-holding -start 0 -quantity 4
//	modbus-cli -address 127.0.0.1:502 -op write-registers -start 100 -values 42,42,42
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gridpoint/modbus"
)

type option struct {
	address  string
	unitID   int
	op       string
	start    int
	quantity int
	values   string
	timeout  time.Duration
	debug    bool
}

func main() {
	var opt option
	flag.StringVar(&opt.address, "address", "127.0.0.1:502", "server address, host:port")
	flag.IntVar(&opt.unitID, "unit", 1, "unit identifier")
	flag.StringVar(&opt.op, "op", "read-holding",
		"operation: read-coils, read-discrete, read-holding, read-input, write-coil, write-register, write-coils, write-registers")
	flag.IntVar(&opt.start, "start", 0, "starting address")
	flag.IntVar(&opt.quantity, "quantity", 1, "quantity for read operations")
	flag.StringVar(&opt.values, "values", "", "comma separated values for write operations; coils take 0/1")
	flag.DurationVar(&opt.timeout, "timeout", 5*time.Second, "request timeout")
	flag.BoolVar(&opt.debug, "debug", false, "log sent and received frames")
	flag.Parse()

	logger := slog.Default()
	if opt.debug {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	if opt.start < 0 || opt.start > 0xFFFF {
		logger.Error("invalid starting address: " + strconv.Itoa(opt.start))
		os.Exit(1)
	}
	if opt.unitID < 0 || opt.unitID > 0xFF {
		logger.Error("invalid unit identifier: " + strconv.Itoa(opt.unitID))
		os.Exit(1)
	}

	client := modbus.NewClient(modbus.ClientConfig{
		Address:      opt.address,
		Timeout:      opt.timeout,
		SubmitPolicy: modbus.QueueWhileDisconnected,
		Logger:       logger,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opt.timeout)
	defer cancel()

	out, err := exec(ctx, client, opt)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	fmt.Println(out)
}

func exec(ctx context.Context, client *modbus.Client, opt option) (string, error) {
	unitID := byte(opt.unitID)
	start := uint16(opt.start)
	quantity := uint16(opt.quantity)

	switch opt.op {
	case "read-coils":
		values, err := client.ReadCoils(ctx, unitID, start, quantity)
		return formatBits(values), err
	case "read-discrete":
		values, err := client.ReadDiscreteInputs(ctx, unitID, start, quantity)
		return formatBits(values), err
	case "read-holding":
		values, err := client.ReadHoldingRegisters(ctx, unitID, start, quantity)
		return formatRegisters(values), err
	case "read-input":
		values, err := client.ReadInputRegisters(ctx, unitID, start, quantity)
		return formatRegisters(values), err
	case "write-coil":
		values, err := parseBits(opt.values)
		if err != nil || len(values) != 1 {
			return "", fmt.Errorf("write-coil needs -values 0 or -values 1")
		}
		return "ok", client.WriteSingleCoil(ctx, unitID, start, values[0])
	case "write-register":
		values, err := parseRegisters(opt.values)
		if err != nil || len(values) != 1 {
			return "", fmt.Errorf("write-register needs a single -values entry")
		}
		return "ok", client.WriteSingleRegister(ctx, unitID, start, values[0])
	case "write-coils":
		values, err := parseBits(opt.values)
		if err != nil {
			return "", err
		}
		return "ok", client.WriteMultipleCoils(ctx, unitID, start, values)
	case "write-registers":
		values, err := parseRegisters(opt.values)
		if err != nil {
			return "", err
		}
		return "ok", client.WriteMultipleRegisters(ctx, unitID, start, values)
	default:
		return "", fmt.Errorf("unknown operation %q", opt.op)
	}
}

func parseBits(s string) ([]bool, error) {
	var values []bool
	for _, field := range strings.Split(s, ",") {
		switch strings.TrimSpace(field) {
		case "0", "false", "off":
			values = append(values, false)
		case "1", "true", "on":
			values = append(values, true)
		default:
			return nil, fmt.Errorf("invalid coil value %q", field)
		}
	}
	return values, nil
}

func parseRegisters(s string) ([]uint16, error) {
	var values []uint16
	for _, field := range strings.Split(s, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(field), 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid register value %q", field)
		}
		values = append(values, uint16(v))
	}
	return values, nil
}

func formatBits(values []bool) string {
	fields := make([]string, len(values))
	for i, v := range values {
		fields[i] = "0"
		if v {
			fields[i] = "1"
		}
	}
	return strings.Join(fields, " ")
}

func formatRegisters(values []uint16) string {
	fields := make([]string, len(values))
	for i, v := range values {
		fields[i] = fmt.Sprintf("%d (0x%04x)", v, v)
	}
	return strings.Join(fields, " ")
}
