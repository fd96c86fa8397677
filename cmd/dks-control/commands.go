package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/4ourtune/dks-client-sub000/pkg/account"
	"github.com/4ourtune/dks-client-sub000/pkg/pairing"
	"github.com/4ourtune/dks-client-sub000/pkg/protocol"
	"github.com/4ourtune/dks-client-sub000/pkg/vehicle"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrUnknownCommand  = errors.New("unrecognized command")
	ErrRequiresAccount = errors.New("command requires a backend OAuth token")
)

type Argument struct {
	name string
	help string
}

type Handler func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error

type Command struct {
	help            string
	requiresAccount bool // True if command requires a backend connection (OAuth token)
	args            []Argument
	optional        []Argument
	handler         Handler
}

func (c *Command) Usage(name string) {
	fmt.Printf("Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" [")
	}
	for _, arg := range c.optional {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" ]")
	}
	fmt.Printf("\n%s\n", c.help)
	if len(c.args)+len(c.optional) > 0 {
		fmt.Printf("Arguments:\n")
	}
	for _, arg := range append(append([]Argument{}, c.args...), c.optional...) {
		fmt.Printf("  %s%s %s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

func printResponse(response *protocol.ResponsePacket) error {
	if !response.Success {
		return fmt.Errorf("vehicle rejected command: %s", response.Error)
	}
	if len(response.Data) > 0 {
		pretty, err := json.MarshalIndent(response.Data, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(pretty))
	}
	return nil
}

func promptPIN() (string, error) {
	fmt.Printf("Enter the PIN shown on the vehicle display: ")
	if term.IsTerminal(int(os.Stdin.Fd())) {
		pin, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(pin)), nil
	}
	var pin string
	if _, err := fmt.Scanln(&pin); err != nil {
		return "", err
	}
	return strings.TrimSpace(pin), nil
}

func pairVehicle(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, vehicleID string) error {
	// The pairing flow owns the link from scanning onward.
	car.Disconnect()
	machine := pairing.NewMachine(car.Transport(), acct, car.Certificates())

	devices, err := machine.StartScan(ctx, vehicleID, nil)
	if err != nil {
		return err
	}
	var selected bool
	for device := range devices {
		fmt.Printf("Found %s (%s, %d dBm)\n", device.ID, device.LocalName, device.RSSI)
		if err := machine.SelectDevice(device); err != nil {
			return err
		}
		selected = true
		break
	}
	if !selected {
		machine.Cancel()
		return errors.New("no device found")
	}
	if err := machine.Connect(ctx); err != nil {
		return err
	}
	if err := machine.ReadChallenge(ctx); err != nil {
		return err
	}

	for {
		pin, err := promptPIN()
		if err != nil {
			machine.Cancel()
			return err
		}
		err = machine.SubmitPIN(ctx, pin)
		if err == nil {
			break
		}
		var pinErr *protocol.PinError
		if errors.As(err, &pinErr) && pinErr.AttemptsRemaining > 0 {
			fmt.Printf("%s\n", pinErr)
			continue
		}
		return err
	}

	if err := machine.Complete(ctx); err != nil {
		return err
	}
	result := machine.Result()
	fmt.Printf("Paired with vehicle %s (device %s)\n", result.VehicleID, result.DeviceID)
	return nil
}

var commands = map[string]*Command{
	"unlock": {
		help: "Unlock the doors",
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			response, err := car.Unlock(ctx)
			if err != nil {
				return err
			}
			return printResponse(response)
		},
	},
	"lock": {
		help: "Lock the doors",
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			response, err := car.Lock(ctx)
			if err != nil {
				return err
			}
			return printResponse(response)
		},
	},
	"start": {
		help: "Start the engine",
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			response, err := car.StartEngine(ctx)
			if err != nil {
				return err
			}
			return printResponse(response)
		},
	},
	"status": {
		help: "Fetch the vehicle state snapshot",
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			response, err := car.Status(ctx)
			if err != nil {
				return err
			}
			return printResponse(response)
		},
	},
	"pair": {
		help:            "Pair this device with a vehicle (requires the PIN shown on the vehicle display)",
		requiresAccount: true,
		args: []Argument{
			{name: "VEHICLE-ID", help: "Identifier of the vehicle to pair with"},
		},
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			return pairVehicle(ctx, acct, car, args["VEHICLE-ID"])
		},
	},
	"ping": {
		help: "Measure the round-trip time of a command exchange",
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			started := time.Now()
			response, err := car.Status(ctx)
			if err != nil {
				return err
			}
			if !response.Success {
				return fmt.Errorf("vehicle rejected command: %s", response.Error)
			}
			fmt.Printf("Vehicle responded in %s\n", time.Since(started).Round(time.Millisecond))
			return nil
		},
	},
	"sessions": {
		help: "List active vehicle sessions",
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			for _, s := range car.Sessions().Cache().ActiveSessions() {
				fmt.Printf("%s vehicle=%s expires=%s\n", s.ID, s.VehicleID, s.ExpiresAt.Format("15:04:05"))
			}
			return nil
		},
	},
}

func execute(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args []string) error {
	if len(args) == 0 {
		return ErrUnknownCommand
	}
	info, ok := commands[args[0]]
	if !ok {
		return ErrUnknownCommand
	}
	if info.requiresAccount && acct == nil {
		return ErrRequiresAccount
	}
	if car == nil {
		return protocol.ErrNotConnected
	}
	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		info.Usage(args[0])
		return ErrCommandLineArgs
	}
	named := make(map[string]string)
	for i, value := range args[1:] {
		if i < len(info.args) {
			named[info.args[i].name] = value
		} else {
			named[info.optional[i-len(info.args)].name] = value
		}
	}
	return info.handler(ctx, acct, car, named)
}
