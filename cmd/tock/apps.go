package main

import (
	"encoding/binary"
	"fmt"

	"github.com/patsv99/tock/pkg/abi"
	"github.com/patsv99/tock/pkg/capsules/alarm"
	"github.com/patsv99/tock/pkg/capsules/console"
	"github.com/patsv99/tock/pkg/capsules/nvstorage"
	"github.com/patsv99/tock/pkg/capsules/temperature"
	"github.com/patsv99/tock/pkg/chip/hosted"
)

// Demo applications shipped with the hosted board. Each is an AppMain
// registered on the runtime plus a bundle installed into the flashstore
// under the same name; the loader matches them up at boot.

var demoApps = map[string]hosted.AppMain{
	"blink": appBlink,
	"sense": appSense,
}

func nopUpcall([3]uint32, uint64) {}

// printLine writes a line through the console capsule: share the
// buffer, issue the write, wait for the completion upcall, revoke.
func printLine(env *hosted.Env, buf uint64, s string) {
	msg := []byte(s + "\n")
	env.Store(buf, msg)
	env.Subscribe(console.DriverNum, console.UpcallWriteDone, nopUpcall, 0)
	env.AllowReadOnly(console.DriverNum, console.AllowWriteBuffer, buf, uint64(len(msg)))
	env.Command(console.DriverNum, console.CmdWrite, uint32(len(msg)), 0)
	env.YieldFor(console.DriverNum, console.UpcallWriteDone)
	env.AllowReadOnly(console.DriverNum, console.AllowWriteBuffer, 0, 0)
}

// appBlink arms a repeating alarm and logs each time it fires.
func appBlink(env *hosted.Env) {
	buf, ok := env.SBrk(64)
	if !ok {
		env.Exit(abi.ExitTerminate)
	}
	env.Subscribe(alarm.DriverNum, alarm.UpcallFired, nopUpcall, 0)
	for i := 1; i <= 5; i++ {
		env.Command(alarm.DriverNum, alarm.CmdSet, 2, 0)
		env.YieldFor(alarm.DriverNum, alarm.UpcallFired)
		printLine(env, buf, fmt.Sprintf("blink %d", i))
		env.Work(1)
	}
	env.Exit(abi.ExitTerminate)
}

// appSense bumps a boot counter in nonvolatile storage, takes one
// temperature reading, and logs both.
func appSense(env *hosted.Env) {
	buf, ok := env.SBrk(64)
	if !ok {
		env.Exit(abi.ExitTerminate)
	}
	nvBuf, ok := env.SBrk(8)
	if !ok {
		env.Exit(abi.ExitTerminate)
	}

	env.Subscribe(nvstorage.DriverNum, nvstorage.UpcallReadDone, nopUpcall, 0)
	env.AllowReadWrite(nvstorage.DriverNum, nvstorage.AllowReadBuffer, nvBuf, 4)
	env.Command(nvstorage.DriverNum, nvstorage.CmdRead, 0, 4)
	env.YieldFor(nvstorage.DriverNum, nvstorage.UpcallReadDone)

	raw := env.Load(nvBuf, 4)
	boots := binary.LittleEndian.Uint32(raw) + 1
	binary.LittleEndian.PutUint32(raw, boots)
	env.Store(nvBuf, raw)

	env.Subscribe(nvstorage.DriverNum, nvstorage.UpcallWriteDone, nopUpcall, 0)
	env.AllowReadOnly(nvstorage.DriverNum, nvstorage.AllowWriteBuffer, nvBuf, 4)
	env.Command(nvstorage.DriverNum, nvstorage.CmdWrite, 0, 4)
	env.YieldFor(nvstorage.DriverNum, nvstorage.UpcallWriteDone)

	env.Subscribe(temperature.DriverNum, temperature.UpcallReading, nopUpcall, 0)
	env.Command(temperature.DriverNum, temperature.CmdRead, 0, 0)
	args := env.YieldFor(temperature.DriverNum, temperature.UpcallReading)

	centi := int32(args[0])
	frac := centi % 100
	if frac < 0 {
		frac = -frac
	}
	printLine(env, buf, fmt.Sprintf("boot %d: %d.%02d C", boots, centi/100, frac))
	env.Exit(abi.ExitTerminate)
}
