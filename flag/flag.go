// Package flag defines the command line surface. Parsing is delegated
// to kong; the command Run methods live in runs.go.
package flag

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// CLI is the top-level command tree.
type CLI struct {
	LogLevel string `default:"info" enum:"debug,info,warn,error" help:"Log verbosity."`

	Probe ProbeCMD `cmd:"" help:"Report host virtualization capability and run the software self test."`
	Run   RunCMD   `cmd:"" default:"withargs" help:"Install the engine over simulated cores and run the demonstration guests."`
}

type ProbeCMD struct {
	SkipSelfTest bool `help:"Only report, skip the software engine self test."`
}

type RunCMD struct {
	NCPUs   int    `name:"cores" short:"c" default:"2" help:"Number of simulated cores."`
	MemSize string `name:"mem" short:"m" default:"64m" help:"Guest memory span: as number[gGmMkK], optional unit, defaults to m."`

	Hide    bool   `default:"true" negatable:"" help:"Conceal the virtualization extension from the guests."`
	Vendor  string `default:"host" enum:"host,vmware" help:"Vendor identity the guests see."`
	Profile string `type:"path" help:"Stealth profile YAML, overrides --hide and --vendor."`

	CPUProfile  bool   `xor:"pprof" help:"Write a CPU profile to the working directory while running."`
	MemProfile  bool   `xor:"pprof" help:"Write an allocation profile to the working directory while running."`
	WallProfile string `type:"path" help:"Write a wall-clock profile to this file while running."`
}
