package flag

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/felixge/fgprof"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"

	"github.com/tigr0w/illusion/probe"
	"github.com/tigr0w/illusion/vmm"
)

func Parse() error {
	c := CLI{}

	programName := "illusion"
	programDesc := "illusion installs a thin hypervisor under the running system and hides it"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}

	logrus.SetLevel(level)

	return ctx.Run()
}

func (p *ProbeCMD) Run() error {
	fmt.Print(probe.Detect().Report())

	if p.SkipSelfTest {
		return nil
	}

	if err := probe.SelfTest(); err != nil {
		return err
	}

	fmt.Println("software self test passed")

	return nil
}

func (s *RunCMD) Run() error {
	memSize, err := ParseSize(s.MemSize, "m")
	if err != nil {
		return err
	}

	switch {
	case s.CPUProfile:
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	case s.MemProfile:
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	}

	if s.WallProfile != "" {
		f, err := os.Create(s.WallProfile)
		if err != nil {
			return err
		}

		stop := fgprof.Start(f, fgprof.FormatPprof)

		defer func() {
			if err := stop(); err != nil {
				logrus.WithError(err).Error("wall profile")
			}

			f.Close()
		}()
	}

	vendor := ""
	if s.Vendor != "host" {
		vendor = s.Vendor
	}

	m := vmm.New(vmm.Config{
		NCPUs:       s.NCPUs,
		MemSize:     memSize,
		Hide:        s.Hide,
		Vendor:      vendor,
		ProfilePath: s.Profile,
	})

	if err := m.Init(); err != nil {
		return err
	}

	if err := m.Install(); err != nil {
		return err
	}

	return m.Run()
}
